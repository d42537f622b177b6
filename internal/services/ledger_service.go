// Package services – LedgerService
//
// LedgerService is the only writer of credit balances. Every mutation runs
// under a per-(user, channel) lock, inside one database transaction, and
// commits through a compare-and-swap on the previous balance, so two
// processes sharing the database still cannot overdraw an account.
package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-campaign-dispatch/internal/domain"
	"github.com/tbourn/go-campaign-dispatch/internal/observability"
	"github.com/tbourn/go-campaign-dispatch/internal/repo"
	"github.com/tbourn/go-campaign-dispatch/internal/utils"
)

// UnlimitedBalance is reported for channels that are never debited.
const UnlimitedBalance int64 = -1

const swapAttempts = 3

var errBalanceContention = errors.New("ledger: balance changed concurrently")

// BalanceSnapshot is a point-in-time view of one account.
type BalanceSnapshot struct {
	UserID           string         `json:"user_id"`
	Channel          domain.Channel `json:"channel"`
	Balance          int64          `json:"balance"`
	LifetimeDebited  int64          `json:"lifetime_debited"`
	LifetimeCredited int64          `json:"lifetime_credited"`
	Unlimited        bool           `json:"unlimited"`
}

// LedgerService debits, credits and refunds per-channel credit accounts.
type LedgerService struct {
	DB  *gorm.DB
	Now func() time.Time

	locks keyedMutex
}

// NewLedgerService returns a ledger bound to db.
func NewLedgerService(db *gorm.DB) *LedgerService {
	return &LedgerService{DB: db, Now: time.Now}
}

func (s *LedgerService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func lockKey(userID string, ch domain.Channel) string { return userID + "|" + string(ch) }

// Debit charges amount for referenceTaskID and returns the balance after the
// charge. A balance below amount yields ErrInsufficientCredit and leaves the
// account untouched. A task that already carries an unrefunded debit is not
// charged again. Free channels are a no-op returning UnlimitedBalance.
func (s *LedgerService) Debit(ctx context.Context, userID string, ch domain.Channel, amount int64, referenceTaskID string) (int64, error) {
	ctx, span := otel.Tracer("services/LedgerService").Start(ctx, "Debit",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("channel", string(ch)),
			attribute.String("task.id", referenceTaskID),
		),
	)
	defer span.End()

	if !ch.Valid() {
		return 0, invalid("channel", "unknown channel")
	}
	if amount <= 0 {
		return 0, invalid("amount", "must be positive")
	}
	if !ch.Paid() {
		observability.LedgerOps.WithLabelValues(string(domain.TxDebit), "noop").Inc()
		return UnlimitedBalance, nil
	}

	unlock := s.locks.Lock(lockKey(userID, ch))
	defer unlock()

	var after int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if referenceTaskID != "" {
			debits, refunds, err := repo.TaskLedgerCounts(ctx, tx, referenceTaskID)
			if err != nil {
				return err
			}
			if debits > refunds {
				acct, err := repo.GetAccount(ctx, tx, userID, ch)
				if err != nil {
					return err
				}
				after = acct.Balance
				return nil
			}
		}

		acct, err := repo.GetAccount(ctx, tx, userID, ch)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrInsufficientCredit
		}
		if err != nil {
			return err
		}
		for i := 0; i < swapAttempts; i++ {
			if acct.Balance < amount {
				return ErrInsufficientCredit
			}
			ok, err := repo.SwapBalance(ctx, tx, acct.ID, acct.Balance, acct.Balance-amount, amount, 0)
			if err != nil {
				return err
			}
			if ok {
				after = acct.Balance - amount
				return repo.InsertTransaction(ctx, tx, &domain.CreditTransaction{
					UserID:          userID,
					Channel:         ch,
					Kind:            domain.TxDebit,
					Amount:          amount,
					BalanceBefore:   acct.Balance,
					BalanceAfter:    after,
					Reason:          "campaign send",
					ReferenceTaskID: referenceTaskID,
					CreatedAt:       s.now(),
				})
			}
			if acct, err = repo.GetAccount(ctx, tx, userID, ch); err != nil {
				return err
			}
		}
		return errBalanceContention
	})
	switch {
	case errors.Is(err, ErrInsufficientCredit):
		observability.LedgerOps.WithLabelValues(string(domain.TxDebit), "insufficient").Inc()
		return 0, ErrInsufficientCredit
	case err != nil:
		observability.LedgerOps.WithLabelValues(string(domain.TxDebit), "error").Inc()
		span.RecordError(err)
		return 0, internal("debit", err)
	}
	observability.LedgerOps.WithLabelValues(string(domain.TxDebit), "ok").Inc()
	return after, nil
}

// Credit adds amount to the account, creating it on first use.
func (s *LedgerService) Credit(ctx context.Context, userID string, ch domain.Channel, amount int64, reason string) (int64, error) {
	ctx, span := otel.Tracer("services/LedgerService").Start(ctx, "Credit",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("channel", string(ch)),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	if userID == "" {
		return 0, invalid("user_id", "required")
	}
	if !ch.Valid() {
		return 0, invalid("channel", "unknown channel")
	}
	if !ch.Paid() {
		return 0, invalid("channel", "channel is not credit based")
	}
	if amount <= 0 {
		return 0, invalid("amount", "must be positive")
	}

	after, err := s.addBalance(ctx, userID, ch, amount, domain.TxCredit, reason, "")
	if err != nil {
		observability.LedgerOps.WithLabelValues(string(domain.TxCredit), "error").Inc()
		return 0, internal("credit", err)
	}
	observability.LedgerOps.WithLabelValues(string(domain.TxCredit), "ok").Inc()
	logger(ctx).Info().
		Str("user_id", userID).Str("channel", string(ch)).
		Int64("amount", amount).Int64("balance", after).
		Msg("credits granted")
	return after, nil
}

// Refund returns amount for referenceTaskID. When the task has no
// outstanding debit nothing is written and the current balance is returned,
// so refunding twice is harmless.
func (s *LedgerService) Refund(ctx context.Context, userID string, ch domain.Channel, amount int64, referenceTaskID, reason string) (int64, error) {
	ctx, span := otel.Tracer("services/LedgerService").Start(ctx, "Refund",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("channel", string(ch)),
			attribute.String("task.id", referenceTaskID),
		),
	)
	defer span.End()

	if amount <= 0 {
		return 0, invalid("amount", "must be positive")
	}
	if !ch.Paid() {
		return UnlimitedBalance, nil
	}
	after, err := s.addBalance(ctx, userID, ch, amount, domain.TxRefund, reason, referenceTaskID)
	if err != nil {
		observability.LedgerOps.WithLabelValues(string(domain.TxRefund), "error").Inc()
		return 0, internal("refund", err)
	}
	observability.LedgerOps.WithLabelValues(string(domain.TxRefund), "ok").Inc()
	return after, nil
}

func (s *LedgerService) addBalance(ctx context.Context, userID string, ch domain.Channel, amount int64, kind domain.TxKind, reason, taskID string) (int64, error) {
	if _, err := repo.EnsureAccount(ctx, s.DB, userID, ch); err != nil {
		return 0, err
	}

	unlock := s.locks.Lock(lockKey(userID, ch))
	defer unlock()

	var after int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := repo.GetAccount(ctx, tx, userID, ch)
		if err != nil {
			return err
		}
		after = acct.Balance
		if kind == domain.TxRefund && taskID != "" {
			debits, refunds, err := repo.TaskLedgerCounts(ctx, tx, taskID)
			if err != nil {
				return err
			}
			if debits <= refunds {
				return nil
			}
		}

		var debited, credited int64
		if kind == domain.TxRefund {
			debited = -amount
		} else {
			credited = amount
		}
		for i := 0; i < swapAttempts; i++ {
			ok, err := repo.SwapBalance(ctx, tx, acct.ID, acct.Balance, acct.Balance+amount, debited, credited)
			if err != nil {
				return err
			}
			if ok {
				after = acct.Balance + amount
				return repo.InsertTransaction(ctx, tx, &domain.CreditTransaction{
					UserID:          userID,
					Channel:         ch,
					Kind:            kind,
					Amount:          amount,
					BalanceBefore:   acct.Balance,
					BalanceAfter:    after,
					Reason:          reason,
					ReferenceTaskID: taskID,
					CreatedAt:       s.now(),
				})
			}
			if acct, err = repo.GetAccount(ctx, tx, userID, ch); err != nil {
				return err
			}
		}
		return errBalanceContention
	})
	return after, err
}

// GetBalance returns the current balance. Accounts that were never credited
// read as zero; free channels read as unlimited.
func (s *LedgerService) GetBalance(ctx context.Context, userID string, ch domain.Channel) (BalanceSnapshot, error) {
	if !ch.Valid() {
		return BalanceSnapshot{}, invalid("channel", "unknown channel")
	}
	snap := BalanceSnapshot{UserID: userID, Channel: ch}
	if !ch.Paid() {
		snap.Balance = UnlimitedBalance
		snap.Unlimited = true
		return snap, nil
	}
	acct, err := repo.GetAccount(ctx, s.DB, userID, ch)
	if errors.Is(err, repo.ErrNotFound) {
		return snap, nil
	}
	if err != nil {
		return BalanceSnapshot{}, internal("balance", err)
	}
	snap.Balance = acct.Balance
	snap.LifetimeDebited = acct.LifetimeDebited
	snap.LifetimeCredited = acct.LifetimeCredited
	return snap, nil
}

// ListTransactions returns a page of the account's ledger, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, userID string, ch domain.Channel, page, pageSize int) ([]domain.CreditTransaction, int64, error) {
	if !ch.Valid() {
		return nil, 0, invalid("channel", "unknown channel")
	}
	_, size, offset := utils.NormalizePage(page, pageSize, 20, 100)
	total, err := repo.CountTransactions(ctx, s.DB, userID, ch)
	if err != nil {
		return nil, 0, internal("transactions", err)
	}
	if total == 0 {
		return []domain.CreditTransaction{}, 0, nil
	}
	items, err := repo.ListTransactionsPage(ctx, s.DB, userID, ch, offset, size)
	if err != nil {
		return nil, 0, internal("transactions", err)
	}
	return items, total, nil
}

// CountDebitsForCampaign returns the number of net charged sends of a
// campaign (debits minus refunds).
func (s *LedgerService) CountDebitsForCampaign(ctx context.Context, campaignID string) (int64, error) {
	debits, refunds, err := repo.CampaignLedgerCounts(ctx, s.DB, campaignID)
	if err != nil {
		return 0, internal("campaign charges", err)
	}
	return debits - refunds, nil
}
