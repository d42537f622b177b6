// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the ledger primitives: account lookup,
// compare-and-swap balance updates and the append-only transaction log.
//
// Balance writes go through SwapBalance only. Callers (services.LedgerService)
// own locking and the enclosing transaction.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-campaign-dispatch/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// GetAccount fetches the account for (userID, channel) or ErrNotFound.
func GetAccount(ctx context.Context, db *gorm.DB, userID string, ch domain.Channel) (*domain.CreditAccount, error) {
	var a domain.CreditAccount
	err := db.WithContext(ctx).
		Where("user_id = ? AND channel = ?", userID, ch).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// EnsureAccount returns the account for (userID, channel), creating an empty
// one on first use.
func EnsureAccount(ctx context.Context, db *gorm.DB, userID string, ch domain.Channel) (*domain.CreditAccount, error) {
	a, err := GetAccount(ctx, db, userID, ch)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	now := time.Now().UTC()
	a = &domain.CreditAccount{
		ID:        uuid.NewString(),
		UserID:    userID,
		Channel:   ch,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(a).Error; err != nil {
		if IsUniqueViolation(err) {
			return GetAccount(ctx, db, userID, ch)
		}
		return nil, err
	}
	return a, nil
}

// SwapBalance sets the balance to next only if it still equals expected.
// debited and credited are added to the lifetime counters. It reports whether
// the swap happened.
func SwapBalance(ctx context.Context, db *gorm.DB, accountID string, expected, next, debited, credited int64) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.CreditAccount{}).
		Where("id = ? AND balance = ?", accountID, expected).
		Updates(map[string]any{
			"balance":           next,
			"lifetime_debited":  gorm.Expr("lifetime_debited + ?", debited),
			"lifetime_credited": gorm.Expr("lifetime_credited + ?", credited),
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// InsertTransaction appends a ledger entry.
func InsertTransaction(ctx context.Context, db *gorm.DB, tx *domain.CreditTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(tx).Error
}

// TaskLedgerCounts returns how many debits and refunds reference taskID.
// A task has an outstanding charge when debits > refunds.
func TaskLedgerCounts(ctx context.Context, db *gorm.DB, taskID string) (debits, refunds int64, err error) {
	var rows []struct {
		Kind string
		N    int64
	}
	err = db.WithContext(ctx).
		Model(&domain.CreditTransaction{}).
		Select("kind, COUNT(*) AS n").
		Where("reference_task_id = ?", taskID).
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return 0, 0, err
	}
	for _, r := range rows {
		switch domain.TxKind(r.Kind) {
		case domain.TxDebit:
			debits = r.N
		case domain.TxRefund:
			refunds = r.N
		}
	}
	return debits, refunds, nil
}

// CountTransactions returns the number of ledger entries for (userID, channel).
func CountTransactions(ctx context.Context, db *gorm.DB, userID string, ch domain.Channel) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.CreditTransaction{}).
		Where("user_id = ? AND channel = ?", userID, ch).
		Count(&total).Error
	return total, err
}

// ListTransactionsPage returns ledger entries newest first.
func ListTransactionsPage(ctx context.Context, db *gorm.DB, userID string, ch domain.Channel, offset, limit int) ([]domain.CreditTransaction, error) {
	var out []domain.CreditTransaction
	err := db.WithContext(ctx).
		Where("user_id = ? AND channel = ?", userID, ch).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CampaignLedgerCounts returns debit and refund entry counts for the tasks of
// campaignID. Net charged sends are debits - refunds.
func CampaignLedgerCounts(ctx context.Context, db *gorm.DB, campaignID string) (debits, refunds int64, err error) {
	var rows []struct {
		Kind string
		N    int64
	}
	err = db.WithContext(ctx).
		Table("credit_transactions AS ct").
		Select("ct.kind AS kind, COUNT(*) AS n").
		Joins("JOIN dispatch_tasks AS t ON t.id = ct.reference_task_id").
		Where("t.campaign_id = ?", campaignID).
		Group("ct.kind").
		Scan(&rows).Error
	if err != nil {
		return 0, 0, err
	}
	for _, r := range rows {
		switch domain.TxKind(r.Kind) {
		case domain.TxDebit:
			debits = r.N
		case domain.TxRefund:
			refunds = r.N
		}
	}
	return debits, refunds, nil
}
