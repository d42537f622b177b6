package domain

import "time"

// TxKind is the kind of a ledger entry.
type TxKind string

const (
	TxDebit  TxKind = "debit"
	TxCredit TxKind = "credit"
	TxRefund TxKind = "refund"
)

// CreditAccount is the spendable balance of one user on one paid channel.
// Balance is only ever written by the ledger service.
type CreditAccount struct {
	ID               string    `json:"id"                gorm:"type:char(36);primaryKey"`
	UserID           string    `json:"user_id"           gorm:"type:varchar(64);not null;uniqueIndex:ux_account_user_channel,priority:1"`
	Channel          Channel   `json:"channel"           gorm:"type:varchar(16);not null;uniqueIndex:ux_account_user_channel,priority:2"`
	Balance          int64     `json:"balance"           gorm:"not null;default:0;check:balance >= 0"`
	LifetimeDebited  int64     `json:"lifetime_debited"  gorm:"not null;default:0"`
	LifetimeCredited int64     `json:"lifetime_credited" gorm:"not null;default:0"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName returns the database table name for CreditAccount.
func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditTransaction is an append-only ledger entry.
// BalanceAfter = BalanceBefore - Amount for debits, + Amount otherwise.
type CreditTransaction struct {
	ID              string    `json:"id"                          gorm:"type:char(36);primaryKey"`
	UserID          string    `json:"user_id"                     gorm:"type:varchar(64);not null;index:idx_tx_user_channel,priority:1"`
	Channel         Channel   `json:"channel"                     gorm:"type:varchar(16);not null;index:idx_tx_user_channel,priority:2"`
	Kind            TxKind    `json:"kind"                        gorm:"type:varchar(8);not null;check:kind IN ('debit','credit','refund')"`
	Amount          int64     `json:"amount"                      gorm:"not null;check:amount > 0"`
	BalanceBefore   int64     `json:"balance_before"              gorm:"not null"`
	BalanceAfter    int64     `json:"balance_after"               gorm:"not null;check:balance_after >= 0"`
	Reason          string    `json:"reason"                      gorm:"type:varchar(255);not null;default:''"`
	ReferenceTaskID string    `json:"reference_task_id,omitempty" gorm:"type:varchar(64);not null;default:'';index:idx_tx_task"`
	CreatedAt       time.Time `json:"created_at"                  gorm:"index:idx_tx_user_channel,priority:3"`
}

// TableName returns the database table name for CreditTransaction.
func (CreditTransaction) TableName() string { return "credit_transactions" }
