package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// RoundupTransactionStatus tracks whether a roundup has been swept into a
// collection batch yet.
type RoundupTransactionStatus string

const (
	RoundupStatusPending RoundupTransactionStatus = "pending"
	RoundupStatusBatched RoundupTransactionStatus = "batched"
)

// RoundupTransaction is one computed roundup, derived from exactly one bank
// transaction. The external transaction id is the idempotency key: replays
// insert nothing. Rows are immutable after creation except for batch linkage.
type RoundupTransaction struct {
	ID                    snowflake.ID             `gorm:"primaryKey" json:"id"`
	UserID                snowflake.ID             `gorm:"not null;index" json:"user_id"`
	OrgID                 snowflake.ID             `gorm:"not null;index" json:"org_id"`
	ExternalTransactionID string                   `gorm:"type:text;not null;uniqueIndex:ux_roundup_transactions_external_id" json:"external_transaction_id"`
	AccountID             string                   `gorm:"type:text;not null" json:"account_id"`
	Amount                int64                    `gorm:"not null" json:"amount"`
	RoundupAmount         int64                    `gorm:"not null" json:"roundup_amount"`
	Category              string                   `gorm:"type:text" json:"category"`
	MerchantName          string                   `gorm:"type:text" json:"merchant_name"`
	PeriodKey             string                   `gorm:"type:text;not null;index" json:"period_key"`
	TransactionDate       time.Time                `gorm:"not null;index" json:"transaction_date"`
	BatchID               *snowflake.ID            `gorm:"index" json:"batch_id,omitempty"`
	Status                RoundupTransactionStatus `gorm:"type:text;not null;default:'pending'" json:"status"`
	CreatedAt             time.Time                `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (RoundupTransaction) TableName() string { return "roundup_transactions" }
