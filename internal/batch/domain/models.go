package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// BatchStatus is the collection batch lifecycle. Succeeded is terminal and
// immutable; failed batches may be retried up to the policy ceiling.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusSubmitted BatchStatus = "submitted"
	BatchStatusSucceeded BatchStatus = "succeeded"
	BatchStatusFailed    BatchStatus = "failed"
)

// CollectionBatch sweeps one (user, org) pair's pending roundups for one
// closed collection period into a single charge. The (user, org,
// period_start) triple is unique, so a concurrent collect run inserts
// nothing.
type CollectionBatch struct {
	ID                  snowflake.ID  `gorm:"primaryKey" json:"id"`
	UserID              snowflake.ID  `gorm:"not null;index;uniqueIndex:ux_collection_batches_user_org_period,priority:1" json:"user_id"`
	OrgID               snowflake.ID  `gorm:"not null;index;uniqueIndex:ux_collection_batches_user_org_period,priority:2" json:"org_id"`
	PeriodStart         time.Time     `gorm:"not null;uniqueIndex:ux_collection_batches_user_org_period,priority:3" json:"period_start"`
	PeriodEnd           time.Time     `gorm:"not null" json:"period_end"`
	PeriodKey           string        `gorm:"type:text;not null" json:"period_key"`
	TotalAmount         int64         `gorm:"not null" json:"total_amount"`
	FeeAmount           int64         `gorm:"not null;default:0" json:"fee_amount"`
	ChargeAmount        int64         `gorm:"not null;default:0" json:"charge_amount"`
	TransactionCount    int           `gorm:"not null" json:"transaction_count"`
	CoversProcessingFee bool          `gorm:"not null;default:false" json:"covers_processing_fee"`
	Status              BatchStatus   `gorm:"type:text;not null;default:'pending';index" json:"status"`
	IdempotencyKey      string        `gorm:"type:text;not null" json:"idempotency_key"`
	ChargeID            *string       `gorm:"type:text;index" json:"charge_id,omitempty"`
	RetryAttempts       int           `gorm:"not null;default:0" json:"retry_attempts"`
	LastRetryAt         *time.Time    `json:"last_retry_at,omitempty"`
	FailureReason       string        `gorm:"type:text" json:"failure_reason"`
	CreatedAt           time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt           time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (CollectionBatch) TableName() string { return "collection_batches" }
