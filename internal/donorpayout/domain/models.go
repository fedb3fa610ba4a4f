package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PayoutStatus is the donor payout lifecycle. Succeeded is the resting
// state; refunded is the only post-success transition.
type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusSucceeded  PayoutStatus = "succeeded"
	PayoutStatusFailed     PayoutStatus = "failed"
	PayoutStatusCancelled  PayoutStatus = "cancelled"
	PayoutStatusRefunded   PayoutStatus = "refunded"
)

// DonorPayout is one settled collection: the donor-side ledger row recording
// what was charged, what the processor kept, and what is owed to the
// organization. The charge id is unique, so a replayed charge_succeeded
// event creates nothing.
type DonorPayout struct {
	ID                 snowflake.ID   `gorm:"primaryKey" json:"id"`
	UserID             snowflake.ID   `gorm:"not null;index" json:"user_id"`
	OrgID              snowflake.ID   `gorm:"not null;index" json:"org_id"`
	BatchID            snowflake.ID   `gorm:"not null;index" json:"batch_id"`
	ChargeID           string         `gorm:"type:text;not null;uniqueIndex:ux_donor_payouts_charge_id" json:"charge_id"`
	AmountCollected    int64          `gorm:"not null" json:"amount_collected"`
	FeesCoveredByDonor bool           `gorm:"not null;default:false" json:"fees_covered_by_donor"`
	FeeRetained        int64          `gorm:"not null;default:0" json:"fee_retained"`
	NetAmount          int64          `gorm:"not null" json:"net_amount"`
	TransactionCount   int            `gorm:"not null" json:"transaction_count"`
	MultiplierApplied  int            `gorm:"not null;default:1" json:"multiplier_applied"`
	CapApplied         bool           `gorm:"not null;default:false" json:"cap_applied"`
	PeriodStart        time.Time      `gorm:"not null;index" json:"period_start"`
	PeriodEnd          time.Time      `gorm:"not null" json:"period_end"`
	Status             PayoutStatus   `gorm:"type:text;not null;index" json:"status"`
	AllocatedAt        *time.Time     `gorm:"index" json:"allocated_at,omitempty"`
	Summary            datatypes.JSON `gorm:"type:jsonb" json:"summary,omitempty"`
	CreatedAt          time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	ProcessedAt        *time.Time     `json:"processed_at,omitempty"`
}

// TableName sets the database table name.
func (DonorPayout) TableName() string { return "donor_payouts" }
