package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransferStatus is the organization payout lifecycle.
type TransferStatus string

const (
	TransferStatusPending    TransferStatus = "pending"
	TransferStatusProcessing TransferStatus = "processing"
	TransferStatusSucceeded  TransferStatus = "succeeded"
	TransferStatusFailed     TransferStatus = "failed"
	TransferStatusCancelled  TransferStatus = "cancelled"
)

// OrganizationPayout aggregates a window of settled donor payouts into one
// transfer to the organization's connected account. GrossAmount is the
// pooled sum of donor net amounts and is what the allocations conserve;
// NetAmount is the wired amount after the platform fee. The transfer id is
// unique, so a replayed settlement run inserts nothing.
type OrganizationPayout struct {
	ID                snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrgID             snowflake.ID   `gorm:"not null;index" json:"org_id"`
	TransferID        string         `gorm:"type:text;not null;uniqueIndex:ux_organization_payouts_transfer_id" json:"transfer_id"`
	GrossAmount       int64          `gorm:"not null" json:"gross_amount"`
	PlatformFee       int64          `gorm:"not null" json:"platform_fee"`
	NetAmount         int64          `gorm:"not null" json:"net_amount"`
	DonorCount        int            `gorm:"not null" json:"donor_count"`
	RoundupsProcessed int            `gorm:"not null" json:"roundups_processed"`
	PeriodStart       time.Time      `gorm:"not null" json:"period_start"`
	PeriodEnd         time.Time      `gorm:"not null;index" json:"period_end"`
	Status            TransferStatus `gorm:"type:text;not null;index" json:"status"`
	Breakdown         datatypes.JSON `gorm:"type:jsonb" json:"breakdown,omitempty"`
	CreatedAt         time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (OrganizationPayout) TableName() string { return "organization_payouts" }

// PayoutAllocation ties one donor payout to the organization payout that
// carried its money. Exactly one allocation per (donor payout, org payout)
// pair; allocated amount always equals the donor payout's net amount.
type PayoutAllocation struct {
	ID                   snowflake.ID `gorm:"primaryKey" json:"id"`
	DonorPayoutID        snowflake.ID `gorm:"not null;uniqueIndex:ux_payout_allocations_pair,priority:1" json:"donor_payout_id"`
	OrganizationPayoutID snowflake.ID `gorm:"not null;index;uniqueIndex:ux_payout_allocations_pair,priority:2" json:"organization_payout_id"`
	AllocatedAmount      int64        `gorm:"not null" json:"allocated_amount"`
	CreatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (PayoutAllocation) TableName() string { return "payout_allocations" }
