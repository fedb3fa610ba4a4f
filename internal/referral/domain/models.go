package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ReferralStatus is the organization referral lifecycle. Commissions accrue
// only while active and inside the commission window.
type ReferralStatus string

const (
	ReferralStatusPending   ReferralStatus = "pending"
	ReferralStatusActive    ReferralStatus = "active"
	ReferralStatusExpired   ReferralStatus = "expired"
	ReferralStatusCancelled ReferralStatus = "cancelled"
)

// OrganizationReferral records that one organization brought another onto
// the platform. The referring org earns a commission cut of the referred
// org's payouts for a bounded number of months after activation.
type OrganizationReferral struct {
	ID                     snowflake.ID   `gorm:"primaryKey" json:"id"`
	ReferringOrgID         snowflake.ID   `gorm:"not null;index" json:"referring_org_id"`
	ReferredOrgID          snowflake.ID   `gorm:"not null;index" json:"referred_org_id"`
	ReferralCode           string         `gorm:"type:text;not null;uniqueIndex:ux_organization_referrals_code" json:"referral_code"`
	Status                 ReferralStatus `gorm:"type:text;not null;default:'pending';index" json:"status"`
	CommissionRateBps      int            `gorm:"not null" json:"commission_rate_bps"`
	CommissionPeriodMonths int            `gorm:"not null" json:"commission_period_months"`
	ActivatedAt            *time.Time     `json:"activated_at,omitempty"`
	TotalCommissionEarned  int64          `gorm:"not null;default:0" json:"total_commission_earned"`
	CommissionPaid         int64          `gorm:"not null;default:0" json:"commission_paid"`
	CreatedAt              time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt              time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (OrganizationReferral) TableName() string { return "organization_referrals" }

// WindowContains reports whether t falls inside the commission window.
func (r OrganizationReferral) WindowContains(t time.Time) bool {
	if r.ActivatedAt == nil {
		return false
	}
	end := r.ActivatedAt.AddDate(0, r.CommissionPeriodMonths, 0)
	return !t.Before(*r.ActivatedAt) && t.Before(end)
}

// ReferralCommission is one accrued commission, exactly one per (referral,
// organization payout) pair.
type ReferralCommission struct {
	ID                   snowflake.ID `gorm:"primaryKey" json:"id"`
	ReferralID           snowflake.ID `gorm:"not null;uniqueIndex:ux_referral_commissions_pair,priority:1" json:"referral_id"`
	OrganizationPayoutID snowflake.ID `gorm:"not null;index;uniqueIndex:ux_referral_commissions_pair,priority:2" json:"organization_payout_id"`
	Amount               int64        `gorm:"not null" json:"amount"`
	BaseAmount           int64        `gorm:"not null" json:"base_amount"`
	RateBps              int          `gorm:"not null" json:"rate_bps"`
	PeriodStart          time.Time    `gorm:"not null" json:"period_start"`
	PeriodEnd            time.Time    `gorm:"not null" json:"period_end"`
	Paid                 bool         `gorm:"not null;default:false" json:"paid"`
	CreatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (ReferralCommission) TableName() string { return "referral_commissions" }
