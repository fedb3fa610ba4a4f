// Package domain contains persistence models for recipient organizations.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Organization represents a recipient organization. The onboarding/KYC
// collaborator owns the capability flags; the ledger only reads them.
type Organization struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	Name              string       `gorm:"type:text;not null" json:"name"`
	IsActive          bool         `gorm:"not null;default:false" json:"is_active"`
	ChargesEnabled    bool         `gorm:"not null;default:false" json:"charges_enabled"`
	PayoutsEnabled    bool         `gorm:"not null;default:false" json:"payouts_enabled"`
	ProviderAccountID string       `gorm:"type:text" json:"provider_account_id"`
	PlatformFeeBps    *int         `gorm:"" json:"platform_fee_bps,omitempty"`
	CreatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }
