package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Frequency is the recurring window over which a user's roundups are
// collected into one charge.
type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// RoundupPreference is a user's long-lived roundup configuration toward one
// target organization. Amounts are integer minor units.
type RoundupPreference struct {
	ID                 snowflake.ID   `gorm:"primaryKey" json:"id"`
	UserID             snowflake.ID   `gorm:"not null;index;uniqueIndex:ux_roundup_preferences_user_org,priority:1" json:"user_id"`
	OrgID              snowflake.ID   `gorm:"not null;index;uniqueIndex:ux_roundup_preferences_user_org,priority:2" json:"org_id"`
	Multiplier         int            `gorm:"not null;default:1" json:"multiplier"`
	MinimumRoundup     int64          `gorm:"not null;default:0" json:"minimum_roundup"`
	MonthlyCap         int64          `gorm:"not null;default:0" json:"monthly_cap"`
	ExcludedCategories datatypes.JSON `gorm:"type:jsonb" json:"excluded_categories"`
	Paused             bool           `gorm:"not null;default:false" json:"paused"`
	RoundupsEnabled    bool           `gorm:"not null;default:true" json:"roundups_enabled"`
	CoversProcessingFee bool          `gorm:"not null;default:false" json:"covers_processing_fee"`
	Frequency          Frequency      `gorm:"type:text;not null;default:'biweekly'" json:"frequency"`
	CreatedAt          time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (RoundupPreference) TableName() string { return "roundup_preferences" }

// PeriodStart returns the start of the collection period containing t.
// Weekly and biweekly periods are aligned to Monday; biweekly periods pair
// ISO weeks from the Unix epoch so boundaries stay stable across restarts.
func (f Frequency) PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	switch f {
	case FrequencyMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case FrequencyBiweekly:
		monday := startOfWeek(t)
		weeks := int(monday.Sub(epochMonday).Hours() / (24 * 7))
		if weeks%2 != 0 {
			monday = monday.AddDate(0, 0, -7)
		}
		return monday
	default: // weekly
		return startOfWeek(t)
	}
}

// PeriodEnd returns the exclusive end of the collection period containing t.
func (f Frequency) PeriodEnd(t time.Time) time.Time {
	start := f.PeriodStart(t)
	switch f {
	case FrequencyMonthly:
		return start.AddDate(0, 1, 0)
	case FrequencyBiweekly:
		return start.AddDate(0, 0, 14)
	default:
		return start.AddDate(0, 0, 7)
	}
}

// PeriodKey is the canonical string key for the period containing t.
func (f Frequency) PeriodKey(t time.Time) string {
	return f.PeriodStart(t).Format("2006-01-02")
}

// 1970-01-05 was a Monday.
var epochMonday = time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC)

func startOfWeek(t time.Time) time.Time {
	t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(t.Weekday()) + 6) % 7 // Monday = 0
	return t.AddDate(0, 0, -offset)
}
