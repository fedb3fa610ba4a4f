package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type UpsertPreferenceRequest struct {
	UserID              snowflake.ID
	OrgID               snowflake.ID
	Multiplier          int
	MinimumRoundup      int64
	MonthlyCap          int64
	ExcludedCategories  []string
	Paused              bool
	RoundupsEnabled     bool
	CoversProcessingFee bool
	Frequency           Frequency
}

type Service interface {
	Upsert(ctx context.Context, req UpsertPreferenceRequest) (*RoundupPreference, error)
	Get(ctx context.Context, userID, orgID snowflake.ID) (*RoundupPreference, error)
	ListActiveByUser(ctx context.Context, userID snowflake.ID) ([]RoundupPreference, error)
	SetPaused(ctx context.Context, userID, orgID snowflake.ID, paused bool) error
}

var (
	ErrInvalidUser       = errors.New("invalid_user")
	ErrInvalidOrg        = errors.New("invalid_organization")
	ErrInvalidMultiplier = errors.New("invalid_multiplier")
	ErrInvalidMinimum    = errors.New("invalid_minimum_roundup")
	ErrInvalidCap        = errors.New("invalid_monthly_cap")
	ErrInvalidFrequency  = errors.New("invalid_frequency")
	ErrNotFound          = errors.New("preference_not_found")
)

const MaxMultiplier = 10

// Validate rejects malformed preferences before anything is persisted.
func (r UpsertPreferenceRequest) Validate() error {
	if r.UserID == 0 {
		return ErrInvalidUser
	}
	if r.OrgID == 0 {
		return ErrInvalidOrg
	}
	if r.Multiplier <= 0 || r.Multiplier > MaxMultiplier {
		return ErrInvalidMultiplier
	}
	if r.MinimumRoundup < 0 {
		return ErrInvalidMinimum
	}
	if r.MonthlyCap < 0 {
		return ErrInvalidCap
	}
	if r.MonthlyCap > 0 && r.MonthlyCap < r.MinimumRoundup {
		return ErrInvalidCap
	}
	switch r.Frequency {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
		return nil
	default:
		return ErrInvalidFrequency
	}
}
