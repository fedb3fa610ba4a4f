package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	orgpayoutdomain "github.com/smallbiznis/roundup/internal/orgpayout/domain"
)

// Stats is the per-organization referral rollup.
type Stats struct {
	ReferralCount         int
	ActiveCount           int
	TotalCommissionEarned int64
	CommissionPaid        int64
}

// Service owns referral registration and commission accrual.
type Service interface {
	// CreateReferral registers a referral with a fresh code.
	CreateReferral(ctx context.Context, referringOrgID, referredOrgID snowflake.ID) (*OrganizationReferral, error)
	// Activate moves a pending referral to active and opens the commission
	// window at now.
	Activate(ctx context.Context, code string) (*OrganizationReferral, error)
	// AccrueForPayout accrues commissions for one settled organization
	// payout. Expired windows are filtered silently; replays are absorbed
	// by the (referral, payout) unique pair.
	AccrueForPayout(ctx context.Context, payout *orgpayoutdomain.OrganizationPayout) (int, error)
	// AccruePending accrues for every settled payout not yet visited.
	AccruePending(ctx context.Context) (int, error)
	Stats(ctx context.Context, referringOrgID snowflake.ID) (Stats, error)
}

var (
	ErrNotFound        = errors.New("referral_not_found")
	ErrInvalidReferral = errors.New("invalid_referral")
	ErrCodeTaken       = errors.New("referral_code_taken")
)
