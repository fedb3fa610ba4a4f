package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/roundup/internal/payment/domain"
)

// Service is the donor-side payout ledger. It consumes charge lifecycle
// events and records exactly one payout per settled charge.
type Service interface {
	paymentdomain.ChargeApplier

	// MarkRefunded moves a succeeded payout to refunded. Allocation history
	// is never rewritten; an already-allocated payout keeps its allocation.
	MarkRefunded(ctx context.Context, chargeID string) error
	Get(ctx context.Context, id snowflake.ID) (*DonorPayout, error)
	ListUnallocated(ctx context.Context, orgID snowflake.ID) ([]DonorPayout, error)
}

var (
	ErrNotFound          = errors.New("donor_payout_not_found")
	ErrInvalidTransition = errors.New("invalid_payout_transition")
	ErrUnknownCharge     = errors.New("unknown_charge")
)
