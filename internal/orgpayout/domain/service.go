package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/roundup/internal/payment/domain"
)

// SettleSummary reports one settlement sweep across organizations.
type SettleSummary struct {
	Settled     int
	Skipped     int
	TotalAmount int64
}

// Service aggregates settled donor payouts into organization transfers and
// reconciles the allocation ledger in the same transaction.
type Service interface {
	paymentdomain.TransferApplier

	// SettleOrganization settles all unallocated donor payouts for the
	// organization up to windowEnd. Returns nil, nil when there is nothing
	// to settle.
	SettleOrganization(ctx context.Context, orgID snowflake.ID, windowEnd time.Time) (*OrganizationPayout, error)
	// SettleAll runs SettleOrganization for every payout-enabled org.
	SettleAll(ctx context.Context, asOf time.Time) (SettleSummary, error)
	Get(ctx context.Context, id snowflake.ID) (*OrganizationPayout, error)
	ListAllocations(ctx context.Context, orgPayoutID snowflake.ID) ([]PayoutAllocation, error)
}

var (
	ErrNotFound    = errors.New("organization_payout_not_found")
	ErrNotEligible = errors.New("organization_not_eligible")
	// ErrAllocationInvariant means the money in the allocation ledger does
	// not add up. The transaction is rolled back and the run escalates.
	ErrAllocationInvariant = errors.New("allocation_invariant_violated")
)
