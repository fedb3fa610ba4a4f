package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/roundup/internal/bank"
)

// ProcessSummary reports what a computation pass did with a transaction feed.
type ProcessSummary struct {
	Created      int
	Duplicates   int
	Skipped      int
	TotalRoundup int64
}

type Service interface {
	// ProcessTransactions computes and persists roundups for one user's
	// recent bank transactions. Maximally idempotent: replays of the same
	// feed are absorbed without error.
	ProcessTransactions(ctx context.Context, userID snowflake.ID, txns []bank.Transaction) (ProcessSummary, error)
	// PendingTotal sums unbatched roundups for a (user, organization) pair.
	PendingTotal(ctx context.Context, userID, orgID snowflake.ID) (int64, error)
}

var (
	ErrInvalidUser = errors.New("invalid_user")
)

// CeilToUnit returns the distance from amount up to the next whole currency
// unit, in minor units. Whole-unit amounts round up by zero.
func CeilToUnit(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	rem := amount % 100
	if rem == 0 {
		return 0
	}
	return 100 - rem
}
