package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CollectSummary reports one collect run.
type CollectSummary struct {
	BatchesCreated int
	RoundupsSwept  int
	TotalAmount    int64
}

// SubmitSummary reports one charge submission run.
type SubmitSummary struct {
	Submitted int
	Failed    int
	Exhausted int
}

// Service owns the collection batch lifecycle up to charge submission.
// Settlement of the collected funds belongs to the payout services.
type Service interface {
	// CollectDue sweeps pending roundups from closed periods into batches.
	CollectDue(ctx context.Context, asOf time.Time) (CollectSummary, error)
	// SubmitCharges sends pending batches to the payment processor.
	SubmitCharges(ctx context.Context) (SubmitSummary, error)
	// RetryFailed resubmits failed batches still under the retry ceiling.
	RetryFailed(ctx context.Context) (SubmitSummary, error)
	Get(ctx context.Context, id snowflake.ID) (*CollectionBatch, error)
}

var (
	ErrNotFound       = errors.New("batch_not_found")
	ErrBatchImmutable = errors.New("batch_immutable")
)
