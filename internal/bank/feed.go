// Package bank defines the bank-link collaborator surface. The real
// aggregator integration lives outside the ledger; the core only consumes
// the transaction stream.
package bank

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Transaction is one settled purchase reported by the bank aggregator.
// Amount is positive minor units.
type Transaction struct {
	ExternalID   string
	AccountID    string
	Amount       int64
	Category     string
	MerchantName string
	Date         time.Time
}

// Feed is implemented by the bank-link collaborator. Both calls are bounded
// request/response operations; callers own timeout and retry policy.
type Feed interface {
	ListLinkedUsers(ctx context.Context) ([]snowflake.ID, error)
	ListRecentTransactions(ctx context.Context, userID snowflake.ID) ([]Transaction, error)
}
