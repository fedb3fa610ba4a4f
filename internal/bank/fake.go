package bank

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// FakeFeed is an in-memory Feed for development and tests.
type FakeFeed struct {
	mu           sync.Mutex
	transactions map[snowflake.ID][]Transaction
}

func NewFakeFeed() *FakeFeed {
	return &FakeFeed{transactions: make(map[snowflake.ID][]Transaction)}
}

// Push queues transactions for a user; they stay visible on every poll, the
// way an aggregator keeps returning recent history. De-duplication is the
// consumer's job.
func (f *FakeFeed) Push(userID snowflake.ID, txns ...Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions[userID] = append(f.transactions[userID], txns...)
}

func (f *FakeFeed) ListLinkedUsers(_ context.Context) ([]snowflake.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]snowflake.ID, 0, len(f.transactions))
	for id := range f.transactions {
		users = append(users, id)
	}
	return users, nil
}

func (f *FakeFeed) ListRecentTransactions(_ context.Context, userID snowflake.ID) ([]Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Transaction, len(f.transactions[userID]))
	copy(out, f.transactions[userID])
	return out, nil
}
