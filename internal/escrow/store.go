package escrow

import (
	"context"
	"time"

	"github.com/workwise/escrowd/internal/ledger"
)

// Mutation is everything one state change writes. It is applied atomically:
// the account row (with its version bumped from ExpectedVersion), the touched
// milestones, new transactions and transaction status updates commit
// together or not at all.
type Mutation struct {
	Account             *Account
	ExpectedVersion     int64
	Milestones          []*Milestone
	NewTransactions     []*ledger.Transaction
	UpdatedTransactions []*ledger.Transaction
}

// Store persists escrow accounts, milestones and transactions.
type Store interface {
	// Create inserts a new account with its milestones and its deposit.
	Create(ctx context.Context, acct *Account, deposit *ledger.Transaction) error
	Get(ctx context.Context, id string) (*Account, error)
	GetByMilestone(ctx context.Context, milestoneID string) (*Account, error)
	List(ctx context.Context, filter ListFilter) ([]*Account, error)
	// ListIDs pages through every account ID in ascending order.
	ListIDs(ctx context.Context, afterID string, limit int) ([]string, error)

	Transactions(ctx context.Context, accountID string) ([]*ledger.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error)
	FindTransactionByReference(ctx context.Context, reference string) (*ledger.Transaction, error)
	// ListOpenTransactions returns pending/processing transactions last
	// updated before olderThan.
	ListOpenTransactions(ctx context.Context, olderThan time.Time, limit int) ([]*ledger.Transaction, error)
	// ListAutoApprovable returns submitted milestones whose auto-approve
	// deadline has passed on accounts with automatic release enabled.
	ListAutoApprovable(ctx context.Context, now time.Time, limit int) ([]*Milestone, error)

	// Commit applies m, failing with *ConcurrencyConflict when the stored
	// version is not m.ExpectedVersion.
	Commit(ctx context.Context, m *Mutation) error
}
