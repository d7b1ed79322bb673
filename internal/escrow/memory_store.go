package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/workwise/escrowd/internal/ledger"
)

// MemoryStore is an in-memory escrow store for development and tests.
// Every read returns a deep copy.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*Account
	milestoneOf map[string]string // milestone ID -> account ID
	txs         map[string]*ledger.Transaction
	txsByAcct   map[string][]string
	txByRef     map[string]string
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*Account),
		milestoneOf: make(map[string]string),
		txs:         make(map[string]*ledger.Transaction),
		txsByAcct:   make(map[string][]string),
		txByRef:     make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, acct *Account, deposit *ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.ID]; ok {
		return fmt.Errorf("escrow: account %s already exists", acct.ID)
	}
	m.accounts[acct.ID] = acct.Clone()
	for _, ms := range acct.Milestones {
		m.milestoneOf[ms.ID] = acct.ID
	}
	if deposit != nil {
		m.putTx(deposit)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return acct.Clone(), nil
}

func (m *MemoryStore) GetByMilestone(ctx context.Context, milestoneID string) (*Account, error) {
	m.mu.RLock()
	accountID, ok := m.milestoneOf[milestoneID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, accountID)
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, acct := range m.accounts {
		if filter.ClientID != "" && acct.ClientID != filter.ClientID {
			continue
		}
		if filter.FreelancerID != "" && acct.FreelancerID != filter.FreelancerID {
			continue
		}
		if filter.Status != "" && acct.Status != filter.Status {
			continue
		}
		result = append(result, acct.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ListIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemoryStore) Transactions(_ context.Context, accountID string) ([]*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.txsByAcct[accountID]
	out := make([]*ledger.Transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.txs[id].Clone())
	}
	return out, nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.Clone(), nil
}

func (m *MemoryStore) FindTransactionByReference(_ context.Context, reference string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.txByRef[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return m.txs[id].Clone(), nil
}

func (m *MemoryStore) ListOpenTransactions(_ context.Context, olderThan time.Time, limit int) ([]*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ledger.Transaction
	for _, tx := range m.txs {
		if tx.Status.Open() && tx.UpdatedAt.Before(olderThan) {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListAutoApprovable(_ context.Context, now time.Time, limit int) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Milestone
	for _, acct := range m.accounts {
		if !acct.Flags.AutomaticRelease || acct.Frozen || acct.Status != AccountActive {
			continue
		}
		for _, ms := range acct.Milestones {
			if ms.Status == MilestoneCompleted && ms.AutoApproveAt != nil && !ms.AutoApproveAt.After(now) {
				out = append(out, ms.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AutoApproveAt.Before(*out[j].AutoApproveAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Commit(_ context.Context, mut *Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.accounts[mut.Account.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != mut.ExpectedVersion {
		return &ConcurrencyConflict{AccountID: mut.Account.ID}
	}

	// Validate everything before writing anything.
	for _, tx := range mut.NewTransactions {
		if _, exists := m.txs[tx.ID]; exists {
			return fmt.Errorf("escrow: transaction %s already exists", tx.ID)
		}
	}
	for _, tx := range mut.UpdatedTransactions {
		cur, exists := m.txs[tx.ID]
		if !exists {
			return ErrNotFound
		}
		if cur.Status != tx.Status && !ledger.CanTransition(cur.Status, tx.Status) {
			return fmt.Errorf("%w: transaction %s %s -> %s", ErrInvalidTransition, tx.ID, cur.Status, tx.Status)
		}
	}

	next := mut.Account.Clone()
	next.Version = mut.ExpectedVersion + 1
	next.Milestones = stored.Clone().Milestones
	for _, ms := range mut.Milestones {
		for i, cur := range next.Milestones {
			if cur.ID == ms.ID {
				next.Milestones[i] = ms.Clone()
			}
		}
	}
	m.accounts[next.ID] = next
	mut.Account.Version = next.Version

	for _, tx := range mut.NewTransactions {
		m.putTx(tx)
	}
	for _, tx := range mut.UpdatedTransactions {
		m.txs[tx.ID] = tx.Clone()
		if tx.RailReference != "" {
			m.txByRef[tx.RailReference] = tx.ID
		}
	}
	return nil
}

// putTx stores a new transaction. Caller must hold m.mu.
func (m *MemoryStore) putTx(tx *ledger.Transaction) {
	m.txs[tx.ID] = tx.Clone()
	m.txsByAcct[tx.AccountID] = append(m.txsByAcct[tx.AccountID], tx.ID)
	if tx.RailReference != "" {
		m.txByRef[tx.RailReference] = tx.ID
	}
}
