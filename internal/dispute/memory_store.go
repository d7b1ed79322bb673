package dispute

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	claims   map[string]*Claim
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		claims:   make(map[string]*Claim),
	}
}

func (m *MemoryStore) CreateDispute(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) SetResolutionTransaction(_ context.Context, id, txID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.disputes[id]
	if !ok || cur.Status != StatusResolved {
		return ErrNotFound
	}
	cur.TransactionID = txID
	cur.UpdatedAt = at
	return nil
}

func (m *MemoryStore) UpdateDispute(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.disputes[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Final() {
		return ErrAlreadyClosed
	}
	m.disputes[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) ListDisputes(_ context.Context, f ListFilter) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if f.AccountID != "" && d.AccountID != f.AccountID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ActiveForMilestone(_ context.Context, milestoneID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.disputes {
		if d.MilestoneID == milestoneID && !d.Status.Final() {
			return d.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CreateClaim(_ context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) UpdateClaim(_ context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[c.ID]; !ok {
		return ErrNotFound
	}
	m.claims[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) GetClaim(_ context.Context, id string) (*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) GetClaimByTransaction(_ context.Context, txID string) (*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.claims {
		if txID != "" && c.TransactionID == txID {
			return c.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListClaims(_ context.Context, accountID string) ([]*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Claim
	for _, c := range m.claims {
		if accountID == "" || c.AccountID == accountID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
