package fraud

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	rules     map[string]*Rule
	alerts    map[string]*Alert
	cases     map[string]*Case
	watchlist map[string]*WatchlistEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:     make(map[string]*Rule),
		alerts:    make(map[string]*Alert),
		cases:     make(map[string]*Case),
		watchlist: make(map[string]*WatchlistEntry),
	}
}

func (m *MemoryStore) CreateRule(_ context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) UpdateRule(_ context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; !ok {
		return ErrNotFound
	}
	m.rules[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRule(_ context.Context, id string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListRules(_ context.Context, enabledOnly bool) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, r.Clone())
	}
	sortRules(out)
	return out, nil
}

func (m *MemoryStore) CreateAlert(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) UpdateAlert(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; !ok {
		return ErrNotFound
	}
	m.alerts[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Alert
	for _, a := range m.alerts {
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		if f.AccountID != "" && a.AccountID != f.AccountID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CountAlerts(_ context.Context, userID string, severity Severity, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.alerts {
		if a.UserID == userID && a.Severity == severity && !a.FalsePositive && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateCase(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) UpdateCase(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[c.ID]; !ok {
		return ErrNotFound
	}
	m.cases[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) GetCase(_ context.Context, id string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) OpenCase(_ context.Context, userID string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *Case
	for _, c := range m.cases {
		if c.UserID != userID || c.Status.Terminal() {
			continue
		}
		if newest == nil || c.CreatedAt.After(newest.CreatedAt) {
			newest = c
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest.Clone(), nil
}

func (m *MemoryStore) ListCases(_ context.Context, f CaseFilter) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Case
	for _, c := range m.cases {
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AddToWatchlist(_ context.Context, e *WatchlistEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchlist[e.UserID]; ok {
		return false, nil
	}
	cp := *e
	m.watchlist[e.UserID] = &cp
	return true, nil
}

func (m *MemoryStore) GetWatchlistEntry(_ context.Context, userID string) (*WatchlistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.watchlist[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListWatchlist(_ context.Context) ([]*WatchlistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*WatchlistEntry, 0, len(m.watchlist))
	for _, e := range m.watchlist {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.After(out[j].AddedAt) })
	return out, nil
}

// sortRules orders rules by ascending priority, then ID.
func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}
