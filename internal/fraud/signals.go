package fraud

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SignalRetention bounds how long observations are kept. Rules cannot look
// further back than this.
const SignalRetention = 30 * 24 * time.Hour

// Observation kinds tracked per user.
const (
	KindAction  = "action"
	KindDispute = "dispute"
	KindAmount  = "amount"
	KindDevice  = "device"
)

// Observation is one entry of a user's sliding window.
type Observation struct {
	ID    string    `json:"id"`
	Value float64   `json:"value,omitempty"`
	Label string    `json:"label,omitempty"`
	At    time.Time `json:"at"`
}

// SignalStore keeps per-user, per-kind sliding windows of observations.
type SignalStore interface {
	// Add records an observation. Re-adding the same ID is a no-op.
	Add(ctx context.Context, userID, kind string, o Observation) error
	// Count returns the number of observations at or after since.
	Count(ctx context.Context, userID, kind string, since time.Time) (int64, error)
	// Since returns observations at or after since, oldest first.
	Since(ctx context.Context, userID, kind string, since time.Time) ([]Observation, error)
}

// MemorySignalStore is an in-process SignalStore.
type MemorySignalStore struct {
	mu      sync.Mutex
	windows map[string][]Observation
	maxLen  int
}

// NewMemorySignalStore creates an empty store. Each window keeps at most
// 1000 observations.
func NewMemorySignalStore() *MemorySignalStore {
	return &MemorySignalStore{windows: make(map[string][]Observation), maxLen: 1000}
}

func windowKey(userID, kind string) string {
	return userID + ":" + kind
}

func (m *MemorySignalStore) Add(_ context.Context, userID, kind string, o Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := windowKey(userID, kind)
	w := m.windows[key]
	for _, existing := range w {
		if existing.ID == o.ID {
			return nil
		}
	}
	w = append(w, o)
	sort.SliceStable(w, func(i, j int) bool { return w[i].At.Before(w[j].At) })

	// Prune relative to the newest observation so replayed history keeps
	// its own timeline.
	cutoff := w[len(w)-1].At.Add(-SignalRetention)
	start := 0
	for start < len(w) && w[start].At.Before(cutoff) {
		start++
	}
	w = w[start:]
	if len(w) > m.maxLen {
		w = w[len(w)-m.maxLen:]
	}
	m.windows[key] = w
	return nil
}

func (m *MemorySignalStore) Count(ctx context.Context, userID, kind string, since time.Time) (int64, error) {
	obs, err := m.Since(ctx, userID, kind, since)
	return int64(len(obs)), err
}

func (m *MemorySignalStore) Since(_ context.Context, userID, kind string, since time.Time) ([]Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[windowKey(userID, kind)]
	i := sort.Search(len(w), func(i int) bool { return !w[i].At.Before(since) })
	out := make([]Observation, len(w)-i)
	copy(out, w[i:])
	return out, nil
}
