// Package health runs the dependency checks behind GET /health: the
// database, Redis and the outcome of the last ledger reconciliation.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds a single check when the caller's context has
// no earlier deadline.
const DefaultCheckTimeout = 2 * time.Second

// Status is the outcome of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker reports on one dependency.
type Checker func(ctx context.Context) Status

// Registry holds the checks in registration order.
type Registry struct {
	mu      sync.RWMutex
	checks  []check
	timeout time.Duration
}

type check struct {
	name string
	fn   Checker
}

func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// WithTimeout overrides the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a check. The registry sets the reported name.
func (r *Registry) Register(name string, fn Checker) {
	r.mu.Lock()
	r.checks = append(r.checks, check{name: name, fn: fn})
	r.mu.Unlock()
}

// CheckAll runs every check concurrently. healthy is false when any check
// fails, panics or misses its deadline. Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checks := make([]check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	statuses = make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c check) {
			defer wg.Done()
			statuses[i] = r.run(ctx, c)
		}(i, c)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, c check) (st Status) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Status, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Status{Detail: fmt.Sprintf("check panicked: %v", p)}
			}
		}()
		done <- c.fn(ctx)
	}()

	select {
	case st = <-done:
	case <-ctx.Done():
		st = Status{Detail: "check timed out: " + ctx.Err().Error()}
	}
	st.Name = c.name
	st.LatencyMs = time.Since(start).Milliseconds()
	return st
}
