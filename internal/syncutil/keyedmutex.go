// Package syncutil provides per-key mutual exclusion for escrow accounts.
package syncutil

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a key could not be acquired within the
// allotted time while the caller's own context was still live.
var ErrLockTimeout = errors.New("syncutil: lock timeout")

// KeyedMutex is a set of channel-based mutexes, one per key, created on
// demand and dropped once nobody holds or waits for them. Unlike a
// sync.Mutex, waiters can bail out when their context is cancelled.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On success it returns an unlock function the caller MUST call exactly once.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	l := m.acquireRef(key)

	select {
	case <-l.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				l.ch <- struct{}{}
				m.releaseRef(key, l)
			})
		}, nil
	case <-ctx.Done():
		m.releaseRef(key, l)
		return nil, ctx.Err()
	}
}

// LockTimeout is LockContext bounded by d. It returns ErrLockTimeout when d
// elapses first, and ctx.Err() when the caller's context ends first.
func (m *KeyedMutex) LockTimeout(ctx context.Context, key string, d time.Duration) (func(), error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	unlock, err := m.LockContext(tctx, key)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, err
	}
	return unlock, nil
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquireRef(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		l.ch <- struct{}{} // start unlocked
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) releaseRef(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
