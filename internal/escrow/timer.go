package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer periodically auto-approves milestones whose grace period has
// elapsed and fails transactions stuck waiting on the rail.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a new escrow timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the timer loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeTick(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Tick(ctx)
}

// Tick runs one sweep.
func (t *Timer) Tick(ctx context.Context) {
	t.autoApprove(ctx)

	n, err := t.service.ExpireStale(ctx)
	if err != nil {
		t.logger.Warn("failed to expire stale transactions", "error", err)
	} else if n > 0 {
		t.logger.Warn("expired stale transactions", "count", n)
	}
}

func (t *Timer) autoApprove(ctx context.Context) {
	due, err := t.store.ListAutoApprovable(ctx, t.service.now(), 100)
	if err != nil {
		t.logger.Warn("failed to list milestones due for auto-approval", "error", err)
		return
	}

	for _, ms := range due {
		tx, err := t.service.AutoApprove(ctx, ms.ID)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrDisputeOpen) {
				t.logger.Debug("milestone no longer eligible for auto-approval",
					"milestone_id", ms.ID, "reason", err)
				continue
			}
			t.logger.Warn("failed to auto-approve milestone",
				"account_id", ms.AccountID,
				"milestone_id", ms.ID,
				"error", err,
			)
			continue
		}
		if tx != nil {
			t.logger.Info("auto-approved and released milestone",
				"account_id", ms.AccountID,
				"milestone_id", ms.ID,
				"amount", tx.Amount.StringFixed(2),
				"status", tx.Status,
			)
		}
	}
}
