// Package retry runs operations under a bounded exponential backoff policy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent wraps err so that it is returned immediately without retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Policy bounds how an operation is retried.
type Policy struct {
	MaxAttempts int           // total calls, including the first
	BaseDelay   time.Duration // delay before the second call
	MaxDelay    time.Duration // cap on a single delay; 0 means 30s
}

// Notify is called after each failed attempt that will be retried.
type Notify func(attempt int, err error, next time.Duration)

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = 100 * time.Millisecond
	}
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = 30 * time.Second
	}
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.25
	eb.MaxElapsedTime = 0 // bounded by attempts, not wall time

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Run calls fn until it succeeds, returns a Permanent error, the attempts
// are exhausted, or ctx is done. It reports how many calls were made.
// A Permanent error is returned unwrapped.
func (p Policy) Run(ctx context.Context, fn func(attempt int) error, notify Notify) (int, error) {
	attempt := 0
	op := func() error {
		attempt++
		return fn(attempt)
	}
	var n backoff.Notify
	if notify != nil {
		n = func(err error, next time.Duration) { notify(attempt, err, next) }
	}
	err := backoff.RetryNotify(op, p.backOff(ctx), n)
	return attempt, err
}

// Do calls fn up to maxAttempts times with exponential backoff and +-25%
// jitter starting at baseDelay.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	_, err := Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}.Run(ctx,
		func(int) error { return fn() }, nil)
	return err
}
