// Package webhooks delivers domain events to external integration endpoints.
//
// Operators register a URL with the event types it wants ("milestone.approved",
// "dispute.resolved", or "*"), optionally scoped to one escrow account. Each
// delivery is signed with HMAC-SHA256 over the body.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/workwise/escrowd/internal/events"
	"github.com/workwise/escrowd/internal/metrics"
	"github.com/workwise/escrowd/internal/retry"
	"github.com/workwise/escrowd/internal/security"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("webhooks: subscription not found")

// AllEvents subscribes to every event type.
const AllEvents = "*"

// maxConsecutiveFailures disables a subscription after this many failed deliveries.
const maxConsecutiveFailures = 10

// Delivery is the body POSTed to a subscriber.
type Delivery struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Event     events.Event `json:"event"`
}

// Subscription is a registered integration endpoint.
type Subscription struct {
	ID                  string     `json:"id"`
	OwnerID             string     `json:"ownerId"`
	AccountID           string     `json:"accountId,omitempty"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"`
	Events              []string   `json:"events"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Wants reports whether the subscription should receive e.
func (s *Subscription) Wants(e events.Event) bool {
	if !s.Active {
		return false
	}
	if s.AccountID != "" && s.AccountID != e.AccountID {
		return false
	}
	typ := e.Type()
	for _, et := range s.Events {
		if et == AllEvents || et == typ {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Subscription, error)
	ListActive(ctx context.Context, eventType string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends events to subscribers. It is an events.Sink and is meant
// to be registered as an async sink so slow endpoints never hold up a
// money movement.
type Dispatcher struct {
	store        Store
	client       *http.Client
	policy       retry.Policy
	logger       *slog.Logger
	urlValidator func(string) error
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		policy:       retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		logger:       logger,
		urlValidator: security.ValidateWebhookURL,
	}
}

// WithRetryPolicy overrides how failed deliveries are retried.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

func (d *Dispatcher) Name() string { return "webhooks" }

// Publish delivers e to every active subscription that wants it.
func (d *Dispatcher) Publish(ctx context.Context, e events.Event) error {
	subs, err := d.store.ListActive(ctx, e.Type())
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}
	var errs []error
	for _, sub := range subs {
		if !sub.Wants(e) {
			continue
		}
		if err := d.deliver(ctx, sub, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sub.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, e events.Event) error {
	if err := d.urlValidator(sub.URL); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("blocked").Inc()
		d.record(ctx, sub, err)
		return err
	}
	payload, err := json.Marshal(Delivery{ID: e.ID, Type: e.Type(), Timestamp: e.At, Event: e})
	if err != nil {
		return err
	}

	_, err = d.policy.Run(ctx, func(int) error {
		return d.send(ctx, sub, e, payload)
	}, nil)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery failed", "subscription", sub.ID, "event", e.Type(), "error", err)
	} else {
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	}
	d.record(ctx, sub, err)
	return err
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, e events.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrowd-Event", e.Type())
	req.Header.Set("X-Escrowd-Delivery", e.ID)
	req.Header.Set("X-Escrowd-Timestamp", strconv.FormatInt(e.At.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set("X-Escrowd-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (d *Dispatcher) record(ctx context.Context, sub *Subscription, err error) {
	if err == nil {
		now := time.Now()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	} else {
		sub.LastError = err.Error()
		sub.ConsecutiveFailures++
		if sub.ConsecutiveFailures >= maxConsecutiveFailures && sub.Active {
			sub.Active = false
			d.logger.Warn("webhook subscription disabled", "subscription", sub.ID,
				"failures", sub.ConsecutiveFailures)
		}
	}
	if uerr := d.store.Update(ctx, sub); uerr != nil {
		d.logger.Warn("failed to record webhook delivery", "subscription", sub.ID, "error", uerr)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryStore is an in-memory implementation for tests and development.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func clone(s *Subscription) *Subscription {
	cp := *s
	cp.Events = append([]string(nil), s.Events...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return clone(sub), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.OwnerID == ownerID }), nil
}

func (m *MemoryStore) ListActive(_ context.Context, eventType string) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool {
		if !s.Active {
			return false
		}
		for _, et := range s.Events {
			if et == AllEvents || et == eventType {
				return true
			}
		}
		return false
	}), nil
}

func (m *MemoryStore) filter(keep func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if keep(sub) {
			out = append(out, clone(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
