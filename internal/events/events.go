// Package events carries structured domain events from the escrow core to
// the audit log, the message bus, operator streams and the fraud pipeline.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/workwise/escrowd/internal/audit"
	"github.com/workwise/escrowd/internal/idgen"
	"github.com/workwise/escrowd/internal/logging"
)

// Entities.
const (
	EntityAccount     = "account"
	EntityMilestone   = "milestone"
	EntityTransaction = "transaction"
	EntityDispute     = "dispute"
	EntityClaim       = "insurance_claim"
	EntityFraudRule   = "fraud_rule"
	EntityFraudAlert  = "fraud_alert"
	EntityFraudCase   = "fraud_case"
	EntityWatchlist   = "watchlist"
)

// Event describes one state change. Before and After are JSON snapshots of
// the entity; either may be empty (creation, deletion).
type Event struct {
	ID        string            `json:"id"`
	Entity    string            `json:"entity"`
	Action    string            `json:"action"`
	EntityID  string            `json:"entityId"`
	AccountID string            `json:"accountId,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	ActorType string            `json:"actorType"`
	ActorID   string            `json:"actorId,omitempty"`
	DeviceID  string            `json:"deviceId,omitempty"`
	Amount    string            `json:"amount,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Before    json.RawMessage   `json:"before,omitempty"`
	After     json.RawMessage   `json:"after,omitempty"`
	At        time.Time         `json:"at"`
}

// Type returns "entity.action", e.g. "milestone.submitted".
func (e Event) Type() string {
	return e.Entity + "." + e.Action
}

// New builds an event, snapshotting before/after as JSON and taking the
// actor from ctx.
func New(ctx context.Context, entity, action, entityID string, before, after any) Event {
	actorType, actorID := audit.ActorFrom(ctx)
	return Event{
		ID:        idgen.WithPrefix("evt_"),
		Entity:    entity,
		Action:    action,
		EntityID:  entityID,
		ActorType: actorType,
		ActorID:   actorID,
		DeviceID:  DeviceFrom(ctx),
		Before:    snapshot(before),
		After:     snapshot(after),
		At:        time.Now().UTC(),
	}
}

type deviceKey struct{}

// WithDevice attaches the caller's device fingerprint to ctx. Events built
// from ctx carry it.
func WithDevice(ctx context.Context, deviceID string) context.Context {
	if deviceID == "" {
		return ctx
	}
	return context.WithValue(ctx, deviceKey{}, deviceID)
}

// DeviceFrom returns the device attached by WithDevice, if any.
func DeviceFrom(ctx context.Context) string {
	v, _ := ctx.Value(deviceKey{}).(string)
	return v
}

func snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// Publisher accepts events from domain services.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Sink is one destination of the bus.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

var (
	publishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events delivered, by sink and event type.",
	}, []string{"sink", "type"})

	publishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "events",
		Name:      "publish_errors_total",
		Help:      "Event delivery failures, by sink.",
	}, []string{"sink"})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because the async queue was full.",
	})
)

func init() {
	prometheus.MustRegister(publishedTotal, publishErrors, droppedTotal)
}

// Bus fans events out. Sync sinks (the audit log) run inline and their
// errors are returned to the caller. Async sinks are fed in order from a
// single goroutine; a full queue drops the event rather than block.
type Bus struct {
	sync   []Sink
	async  []Sink
	queue  chan Event
	logger *slog.Logger

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewBus creates a bus with an async queue of the given capacity.
func NewBus(queueSize int, logger *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{queue: make(chan Event, queueSize), logger: logger}
}

// AddSync registers a sink whose failures must reach the caller.
func (b *Bus) AddSync(s Sink) *Bus {
	b.sync = append(b.sync, s)
	return b
}

// AddAsync registers a best-effort sink.
func (b *Bus) AddAsync(s Sink) *Bus {
	b.async = append(b.async, s)
	return b
}

// Start runs the async dispatcher until ctx is cancelled, then drains.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.dispatch(ctx)
	})
}

// Wait blocks until the dispatcher has drained after cancellation.
func (b *Bus) Wait() {
	b.wg.Wait()
}

func (b *Bus) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range b.sync {
		if err := s.Publish(ctx, e); err != nil {
			publishErrors.WithLabelValues(s.Name()).Inc()
			errs = append(errs, err)
			continue
		}
		publishedTotal.WithLabelValues(s.Name(), e.Type()).Inc()
	}

	if len(b.async) > 0 {
		select {
		case b.queue <- e:
		default:
			droppedTotal.Inc()
			logging.L(ctx).Warn("event queue full, dropping event", "type", e.Type(), "id", e.EntityID)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) dispatch(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case e := <-b.queue:
			b.deliver(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-b.queue:
					b.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(e Event) {
	for _, s := range b.async {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := safePublish(ctx, s, e)
		cancel()
		if err != nil {
			publishErrors.WithLabelValues(s.Name()).Inc()
			b.logger.Warn("event sink failed", "sink", s.Name(), "type", e.Type(), "error", err)
			continue
		}
		publishedTotal.WithLabelValues(s.Name(), e.Type()).Inc()
	}
}

func safePublish(ctx context.Context, s Sink, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("panic in event sink")
		}
	}()
	return s.Publish(ctx, e)
}
