// Package alerting pages operators about conditions that need a human:
// ledger invariant violations, exhausted rail retries, stuck transactions,
// fraud freezes and a broken audit chain.
package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert kinds.
const (
	KindInvariantViolation = "invariant_violation"
	KindRailFailure        = "rail_failure"
	KindPendingTimeout     = "pending_timeout"
	KindLateConfirmation   = "late_confirmation"
	KindFraudFreeze        = "fraud_freeze"
	KindAuditChain         = "audit_chain"
)

// Alert is one operator-visible condition.
type Alert struct {
	Kind          string            `json:"kind"`
	Severity      Severity          `json:"severity"`
	Message       string            `json:"message"`
	AccountID     string            `json:"accountId,omitempty"`
	TransactionID string            `json:"transactionId,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	At            time.Time         `json:"at"`
}

// Pager delivers alerts. Implementations must not block for long and
// must never fail the caller's operation.
type Pager interface {
	Page(ctx context.Context, a Alert)
}

var alertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "alerting",
	Name:      "alerts_total",
	Help:      "Operator alerts raised, by kind and severity.",
}, []string{"kind", "severity"})

func init() {
	prometheus.MustRegister(alertsTotal)
}

// LogPager logs alerts at error level and counts them.
type LogPager struct {
	logger *slog.Logger
}

// NewLogPager creates a log-only pager.
func NewLogPager(logger *slog.Logger) *LogPager {
	return &LogPager{logger: logger}
}

func (p *LogPager) Page(ctx context.Context, a Alert) {
	alertsTotal.WithLabelValues(a.Kind, string(a.Severity)).Inc()
	args := []any{"kind", a.Kind, "severity", a.Severity,
		"account_id", a.AccountID, "transaction_id", a.TransactionID}
	for k, v := range a.Fields {
		args = append(args, k, v)
	}
	p.logger.ErrorContext(ctx, "ALERT: "+a.Message, args...)
}

// SentryPager forwards alerts to Sentry in addition to logging them.
type SentryPager struct {
	hub *sentry.Hub
	log *LogPager
}

// NewSentryPager initializes the Sentry client.
func NewSentryPager(dsn, environment, release string, logger *slog.Logger) (*SentryPager, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, err
	}
	return &SentryPager{
		hub: sentry.NewHub(client, sentry.NewScope()),
		log: NewLogPager(logger),
	}, nil
}

// Hub exposes the configured hub (for HTTP middleware).
func (p *SentryPager) Hub() *sentry.Hub {
	return p.hub
}

func (p *SentryPager) Page(ctx context.Context, a Alert) {
	p.log.Page(ctx, a)

	level := sentry.LevelWarning
	if a.Severity == SeverityCritical {
		level = sentry.LevelFatal
	}
	p.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		scope.SetTag("alert.kind", a.Kind)
		if a.AccountID != "" {
			scope.SetTag("escrow.account_id", a.AccountID)
		}
		if a.TransactionID != "" {
			scope.SetTag("escrow.transaction_id", a.TransactionID)
		}
		extra := sentry.Context{}
		for k, v := range a.Fields {
			extra[k] = v
		}
		scope.SetContext("alert", extra)
		p.hub.CaptureMessage(a.Message)
	})
}

// Flush waits for queued Sentry events.
func (p *SentryPager) Flush(timeout time.Duration) bool {
	return p.hub.Flush(timeout)
}

// Recorder keeps alerts in memory and also satisfies Pager.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Page(_ context.Context, a Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
}

// Alerts returns the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// Kinds returns the recorded alert kinds in order.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.alerts))
	for i, a := range r.alerts {
		out[i] = a.Kind
	}
	return out
}
