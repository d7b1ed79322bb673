package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/workwise/escrowd/internal/audit"
)

var auditTables = map[string]string{
	EntityAccount:     audit.TableAccounts,
	EntityMilestone:   audit.TableMilestones,
	EntityTransaction: audit.TableTransactions,
	EntityDispute:     audit.TableDisputes,
	EntityClaim:       audit.TableClaims,
	EntityFraudRule:   audit.TableFraudRules,
	EntityFraudAlert:  audit.TableFraudAlerts,
	EntityFraudCase:   audit.TableFraudCases,
	EntityWatchlist:   audit.TableWatchlist,
}

// AuditSink appends every event to the hash-chained audit log.
type AuditSink struct {
	log *audit.Log
}

// NewAuditSink creates a sink over log.
func NewAuditSink(log *audit.Log) *AuditSink {
	return &AuditSink{log: log}
}

func (s *AuditSink) Name() string { return "audit" }

func (s *AuditSink) Publish(ctx context.Context, e Event) error {
	table, ok := auditTables[e.Entity]
	if !ok {
		table = e.Entity
	}
	ctx = audit.WithActor(ctx, e.ActorType, e.ActorID)
	var before, after any
	if len(e.Before) > 0 {
		before = e.Before
	}
	if len(e.After) > 0 {
		after = e.After
	}
	_, err := s.log.Record(ctx, table, e.Action, e.EntityID, before, after)
	return err
}

// LogSink writes a one-line summary of each event.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging at debug level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(ctx context.Context, e Event) error {
	s.logger.DebugContext(ctx, "event",
		"type", e.Type(), "entity_id", e.EntityID, "account_id", e.AccountID, "actor", e.ActorType)
	return nil
}

// MemorySink records events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Types returns the recorded event types in order.
func (s *MemorySink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type()
	}
	return out
}
