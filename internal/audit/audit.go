// Package audit implements the immutable, hash-chained audit log.
//
// Every mutating action on an escrow entity appends one Entry. Each entry's
// Hash covers its content plus the previous entry's Hash, so editing or
// removing any entry breaks every link after it. Entries are never updated
// or deleted.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/workwise/escrowd/internal/logging"
)

// GenesisHash is the previous hash of the first entry.
var GenesisHash = strings.Repeat("0", 64)

// Tables whose rows are audited.
const (
	TableAccounts     = "escrow_accounts"
	TableMilestones   = "escrow_milestones"
	TableTransactions = "escrow_transactions"
	TableDisputes     = "dispute_cases"
	TableClaims       = "insurance_claims"
	TableFraudRules   = "fraud_detection_rules"
	TableFraudAlerts  = "fraud_detection_alerts"
	TableFraudCases   = "fraud_detection_cases"
	TableWatchlist    = "fraud_watchlist"
)

var ErrNotFound = errors.New("audit: entry not found")

// Entry is a single link in the chain.
type Entry struct {
	Seq          int64           `json:"seq"`
	Table        string          `json:"table"`
	Action       string          `json:"action"`
	RecordID     string          `json:"recordId"`
	ActorType    string          `json:"actorType"`
	ActorID      string          `json:"actorId,omitempty"`
	RequestID    string          `json:"requestId,omitempty"`
	OldValues    json.RawMessage `json:"oldValues,omitempty"`
	NewValues    json.RawMessage `json:"newValues,omitempty"`
	PreviousHash string          `json:"previousHash"`
	Hash         string          `json:"hashSignature"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// ComputeHash returns the hex SHA-256 of the entry's content and previous hash.
// Seq, actor and timestamps are metadata and are not covered.
func ComputeHash(e *Entry) string {
	payload, _ := json.Marshal([]string{
		e.Table,
		e.Action,
		e.RecordID,
		string(e.OldValues),
		string(e.NewValues),
		e.PreviousHash,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// seal links e to prev and fills in its hash.
func seal(e *Entry, prev *Entry) {
	if prev == nil {
		e.PreviousHash = GenesisHash
	} else {
		e.PreviousHash = prev.Hash
	}
	e.Hash = ComputeHash(e)
}

// Store persists the chain. Append must assign Seq, PreviousHash and Hash
// atomically with respect to other appends.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// List returns up to limit entries with Seq > afterSeq in ascending order.
	List(ctx context.Context, afterSeq int64, limit int) ([]*Entry, error)
	ListByRecord(ctx context.Context, table, recordID string, limit int) ([]*Entry, error)
}

// VerifyResult describes the outcome of walking the chain.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Checked  int64  `json:"checked"`
	BrokenAt int64  `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Log records and verifies audit entries.
type Log struct {
	store  Store
	logger *slog.Logger
}

// NewLog creates an audit log over store.
func NewLog(store Store) *Log {
	return &Log{store: store, logger: slog.Default()}
}

// WithLogger sets the logger.
func (l *Log) WithLogger(logger *slog.Logger) *Log {
	l.logger = logger
	return l
}

// Record appends an entry describing a state change of one record.
// before and after are marshaled to JSON; nil values are stored as empty.
func (l *Log) Record(ctx context.Context, table, action, recordID string, before, after any) (*Entry, error) {
	oldVals, err := marshal(before)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal old values: %w", err)
	}
	newVals, err := marshal(after)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal new values: %w", err)
	}

	actorType, actorID := ActorFrom(ctx)
	e := &Entry{
		Table:     table,
		Action:    action,
		RecordID:  recordID,
		ActorType: actorType,
		ActorID:   actorID,
		RequestID: logging.RequestID(ctx),
		OldValues: oldVals,
		NewValues: newVals,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("audit: append: %w", err)
	}
	entriesTotal.WithLabelValues(table).Inc()
	return e, nil
}

// History returns the newest entries for one record.
func (l *Log) History(ctx context.Context, table, recordID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListByRecord(ctx, table, recordID, limit)
}

const verifyBatch = 500

// Verify walks the whole chain and checks every hash and link.
func (l *Log) Verify(ctx context.Context) (*VerifyResult, error) {
	res := &VerifyResult{Valid: true}
	prevHash := GenesisHash
	var after int64

	for {
		batch, err := l.store.List(ctx, after, verifyBatch)
		if err != nil {
			return nil, err
		}
		for _, e := range batch {
			res.Checked++
			if e.PreviousHash != prevHash {
				res.Valid, res.BrokenAt = false, e.Seq
				res.Reason = "previous_hash does not match prior entry"
				break
			}
			if ComputeHash(e) != e.Hash {
				res.Valid, res.BrokenAt = false, e.Seq
				res.Reason = "hash_signature does not match content"
				break
			}
			prevHash = e.Hash
			after = e.Seq
		}
		if !res.Valid || len(batch) < verifyBatch {
			break
		}
	}

	if !res.Valid {
		chainBroken.Set(1)
		l.logger.Error("CRITICAL: audit chain broken",
			"seq", res.BrokenAt, "reason", res.Reason)
	} else {
		chainBroken.Set(0)
	}
	return res, nil
}

func marshal(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
