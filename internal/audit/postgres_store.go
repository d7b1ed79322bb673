package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// chainLockKey is the advisory lock serializing appends across processes.
const chainLockKey = 7_310_442_001

// PostgresStore persists the chain in immutable_audit_log. Values are kept
// as TEXT rather than JSONB so hashed bytes round-trip exactly.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed chain store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `seq, table_name, action, record_id, actor_type, actor_id, request_id,
	old_values, new_values, previous_hash, hash_signature, created_at`

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return fmt.Errorf("lock chain: %w", err)
	}

	var prev *Entry
	var prevHash string
	err = tx.QueryRowContext(ctx,
		`SELECT hash_signature FROM immutable_audit_log ORDER BY seq DESC LIMIT 1`,
	).Scan(&prevHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read chain head: %w", err)
	default:
		prev = &Entry{Hash: prevHash}
	}
	seal(e, prev)

	err = tx.QueryRowContext(ctx, `
		INSERT INTO immutable_audit_log (table_name, action, record_id, actor_type, actor_id, request_id,
			old_values, new_values, previous_hash, hash_signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq`,
		e.Table, e.Action, e.RecordID, e.ActorType, e.ActorID, e.RequestID,
		nullText(e.OldValues), nullText(e.NewValues), e.PreviousHash, e.Hash, e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) List(ctx context.Context, afterSeq int64, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM immutable_audit_log
		WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) ListByRecord(ctx context.Context, table, recordID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM immutable_audit_log
		WHERE table_name = $1 AND record_id = $2 ORDER BY seq DESC LIMIT $3`, table, recordID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var actorID, requestID, oldVals, newVals sql.NullString
		if err := rows.Scan(&e.Seq, &e.Table, &e.Action, &e.RecordID, &e.ActorType, &actorID, &requestID,
			&oldVals, &newVals, &e.PreviousHash, &e.Hash, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorID = actorID.String
		e.RequestID = requestID.String
		if oldVals.Valid {
			e.OldValues = []byte(oldVals.String)
		}
		if newVals.Valid {
			e.NewValues = []byte(newVals.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullText(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
