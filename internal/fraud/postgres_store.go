package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists fraud data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed fraud store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ruleColumns = `id, name, description, rule_type, conditions, time_window_minutes,
		       priority, risk_score, severity, composition, enabled, created_at, updated_at`

const alertColumns = `id, rule_id, case_id, user_id, account_id, transaction_id, risk_score,
		       severity, status, action_taken, false_positive, evidence, created_at,
		       resolved_at, resolved_by`

const caseColumns = `id, user_id, account_id, fraud_score, alert_ids, evidence, status,
		       resolution_notes, created_at, updated_at, resolved_at, resolved_by`

type scanner interface {
	Scan(dest ...any) error
}

// --- rules ---

func (p *PostgresStore) CreateRule(ctx context.Context, r *Rule) error {
	conds, err := json.Marshal(r.Conditions)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO fraud_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.Name, nullString(r.Description), string(r.Type), conds, r.TimeWindowMinutes,
		r.Priority, r.RiskScore, string(r.Severity), string(r.Composition), r.Enabled,
		r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) UpdateRule(ctx context.Context, r *Rule) error {
	conds, err := json.Marshal(r.Conditions)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE fraud_rules SET
			name = $2, description = $3, rule_type = $4, conditions = $5,
			time_window_minutes = $6, priority = $7, risk_score = $8, severity = $9,
			composition = $10, enabled = $11, updated_at = $12
		WHERE id = $1`,
		r.ID, r.Name, nullString(r.Description), string(r.Type), conds,
		r.TimeWindowMinutes, r.Priority, r.RiskScore, string(r.Severity),
		string(r.Composition), r.Enabled, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (p *PostgresStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	r, err := scanRule(p.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM fraud_rules WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRules(ctx context.Context, enabledOnly bool) ([]*Rule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM fraud_rules
		WHERE ($1 = false OR enabled = true)
		ORDER BY priority ASC, id ASC`, enabledOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRule(s scanner) (*Rule, error) {
	r := &Rule{}
	var (
		description      sql.NullString
		ruleType         string
		conds            []byte
		severity, compos string
	)
	err := s.Scan(&r.ID, &r.Name, &description, &ruleType, &conds, &r.TimeWindowMinutes,
		&r.Priority, &r.RiskScore, &severity, &compos, &r.Enabled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Description = description.String
	r.Type = RuleType(ruleType)
	r.Severity = Severity(severity)
	r.Composition = Composition(compos)
	if len(conds) > 0 {
		if err := json.Unmarshal(conds, &r.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions of rule %s: %w", r.ID, err)
		}
	}
	return r, nil
}

// --- alerts ---

func (p *PostgresStore) CreateAlert(ctx context.Context, a *Alert) error {
	evidence, err := marshalEvidence(a.Evidence)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO fraud_alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		a.ID, a.RuleID, nullString(a.CaseID), a.UserID, nullString(a.AccountID),
		nullString(a.TransactionID), a.RiskScore, string(a.Severity), string(a.Status),
		string(a.ActionTaken), a.FalsePositive, evidence, a.CreatedAt,
		nullTime(a.ResolvedAt), nullString(a.ResolvedBy),
	)
	return err
}

func (p *PostgresStore) UpdateAlert(ctx context.Context, a *Alert) error {
	evidence, err := marshalEvidence(a.Evidence)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE fraud_alerts SET
			case_id = $2, status = $3, action_taken = $4, false_positive = $5,
			evidence = $6, resolved_at = $7, resolved_by = $8
		WHERE id = $1`,
		a.ID, nullString(a.CaseID), string(a.Status), string(a.ActionTaken), a.FalsePositive,
		evidence, nullTime(a.ResolvedAt), nullString(a.ResolvedBy),
	)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (p *PostgresStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	a, err := scanAlert(p.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM fraud_alerts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *PostgresStore) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM fraud_alerts
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2 = '' OR account_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, f.UserID, f.AccountID, string(f.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountAlerts(ctx context.Context, userID string, severity Severity, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fraud_alerts
		WHERE user_id = $1 AND severity = $2 AND created_at >= $3 AND false_positive = false`,
		userID, string(severity), since,
	).Scan(&n)
	return n, err
}

func scanAlert(s scanner) (*Alert, error) {
	a := &Alert{}
	var (
		caseID, accountID, txID, resolvedBy sql.NullString
		severity, status, action            string
		evidence                            []byte
		resolvedAt                          sql.NullTime
	)
	err := s.Scan(&a.ID, &a.RuleID, &caseID, &a.UserID, &accountID, &txID, &a.RiskScore,
		&severity, &status, &action, &a.FalsePositive, &evidence, &a.CreatedAt,
		&resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}
	a.CaseID = caseID.String
	a.AccountID = accountID.String
	a.TransactionID = txID.String
	a.Severity = Severity(severity)
	a.Status = AlertStatus(status)
	a.ActionTaken = Action(action)
	a.ResolvedAt = timePtr(resolvedAt)
	a.ResolvedBy = resolvedBy.String
	if a.Evidence, err = unmarshalEvidence(evidence); err != nil {
		return nil, fmt.Errorf("decode evidence of alert %s: %w", a.ID, err)
	}
	return a, nil
}

// --- cases ---

func (p *PostgresStore) CreateCase(ctx context.Context, c *Case) error {
	evidence, err := marshalEvidence(c.Evidence)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO fraud_cases (`+caseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.UserID, nullString(c.AccountID), c.FraudScore, pq.Array(c.AlertIDs), evidence,
		string(c.Status), nullString(c.ResolutionNotes), c.CreatedAt, c.UpdatedAt,
		nullTime(c.ResolvedAt), nullString(c.ResolvedBy),
	)
	return err
}

// UpdateCase refuses to touch a case that is already resolved.
func (p *PostgresStore) UpdateCase(ctx context.Context, c *Case) error {
	evidence, err := marshalEvidence(c.Evidence)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE fraud_cases SET
			account_id = $2, fraud_score = $3, alert_ids = $4, evidence = $5, status = $6,
			resolution_notes = $7, updated_at = $8, resolved_at = $9, resolved_by = $10
		WHERE id = $1 AND resolved_at IS NULL`,
		c.ID, nullString(c.AccountID), c.FraudScore, pq.Array(c.AlertIDs), evidence,
		string(c.Status), nullString(c.ResolutionNotes), c.UpdatedAt,
		nullTime(c.ResolvedAt), nullString(c.ResolvedBy),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.GetCase(ctx, c.ID); err != nil {
			return err
		}
		return ErrCaseResolved
	}
	return nil
}

func (p *PostgresStore) GetCase(ctx context.Context, id string) (*Case, error) {
	c, err := scanCase(p.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM fraud_cases WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) OpenCase(ctx context.Context, userID string) (*Case, error) {
	c, err := scanCase(p.db.QueryRowContext(ctx, `
		SELECT `+caseColumns+` FROM fraud_cases
		WHERE user_id = $1 AND status IN ('open', 'investigating')
		ORDER BY created_at DESC
		LIMIT 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) ListCases(ctx context.Context, f CaseFilter) ([]*Case, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+caseColumns+` FROM fraud_cases
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY updated_at DESC
		LIMIT $3`, f.UserID, string(f.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCase(s scanner) (*Case, error) {
	c := &Case{}
	var (
		accountID, notes, resolvedBy sql.NullString
		status                       string
		evidence                     []byte
		resolvedAt                   sql.NullTime
	)
	err := s.Scan(&c.ID, &c.UserID, &accountID, &c.FraudScore, pq.Array(&c.AlertIDs), &evidence,
		&status, &notes, &c.CreatedAt, &c.UpdatedAt, &resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}
	c.AccountID = accountID.String
	c.Status = CaseStatus(status)
	c.ResolutionNotes = notes.String
	c.ResolvedAt = timePtr(resolvedAt)
	c.ResolvedBy = resolvedBy.String
	if c.Evidence, err = unmarshalEvidence(evidence); err != nil {
		return nil, fmt.Errorf("decode evidence of case %s: %w", c.ID, err)
	}
	return c, nil
}

// --- watchlist ---

func (p *PostgresStore) AddToWatchlist(ctx context.Context, e *WatchlistEntry) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO fraud_watchlist (user_id, reason, critical_alert_count, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING`,
		e.UserID, e.Reason, e.CriticalAlertCount, e.AddedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) GetWatchlistEntry(ctx context.Context, userID string) (*WatchlistEntry, error) {
	e := &WatchlistEntry{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, reason, critical_alert_count, added_at
		FROM fraud_watchlist WHERE user_id = $1`, userID,
	).Scan(&e.UserID, &e.Reason, &e.CriticalAlertCount, &e.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresStore) ListWatchlist(ctx context.Context) ([]*WatchlistEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, reason, critical_alert_count, added_at
		FROM fraud_watchlist ORDER BY added_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WatchlistEntry
	for rows.Next() {
		e := &WatchlistEntry{}
		if err := rows.Scan(&e.UserID, &e.Reason, &e.CriticalAlertCount, &e.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- helpers ---

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalEvidence(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalEvidence(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
