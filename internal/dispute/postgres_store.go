package dispute

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/workwise/escrowd/internal/escrow"
)

// PostgresStore persists disputes and claims in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, account_id, milestone_id, raised_by, reason, status, resolution,
		       resolution_amount, resolution_notes, transaction_id, created_at, updated_at,
		       resolved_at, resolved_by`

const claimColumns = `id, account_id, dispute_id, claimant_id, amount, reason, status,
		       transaction_id, decided_by, decision_notes, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.AccountID, nullString(d.MilestoneID), d.RaisedBy, d.Reason, string(d.Status),
		nullString(string(d.Resolution)), d.ResolutionAmount, nullString(d.ResolutionNotes),
		nullString(d.TransactionID), d.CreatedAt, d.UpdatedAt, nullTime(d.ResolvedAt),
		nullString(d.ResolvedBy),
	)
	return err
}

// UpdateDispute writes the mutable fields. A resolved dispute is never
// rewritten.
func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $2, resolution = $3, resolution_amount = $4, resolution_notes = $5,
			transaction_id = $6, updated_at = $7, resolved_at = $8, resolved_by = $9
		WHERE id = $1 AND status <> 'resolved'`,
		d.ID, string(d.Status), nullString(string(d.Resolution)), d.ResolutionAmount,
		nullString(d.ResolutionNotes), nullString(d.TransactionID), d.UpdatedAt,
		nullTime(d.ResolvedAt), nullString(d.ResolvedBy),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := p.GetDispute(ctx, d.ID); err != nil {
		return err
	}
	return ErrAlreadyClosed
}

func (p *PostgresStore) SetResolutionTransaction(ctx context.Context, id, txID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET transaction_id = $2, updated_at = $3
		WHERE id = $1 AND status = 'resolved'`, id, txID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDisputes(ctx context.Context, f ListFilter) ([]*Dispute, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE ($1 = '' OR account_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3`, f.AccountID, string(f.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ActiveForMilestone(ctx context.Context, milestoneID string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE milestone_id = $1 AND status <> 'resolved'
		ORDER BY created_at DESC
		LIMIT 1`, milestoneID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		milestoneID, resolution, notes, txID, resolvedBy sql.NullString
		status                                           string
		resolvedAt                                       sql.NullTime
	)
	err := s.Scan(&d.ID, &d.AccountID, &milestoneID, &d.RaisedBy, &d.Reason, &status, &resolution,
		&d.ResolutionAmount, &notes, &txID, &d.CreatedAt, &d.UpdatedAt, &resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}
	d.MilestoneID = milestoneID.String
	d.Status = Status(status)
	d.Resolution = escrow.Resolution(resolution.String)
	d.ResolutionNotes = notes.String
	d.TransactionID = txID.String
	d.ResolvedAt = timePtr(resolvedAt)
	d.ResolvedBy = resolvedBy.String
	return d, nil
}

// --- claims ---

func (p *PostgresStore) CreateClaim(ctx context.Context, c *Claim) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO insurance_claims (`+claimColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.AccountID, nullString(c.DisputeID), c.ClaimantID, c.Amount, c.Reason,
		string(c.Status), nullString(c.TransactionID), nullString(c.DecidedBy),
		nullString(c.DecisionNotes), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) UpdateClaim(ctx context.Context, c *Claim) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE insurance_claims SET
			status = $2, transaction_id = $3, decided_by = $4, decision_notes = $5, updated_at = $6
		WHERE id = $1`,
		c.ID, string(c.Status), nullString(c.TransactionID), nullString(c.DecidedBy),
		nullString(c.DecisionNotes), c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetClaim(ctx context.Context, id string) (*Claim, error) {
	c, err := scanClaim(p.db.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM insurance_claims WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) GetClaimByTransaction(ctx context.Context, txID string) (*Claim, error) {
	c, err := scanClaim(p.db.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM insurance_claims WHERE transaction_id = $1`, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) ListClaims(ctx context.Context, accountID string) ([]*Claim, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+claimColumns+` FROM insurance_claims
		WHERE ($1 = '' OR account_id = $1)
		ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanClaim(s scanner) (*Claim, error) {
	c := &Claim{}
	var (
		disputeID, txID, decidedBy, notes sql.NullString
		status                            string
	)
	err := s.Scan(&c.ID, &c.AccountID, &disputeID, &c.ClaimantID, &c.Amount, &c.Reason, &status,
		&txID, &decidedBy, &notes, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.DisputeID = disputeID.String
	c.Status = ClaimStatus(status)
	c.TransactionID = txID.String
	c.DecidedBy = decidedBy.String
	c.DecisionNotes = notes.String
	return c, nil
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
