package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/workwise/escrowd/internal/ledger"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, project_id, client_id, freelancer_id, payout_account, customer_ref,
		       payment_reference, currency, total_amount, platform_fee, available_amount,
		       status, protection_level, risk_score, milestone_based, automatic_release,
		       fraud_insurance, multi_signature, auto_approve_after_seconds, frozen,
		       frozen_reason, open_disputes, version, created_at, updated_at, funded_at, completed_at`

const milestoneColumns = `id, account_id, order_index, title, amount, refunded_amount, status,
		       completion_criteria, deliverables, due_date, started_at, submitted_at,
		       auto_approve_at, approved_at, released_at, created_at, updated_at`

const txColumns = `id, account_id, milestone_id, type, amount, status, rail_reference,
		       idempotency_key, attempts, failure_reason, reason, created_at, updated_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, acct *Account, deposit *ledger.Transaction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_accounts (`+accountColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27
		)`,
		acct.ID, acct.ProjectID, acct.ClientID, acct.FreelancerID,
		nullString(acct.PayoutAccount), nullString(acct.CustomerRef), nullString(acct.PaymentReference),
		acct.Currency, acct.TotalAmount, acct.PlatformFee, acct.AvailableAmount,
		string(acct.Status), string(acct.ProtectionLevel), acct.RiskScore,
		acct.Flags.MilestoneBased, acct.Flags.AutomaticRelease, acct.Flags.FraudInsurance, acct.Flags.MultiSignature,
		int64(acct.AutoApproveAfter/time.Second), acct.Frozen, nullString(acct.FrozenReason),
		acct.OpenDisputes, acct.Version, acct.CreatedAt, acct.UpdatedAt,
		nullTime(acct.FundedAt), nullTime(acct.CompletedAt),
	)
	if err != nil {
		return err
	}

	for _, ms := range acct.Milestones {
		if err := insertMilestone(ctx, tx, ms); err != nil {
			return err
		}
	}
	if deposit != nil {
		if err := insertTx(ctx, tx, deposit); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertMilestone(ctx context.Context, tx *sql.Tx, ms *Milestone) error {
	deliverables, err := json.Marshal(ms.Deliverables)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_milestones (`+milestoneColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)`,
		ms.ID, ms.AccountID, ms.OrderIndex, ms.Title, ms.Amount, ms.RefundedAmount, string(ms.Status),
		nullString(ms.CompletionCriteria), deliverables, nullTime(ms.DueDate), nullTime(ms.StartedAt),
		nullTime(ms.SubmittedAt), nullTime(ms.AutoApproveAt), nullTime(ms.ApprovedAt), nullTime(ms.ReleasedAt),
		ms.CreatedAt, ms.UpdatedAt,
	)
	return err
}

func insertTx(ctx context.Context, tx *sql.Tx, t *ledger.Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_transactions (`+txColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)`,
		t.ID, t.AccountID, nullString(t.MilestoneID), string(t.Type), t.Amount, string(t.Status),
		nullString(t.RailReference), t.IdempotencyKey, t.Attempts, nullString(t.FailureReason),
		nullString(t.Reason), t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE id = $1`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM escrow_milestones
		WHERE account_id = $1
		ORDER BY order_index`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		ms, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		acct.Milestones = append(acct.Milestones, ms)
	}
	return acct, rows.Err()
}

func (p *PostgresStore) GetByMilestone(ctx context.Context, milestoneID string) (*Account, error) {
	var accountID string
	err := p.db.QueryRowContext(ctx, `SELECT account_id FROM escrow_milestones WHERE id = $1`, milestoneID).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, accountID)
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Account, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM escrow_accounts
		WHERE ($1 = '' OR client_id = $1)
		  AND ($2 = '' OR freelancer_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4`, filter.ClientID, filter.FreelancerID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM escrow_accounts
		WHERE id > $1
		ORDER BY id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) Transactions(ctx context.Context, accountID string) ([]*ledger.Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM escrow_transactions
		WHERE account_id = $1
		ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTxs(rows)
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM escrow_transactions WHERE id = $1`, id)
	t, err := scanTx(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) FindTransactionByReference(ctx context.Context, reference string) (*ledger.Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions
		WHERE rail_reference = $1
		ORDER BY created_at DESC
		LIMIT 1`, reference)
	t, err := scanTx(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) ListOpenTransactions(ctx context.Context, olderThan time.Time, limit int) ([]*ledger.Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM escrow_transactions
		WHERE status IN ('pending', 'processing')
		  AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTxs(rows)
}

func (p *PostgresStore) ListAutoApprovable(ctx context.Context, now time.Time, limit int) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.account_id, m.order_index, m.title, m.amount, m.refunded_amount, m.status,
		       m.completion_criteria, m.deliverables, m.due_date, m.started_at, m.submitted_at,
		       m.auto_approve_at, m.approved_at, m.released_at, m.created_at, m.updated_at
		FROM escrow_milestones m
		JOIN escrow_accounts a ON a.id = m.account_id
		WHERE m.status = 'completed'
		  AND m.auto_approve_at <= $1
		  AND a.automatic_release
		  AND NOT a.frozen
		  AND a.status = 'active'
		ORDER BY m.auto_approve_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Milestone
	for rows.Next() {
		ms, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

// Commit writes a mutation in one SQL transaction. The account update is
// guarded by its version; transaction updates only apply to rows still
// pending or processing, so a settled transaction is never rewritten.
func (p *PostgresStore) Commit(ctx context.Context, m *Mutation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	a := m.Account
	res, err := tx.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			payout_account = $3, payment_reference = $4, available_amount = $5, status = $6,
			risk_score = $7, frozen = $8, frozen_reason = $9, open_disputes = $10,
			updated_at = $11, funded_at = $12, completed_at = $13, version = $2 + 1
		WHERE id = $1 AND version = $2`,
		a.ID, m.ExpectedVersion,
		nullString(a.PayoutAccount), nullString(a.PaymentReference), a.AvailableAmount, string(a.Status),
		a.RiskScore, a.Frozen, nullString(a.FrozenReason), a.OpenDisputes,
		a.UpdatedAt, nullTime(a.FundedAt), nullTime(a.CompletedAt),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return &ConcurrencyConflict{AccountID: a.ID}
	}

	for _, ms := range m.Milestones {
		deliverables, err := json.Marshal(ms.Deliverables)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE escrow_milestones SET
				status = $3, refunded_amount = $4, deliverables = $5, started_at = $6,
				submitted_at = $7, auto_approve_at = $8, approved_at = $9, released_at = $10,
				updated_at = $11
			WHERE id = $1 AND account_id = $2`,
			ms.ID, a.ID, string(ms.Status), ms.RefundedAmount, deliverables, nullTime(ms.StartedAt),
			nullTime(ms.SubmittedAt), nullTime(ms.AutoApproveAt), nullTime(ms.ApprovedAt), nullTime(ms.ReleasedAt),
			ms.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update milestone %s: %w", ms.ID, err)
		}
	}

	for _, t := range m.NewTransactions {
		if err := insertTx(ctx, tx, t); err != nil {
			return fmt.Errorf("insert transaction %s: %w", t.ID, err)
		}
	}

	for _, t := range m.UpdatedTransactions {
		res, err := tx.ExecContext(ctx, `
			UPDATE escrow_transactions SET
				status = $2, rail_reference = $3, attempts = $4, failure_reason = $5,
				updated_at = $6, completed_at = $7
			WHERE id = $1 AND status IN ('pending', 'processing')`,
			t.ID, string(t.Status), nullString(t.RailReference), t.Attempts, nullString(t.FailureReason),
			t.UpdatedAt, nullTime(t.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("update transaction %s: %w", t.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: transaction %s is already settled", ErrInvalidTransition, t.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Class() == "40" {
			return &ConcurrencyConflict{AccountID: a.ID}
		}
		return err
	}
	a.Version = m.ExpectedVersion + 1
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var (
		a                                          Account
		status, level                              string
		payout, customer, paymentRef, frozenReason sql.NullString
		graceSeconds                               int64
		fundedAt, completedAt                      sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.ProjectID, &a.ClientID, &a.FreelancerID, &payout, &customer,
		&paymentRef, &a.Currency, &a.TotalAmount, &a.PlatformFee, &a.AvailableAmount,
		&status, &level, &a.RiskScore, &a.Flags.MilestoneBased, &a.Flags.AutomaticRelease,
		&a.Flags.FraudInsurance, &a.Flags.MultiSignature, &graceSeconds, &a.Frozen,
		&frozenReason, &a.OpenDisputes, &a.Version, &a.CreatedAt, &a.UpdatedAt, &fundedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = AccountStatus(status)
	a.ProtectionLevel = ProtectionLevel(level)
	a.PayoutAccount = payout.String
	a.CustomerRef = customer.String
	a.PaymentReference = paymentRef.String
	a.FrozenReason = frozenReason.String
	a.AutoApproveAfter = time.Duration(graceSeconds) * time.Second
	a.FundedAt = timePtr(fundedAt)
	a.CompletedAt = timePtr(completedAt)
	return &a, nil
}

func scanMilestone(row scanner) (*Milestone, error) {
	var (
		ms                                                 Milestone
		status                                             string
		criteria                                           sql.NullString
		deliverables                                       []byte
		due, started, submitted, autoAt, approved, release sql.NullTime
	)
	err := row.Scan(
		&ms.ID, &ms.AccountID, &ms.OrderIndex, &ms.Title, &ms.Amount, &ms.RefundedAmount, &status,
		&criteria, &deliverables, &due, &started, &submitted,
		&autoAt, &approved, &release, &ms.CreatedAt, &ms.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ms.Status = MilestoneStatus(status)
	ms.CompletionCriteria = criteria.String
	if len(deliverables) > 0 {
		if err := json.Unmarshal(deliverables, &ms.Deliverables); err != nil {
			return nil, fmt.Errorf("decode deliverables of milestone %s: %w", ms.ID, err)
		}
	}
	ms.DueDate = timePtr(due)
	ms.StartedAt = timePtr(started)
	ms.SubmittedAt = timePtr(submitted)
	ms.AutoApproveAt = timePtr(autoAt)
	ms.ApprovedAt = timePtr(approved)
	ms.ReleasedAt = timePtr(release)
	return &ms, nil
}

func scanTx(row scanner) (*ledger.Transaction, error) {
	var (
		t                                       ledger.Transaction
		typ, status                             string
		milestoneID, ref, failureReason, reason sql.NullString
		completedAt                             sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.AccountID, &milestoneID, &typ, &t.Amount, &status, &ref,
		&t.IdempotencyKey, &t.Attempts, &failureReason, &reason, &t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = ledger.TxType(typ)
	t.Status = ledger.TxStatus(status)
	t.MilestoneID = milestoneID.String
	t.RailReference = ref.String
	t.FailureReason = failureReason.String
	t.Reason = reason.String
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

func scanTxs(rows *sql.Rows) ([]*ledger.Transaction, error) {
	var out []*ledger.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
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
