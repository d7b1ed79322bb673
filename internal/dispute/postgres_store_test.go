package dispute

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workwise/escrowd/internal/escrow"
)

var (
	disputeCols = []string{"id", "account_id", "milestone_id", "raised_by", "reason", "status", "resolution",
		"resolution_amount", "resolution_notes", "transaction_id", "created_at", "updated_at",
		"resolved_at", "resolved_by"}
	claimCols = []string{"id", "account_id", "dispute_id", "claimant_id", "amount", "reason", "status",
		"transaction_id", "decided_by", "decision_notes", "created_at", "updated_at"}
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresGetDispute(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM disputes WHERE id = $1")).
		WithArgs("dsp_1").
		WillReturnRows(sqlmock.NewRows(disputeCols).AddRow(
			"dsp_1", "esc_1", "ms_1", "client_1", "late", "resolved", "partial_refund",
			"200.00", "half delivered", "etx_1", testNow, testNow, testNow, "ops_1"))

	d, err := store.GetDispute(context.Background(), "dsp_1")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, d.Status)
	assert.Equal(t, escrow.ResolutionPartialRefund, d.Resolution)
	assert.Equal(t, "200", d.ResolutionAmount.String())
	assert.Equal(t, "etx_1", d.TransactionID)
	require.NotNil(t, d.ResolvedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetDisputeNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM disputes WHERE id = $1")).
		WithArgs("dsp_missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetDispute(context.Background(), "dsp_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresActiveForMilestone(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`(?s)FROM disputes.+milestone_id = \$1 AND status <> 'resolved'`).
		WithArgs("ms_1").
		WillReturnRows(sqlmock.NewRows(disputeCols).AddRow(
			"dsp_1", "esc_1", "ms_1", "client_1", "late", "open", nil,
			"0", nil, nil, testNow, testNow, nil, nil))

	d, err := store.ActiveForMilestone(context.Background(), "ms_1")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, d.Status)
	assert.Empty(t, d.Resolution)
	assert.Nil(t, d.ResolvedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateResolvedDispute(t *testing.T) {
	store, mock := newMockStore(t)
	d := &Dispute{ID: "dsp_1", AccountID: "esc_1", Status: StatusMediation, UpdatedAt: testNow}

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status <> 'resolved'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM disputes WHERE id = $1")).
		WithArgs("dsp_1").
		WillReturnRows(sqlmock.NewRows(disputeCols).AddRow(
			"dsp_1", "esc_1", nil, "client_1", "late", "resolved", "no_action",
			"0", nil, nil, testNow, testNow, testNow, "ops_1"))

	err := store.UpdateDispute(context.Background(), d)
	assert.ErrorIs(t, err, ErrAlreadyClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetResolutionTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = 'resolved'")).
		WithArgs("dsp_1", "etx_2", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = 'resolved'")).
		WithArgs("dsp_open", "etx_3", testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.SetResolutionTransaction(context.Background(), "dsp_1", "etx_2", testNow))
	err := store.SetResolutionTransaction(context.Background(), "dsp_open", "etx_3", testNow)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetClaimByTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM insurance_claims WHERE transaction_id = $1")).
		WithArgs("etx_9").
		WillReturnRows(sqlmock.NewRows(claimCols).AddRow(
			"clm_1", "esc_1", nil, "client_1", "300.00", "takeover", "approved",
			"etx_9", "ops_1", nil, testNow, testNow))

	c, err := store.GetClaimByTransaction(context.Background(), "etx_9")
	require.NoError(t, err)
	assert.Equal(t, ClaimApproved, c.Status)
	assert.Empty(t, c.DisputeID)
	assert.Equal(t, "300", c.Amount.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateClaimNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE insurance_claims SET").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateClaim(context.Background(), &Claim{ID: "clm_missing", Status: ClaimReviewing})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
