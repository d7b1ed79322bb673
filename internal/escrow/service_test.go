package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workwise/escrowd/internal/alerting"
	"github.com/workwise/escrowd/internal/audit"
	"github.com/workwise/escrowd/internal/events"
	"github.com/workwise/escrowd/internal/ledger"
	"github.com/workwise/escrowd/internal/money"
	"github.com/workwise/escrowd/internal/rail"
	"github.com/workwise/escrowd/internal/retry"
)

type fixture struct {
	svc   *Service
	store *MemoryStore
	rail  *rail.FakeRail
	sink  *events.MemorySink
	pager *alerting.Recorder

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: NewMemoryStore(),
		rail:  rail.NewFakeRail(),
		sink:  &events.MemorySink{},
		pager: &alerting.Recorder{},
		now:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(f.store, f.rail).
		WithEvents(events.NewBus(16, logger).AddSync(f.sink)).
		WithPager(f.pager).
		WithLogger(logger).
		WithRetryPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}).
		WithClock(f.clock)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func fundRequest() FundRequest {
	return FundRequest{
		ProjectID:    "proj_1",
		ClientID:     "client_1",
		FreelancerID: "free_1",
		TotalAmount:  "1000.00",
		PlatformFee:  "50.00",
		Flags:        Flags{MilestoneBased: true},
		Milestones: []MilestoneSpec{
			{Title: "Design", Amount: "500.00"},
			{Title: "Build", Amount: "450.00"},
		},
	}
}

func (f *fixture) fund(t *testing.T, mod ...func(*FundRequest)) *Account {
	t.Helper()
	req := fundRequest()
	for _, m := range mod {
		m(&req)
	}
	acct, err := f.svc.Fund(context.Background(), req)
	require.NoError(t, err)
	return acct
}

// approved walks a milestone to approved.
func (f *fixture) approved(t *testing.T, milestoneID string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.StartMilestone(ctx, milestoneID)
	require.NoError(t, err)
	_, err = f.svc.SubmitMilestone(ctx, milestoneID, []string{"https://files.example/deliverable.zip"})
	require.NoError(t, err)
	_, err = f.svc.ApproveMilestone(ctx, milestoneID)
	require.NoError(t, err)
}

func (f *fixture) get(t *testing.T, id string) *Account {
	t.Helper()
	acct, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return acct
}

func (f *fixture) assertFoldMatches(t *testing.T, id string) {
	t.Helper()
	acct := f.get(t, id)
	available, err := f.svc.ComputeAvailable(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, acct.AvailableAmount.Equal(available),
		"stored %s, fold %s", acct.AvailableAmount, available)
}

func TestFund(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)

	assert.Equal(t, AccountActive, acct.Status)
	assert.Equal(t, "1000.00", money.Format(acct.AvailableAmount))
	assert.NotNil(t, acct.FundedAt)
	assert.NotEmpty(t, acct.PaymentReference)
	require.Len(t, acct.Milestones, 2)
	assert.Equal(t, "Design", acct.Milestones[0].Title)
	assert.Equal(t, MilestonePending, acct.Milestones[0].Status)
	assert.Equal(t, DefaultAutoApproveAfter, acct.AutoApproveAfter)
	assert.Equal(t, "free_1", acct.PayoutAccount)

	assert.Equal(t, 1, f.rail.CallCount("authorize"))
	assert.Equal(t, 1, f.rail.CallCount("capture"))

	txs, err := f.svc.ListTransactions(context.Background(), acct.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxDeposit, txs[0].Type)
	assert.Equal(t, ledger.TxCompleted, txs[0].Status)

	assert.Contains(t, f.sink.Types(), "account.created")
	assert.Contains(t, f.sink.Types(), "account.funded")
	f.assertFoldMatches(t, acct.ID)
}

func TestFundValidation(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*FundRequest)
		field string
	}{
		{"missing client", func(r *FundRequest) { r.ClientID = " " }, "clientId"},
		{"client is freelancer", func(r *FundRequest) { r.FreelancerID = r.ClientID }, "freelancerId"},
		{"zero total", func(r *FundRequest) { r.TotalAmount = "0" }, "totalAmount"},
		{"fee not below total", func(r *FundRequest) { r.PlatformFee = "1000.00" }, "platformFee"},
		{"bad protection level", func(r *FundRequest) { r.ProtectionLevel = "gold" }, "protectionLevel"},
		{"bad grace period", func(r *FundRequest) { r.AutoApproveAfter = "soon" }, "autoApproveAfter"},
		{"milestones without flag", func(r *FundRequest) { r.Flags.MilestoneBased = false }, "milestones"},
		{"milestone sum mismatch", func(r *FundRequest) { r.Milestones[1].Amount = "400.00" }, "milestones"},
		{"duplicate order index", func(r *FundRequest) {
			zero := 0
			r.Milestones[0].OrderIndex = &zero
			r.Milestones[1].OrderIndex = &zero
		}, "milestones[1].orderIndex"},
		{"non-positive milestone", func(r *FundRequest) { r.Milestones[0].Amount = "-1" }, "milestones[0].amount"},
		{"blank milestone title", func(r *FundRequest) { r.Milestones[1].Title = "" }, "milestones[1].title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := fundRequest()
			tt.mod(&req)

			acct, err := f.svc.Fund(context.Background(), req)
			require.Error(t, err)
			assert.Nil(t, acct)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Zero(t, f.rail.CallCount("authorize"))
		})
	}
}

func TestFundMilestoneSumWithinTolerance(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t, func(r *FundRequest) { r.Milestones[1].Amount = "449.99" })
	assert.Equal(t, AccountActive, acct.Status)
}

func TestFundWithoutMilestonesCreatesImplicitOne(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t, func(r *FundRequest) {
		r.Flags.MilestoneBased = false
		r.Milestones = nil
	})
	require.Len(t, acct.Milestones, 1)
	assert.Equal(t, "950.00", money.Format(acct.Milestones[0].Amount))
}

func TestFundOrdersMilestonesByIndex(t *testing.T) {
	f := newFixture(t)
	first, second := 1, 0
	acct := f.fund(t, func(r *FundRequest) {
		r.Milestones[0].OrderIndex = &first
		r.Milestones[1].OrderIndex = &second
	})
	assert.Equal(t, "Build", acct.Milestones[0].Title)
	assert.Equal(t, "Design", acct.Milestones[1].Title)
}

func TestFundDepositPendingUntilConfirmed(t *testing.T) {
	f := newFixture(t)
	f.rail.HoldPending("authorize", true)

	acct := f.fund(t)
	assert.Equal(t, AccountPending, acct.Status)
	assert.True(t, acct.AvailableAmount.IsZero())
	assert.Zero(t, f.rail.CallCount("capture"))

	txs, err := f.svc.ListTransactions(context.Background(), acct.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxProcessing, txs[0].Status)
	ref := txs[0].RailReference
	require.NotEmpty(t, ref)

	// Milestones cannot move before the money arrives.
	_, err = f.svc.StartMilestone(context.Background(), acct.Milestones[0].ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	tx, err := f.svc.ConfirmRail(context.Background(), rail.Confirmation{EventID: "evt_1", Reference: ref, Succeeded: true})
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCompleted, tx.Status)

	acct = f.get(t, acct.ID)
	assert.Equal(t, AccountActive, acct.Status)
	assert.Equal(t, "1000.00", money.Format(acct.AvailableAmount))

	// A duplicate webhook changes nothing.
	_, err = f.svc.ConfirmRail(context.Background(), rail.Confirmation{EventID: "evt_1", Reference: ref, Succeeded: true})
	require.NoError(t, err)
	assert.Equal(t, "1000.00", money.Format(f.get(t, acct.ID).AvailableAmount))
	assert.Empty(t, f.pager.Alerts())
}

func TestFundDepositDeclined(t *testing.T) {
	f := newFixture(t)
	f.rail.Decline("authorize", "card_declined")

	acct, err := f.svc.Fund(context.Background(), fundRequest())
	var railErr *ExternalRailError
	require.ErrorAs(t, err, &railErr)
	require.NotNil(t, acct)
	assert.Equal(t, AccountPending, acct.Status)
	assert.True(t, acct.AvailableAmount.IsZero())
	assert.Equal(t, []string{alerting.KindRailFailure}, f.pager.Kinds())

	// An unfunded account can be cancelled.
	acct, err = f.svc.CancelAccount(context.Background(), acct.ID, "card declined")
	require.NoError(t, err)
	assert.Equal(t, AccountCancelled, acct.Status)
}

func TestMilestoneLifecycle(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	ctx := context.Background()
	msID := acct.Milestones[0].ID

	_, err := f.svc.SubmitMilestone(ctx, msID, []string{"draft"})
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot submit before starting")

	ms, err := f.svc.StartMilestone(ctx, msID)
	require.NoError(t, err)
	assert.Equal(t, MilestoneInProgress, ms.Status)
	assert.NotNil(t, ms.StartedAt)

	_, err = f.svc.SubmitMilestone(ctx, msID, []string{"  "})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "deliverables[0]", ve.Field)

	ms, err = f.svc.SubmitMilestone(ctx, msID, []string{" https://files.example/v1.zip "})
	require.NoError(t, err)
	assert.Equal(t, MilestoneCompleted, ms.Status)
	assert.Equal(t, []string{"https://files.example/v1.zip"}, ms.Deliverables)
	assert.Nil(t, ms.AutoApproveAt, "automatic release is off")

	ms, err = f.svc.ApproveMilestone(ctx, msID)
	require.NoError(t, err)
	assert.Equal(t, MilestoneApproved, ms.Status)

	_, err = f.svc.ApproveMilestone(ctx, msID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.StartMilestone(ctx, "ms_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Subset(t, f.sink.Types(), []string{"milestone.started", "milestone.submitted", "milestone.approved"})
}

func TestReleaseScenario(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	ctx := context.Background()
	msID := acct.Milestones[0].ID
	f.approved(t, msID)

	tx, err := f.svc.ReleaseMilestone(ctx, ReleaseRequest{MilestoneID: msID})
	require.NoError(t, err)
	assert.Equal(t, ledger.TxRelease, tx.Type)
	assert.Equal(t, ledger.TxCompleted, tx.Status)
	assert.Equal(t, "500.00", money.Format(tx.Amount))

	acct = f.get(t, acct.ID)
	assert.Equal(t, "500.00", money.Format(acct.AvailableAmount))
	assert.Equal(t, MilestoneReleased, acct.Milestone(msID).Status)
	assert.Equal(t, AccountActive, acct.Status)

	// Releasing again moves no money and hands back the original.
	again, err := f.svc.ReleaseMilestone(ctx, ReleaseRequest{MilestoneID: msID})
	assert.ErrorIs(t, err, ErrAlreadyReleased)
	require.NotNil(t, again)
	assert.Equal(t, tx.ID, again.ID)
	assert.Equal(t, "500.00", money.Format(f.get(t, acct.ID).AvailableAmount))
	assert.Equal(t, 1, f.rail.CallCount("transfer"))

	f.assertFoldMatches(t, acct.ID)
}

func TestReleaseRequiresApproval(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)

	_, err := f.svc.ReleaseMilestone(context.Background(), ReleaseRequest{MilestoneID: acct.Milestones[0].ID})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Zero(t, f.rail.CallCount("transfer"))
}

func TestReleaseAmountMustMatch(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	msID := acct.Milestones[0].ID
	f.approved(t, msID)

	_, err := f.svc.ReleaseMilestone(context.Background(), ReleaseRequest{MilestoneID: msID, Amount: "499.00"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "amount", ve.Field)

	tx, err := f.svc.ReleaseMilestone(context.Background(), ReleaseRequest{MilestoneID: msID, Amount: "500"})
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCompleted, tx.Status)
}

func TestFullLifecycleCompletesAccount(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	ctx := context.Background()

	for _, ms := range acct.Milestones {
		f.approved(t, ms.ID)
		_, err := f.svc.ReleaseMilestone(ctx, ReleaseRequest{MilestoneID: ms.ID})
		require.NoError(t, err)
	}

	acct = f.get(t, acct.ID)
	assert.Equal(t, AccountCompleted, acct.Status)
	assert.True(t, acct.AvailableAmount.IsZero())
	assert.NotNil(t, acct.CompletedAt)

	txs, err := f.svc.ListTransactions(ctx, acct.ID)
	require.NoError(t, err)
	bal := ledger.Fold(txs)
	assert.Equal(t, "1000.00", money.Format(bal.Deposited))
	assert.Equal(t, "950.00", money.Format(bal.Released))
	assert.Equal(t, "50.00", money.Format(bal.Fees))
	assert.True(t, bal.Available.IsZero())
	assert.Contains(t, f.sink.Types(), "account.completed")
}

func TestReleaseRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	msID := acct.Milestones[0].ID
	f.approved(t, msID)
	f.rail.FailNext("transfer", &rail.Error{Op: "transfer", Transient: true, Err: errors.New("connection reset")})

	tx, err := f.svc.ReleaseMilestone(context.Background(), ReleaseRequest{MilestoneID: msID})
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCompleted, tx.Status)
	assert.Equal(t, 2, tx.Attempts)
	assert.Equal(t, 2, f.rail.CallCount("transfer"))
	assert.Empty(t, f.pager.Alerts())
}

func TestReleaseFailureLeavesMilestoneApproved(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	msID := acct.Milestones[0].ID
	f.approved(t, msID)
	f.rail.Decline("transfer", "account_closed")

	tx, err := f.svc.ReleaseMilestone(context.Background(), ReleaseRequest{MilestoneID: msID})
	var railErr *ExternalRailError
	require.ErrorAs(t, err, &railErr)
	require.NotNil(t, tx)
	assert.Equal(t, ledger.TxFailed, tx.Status)
	assert.NotEmpty(t, tx.FailureReason)
	assert.Equal(t, 1, f.rail.CallCount("transfer"), "declines are not retried")

	acct = f.get(t, acct.ID)
	assert.Equal(t, MilestoneApproved, acct.Milestone(msID).Status)
	assert.Equal(t, "1000.00", money.Format(acct.AvailableAmount))
	assert.Equal(t, []string{alerting.KindRailFailure}, f.pager.Kinds())

	// The milestone can be released again once the rail recovers.
	tx, err = f.svc.ReleaseMilestone(context.Background(), ReleaseRequest{MilestoneID: msID})
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCompleted, tx.Status)
	f.assertFoldMatches(t, acct.ID)
}

func TestConcurrentReleasesMoveMoneyOnce(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	msID := acct.Milestones[0].ID
	f.approved(t, msID)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
		others    []error
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := f.svc.ReleaseMilestone(context.Background(), ReleaseRequest{MilestoneID: msID})
			mu.Lock()
			defer mu.Unlock()
			if err == nil && tx.Status == ledger.TxCompleted {
				completed++
				return
			}
			others = append(others, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, completed)
	for _, err := range others {
		assert.True(t, errors.Is(err, ErrAlreadyReleased) || errors.Is(err, ErrReleaseInFlight), "unexpected error %v", err)
	}
	assert.Equal(t, 1, f.rail.CallCount("transfer"))
	assert.Equal(t, "500.00", money.Format(f.get(t, acct.ID).AvailableAmount))
	f.assertFoldMatches(t, acct.ID)
}

func TestDisputeOnReleasedMilestoneRejected(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	msID := acct.Milestones[0].ID
	f.approved(t, msID)
	_, err := f.svc.ReleaseMilestone(context.Background(), ReleaseRequest{MilestoneID: msID})
	require.NoError(t, err)

	_, err = f.svc.MarkDisputed(context.Background(), acct.ID, msID)
	assert.ErrorIs(t, err, ErrMilestoneReleased)

	acct = f.get(t, acct.ID)
	assert.Equal(t, AccountActive, acct.Status)
	assert.Zero(t, acct.OpenDisputes)
}

func TestDisputeBlocksApprovalAndRelease(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	ctx := context.Background()
	msID := acct.Milestones[0].ID
	_, err := f.svc.StartMilestone(ctx, msID)
	require.NoError(t, err)
	_, err = f.svc.SubmitMilestone(ctx, msID, []string{"v1"})
	require.NoError(t, err)

	acct, err = f.svc.MarkDisputed(ctx, acct.ID, msID)
	require.NoError(t, err)
	assert.Equal(t, AccountDisputed, acct.Status)
	assert.Equal(t, 1, acct.OpenDisputes)
	assert.Equal(t, MilestoneDisputed, acct.Milestone(msID).Status)

	_, err = f.svc.ApproveMilestone(ctx, msID)
	assert.ErrorIs(t, err, ErrDisputeOpen)
	_, err = f.svc.ReleaseMilestone(ctx, ReleaseRequest{MilestoneID: msID})
	assert.ErrorIs(t, err, ErrDisputeOpen)

	// The other milestone cannot advance while the account is disputed.
	_, err = f.svc.StartMilestone(ctx, acct.Milestones[1].ID)
	assert.ErrorIs(t, err, ErrDisputeOpen)
}

func disputed(t *testing.T, f *fixture) (*Account, string) {
	t.Helper()
	acct := f.fund(t)
	msID := acct.Milestones[0].ID
	acct, err := f.svc.MarkDisputed(context.Background(), acct.ID, msID)
	require.NoError(t, err)
	return acct, msID
}

func TestPartialRefundScenario(t *testing.T) {
	f := newFixture(t)
	acct, msID := disputed(t, f)

	tx, err := f.svc.ApplyResolution(context.Background(), ResolutionRequest{
		AccountID:   acct.ID,
		MilestoneID: msID,
		DisputeID:   "dsp_1",
		Resolution:  ResolutionPartialRefund,
		Amount:      decimal.RequireFromString("200"),
	})
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, ledger.TxRefund, tx.Type)
	assert.Equal(t, ledger.TxCompleted, tx.Status)
	assert.Equal(t, "200.00", money.Format(tx.Amount))

	acct = f.get(t, acct.ID)
	assert.Equal(t, "800.00", money.Format(acct.AvailableAmount))
	ms := acct.Milestone(msID)
	assert.Equal(t, MilestoneDisputed, ms.Status)
	assert.Equal(t, "200.00", money.Format(ms.RefundedAmount))
	assert.Equal(t, "300.00", money.Format(ms.Remaining()))
	assert.Zero(t, acct.OpenDisputes)
	assert.Equal(t, AccountActive, acct.Status)

	txs, err := f.svc.ListTransactions(context.Background(), acct.ID)
	require.NoError(t, err)
	refunds := 0
	for _, tx := range txs {
		if tx.Type == ledger.TxRefund {
			refunds++
		}
	}
	assert.Equal(t, 1, refunds)
	assert.Equal(t, 1, f.rail.CallCount("refund"))
	f.assertFoldMatches(t, acct.ID)
}

func TestRefundRemainderAfterPartialRefund(t *testing.T) {
	f := newFixture(t)
	acct, msID := disputed(t, f)
	ctx := context.Background()

	_, err := f.svc.ApplyResolution(ctx, ResolutionRequest{
		AccountID: acct.ID, MilestoneID: msID, DisputeID: "dsp_1",
		Resolution: ResolutionPartialRefund, Amount: decimal.RequireFromString("200"),
	})
	require.NoError(t, err)

	// The milestone stays disputed with nothing open on it.
	_, err = f.svc.ReleaseMilestone(ctx, ReleaseRequest{MilestoneID: msID})
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "invalid_state", ErrorCode(err))

	acct, err = f.svc.MarkDisputed(ctx, acct.ID, msID)
	require.NoError(t, err)
	assert.Equal(t, 1, acct.OpenDisputes)
	assert.Equal(t, AccountDisputed, acct.Status)

	tx, err := f.svc.ApplyResolution(ctx, ResolutionRequest{
		AccountID: acct.ID, MilestoneID: msID, DisputeID: "dsp_2",
		Resolution: ResolutionFreelancerFavor,
	})
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, ledger.TxRelease, tx.Type)
	assert.Equal(t, "300.00", money.Format(tx.Amount))
	assert.Equal(t, ledger.TxCompleted, tx.Status)

	acct = f.get(t, acct.ID)
	assert.Equal(t, MilestoneReleased, acct.Milestone(msID).Status)
	assert.Equal(t, "500.00", money.Format(acct.AvailableAmount))

	second := acct.Milestones[1].ID
	f.approved(t, second)
	_, err = f.svc.ReleaseMilestone(ctx, ReleaseRequest{MilestoneID: second})
	require.NoError(t, err)

	acct = f.get(t, acct.ID)
	assert.Equal(t, AccountCompleted, acct.Status)
	assert.True(t, acct.AvailableAmount.IsZero())
	f.assertFoldMatches(t, acct.ID)
}

func TestDisputeRejectedOnceMilestoneFullyRefunded(t *testing.T) {
	f := newFixture(t)
	acct, msID := disputed(t, f)
	ctx := context.Background()

	_, err := f.svc.ApplyResolution(ctx, ResolutionRequest{
		AccountID: acct.ID, MilestoneID: msID, Resolution: ResolutionClientFavor,
	})
	require.NoError(t, err)

	_, err = f.svc.MarkDisputed(ctx, acct.ID, msID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Zero(t, f.get(t, acct.ID).OpenDisputes)
}

func TestRetryFailedResolutionRefund(t *testing.T) {
	f := newFixture(t)
	acct, msID := disputed(t, f)
	ctx := context.Background()
	f.rail.Decline("refund", "charge_disputed")

	failed, err := f.svc.ApplyResolution(ctx, ResolutionRequest{
		AccountID: acct.ID, MilestoneID: msID, DisputeID: "dsp_1",
		Resolution: ResolutionPartialRefund, Amount: decimal.RequireFromString("200"),
	})
	var railErr *ExternalRailError
	require.ErrorAs(t, err, &railErr)
	require.NotNil(t, failed)
	assert.Equal(t, ledger.TxFailed, failed.Status)

	acct = f.get(t, acct.ID)
	assert.Equal(t, "1000.00", money.Format(acct.AvailableAmount))
	assert.True(t, acct.Milestone(msID).RefundedAmount.IsZero())

	tx, err := f.svc.RetryTransaction(ctx, failed.ID, "")
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, tx.ID)
	assert.NotEqual(t, failed.IdempotencyKey, tx.IdempotencyKey)
	assert.Equal(t, ledger.TxRefund, tx.Type)
	assert.Equal(t, ledger.TxCompleted, tx.Status)
	assert.Equal(t, "200.00", money.Format(tx.Amount))
	assert.Equal(t, msID, tx.MilestoneID)

	acct = f.get(t, acct.ID)
	assert.Equal(t, "800.00", money.Format(acct.AvailableAmount))
	assert.Equal(t, "200.00", money.Format(acct.Milestone(msID).RefundedAmount))
	assert.Equal(t, 2, f.rail.CallCount("refund"))
	f.assertFoldMatches(t, acct.ID)

	// A failure is retried once.
	_, err = f.svc.RetryTransaction(ctx, failed.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.RetryTransaction(ctx, tx.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 2, f.rail.CallCount("refund"))
}

func TestRetryFailedRetry(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	msID := acct.Milestones[0].ID
	f.approved(t, msID)
	ctx := context.Background()
	f.rail.Decline("transfer", "account_closed")
	f.rail.Decline("transfer", "account_closed")

	first, err := f.svc.ReleaseMilestone(ctx, ReleaseRequest{MilestoneID: msID})
	require.Error(t, err)
	second, err := f.svc.RetryTransaction(ctx, first.ID, "")
	require.Error(t, err)
	require.NotNil(t, second)
	assert.Equal(t, ledger.TxFailed, second.Status)

	_, err = f.svc.RetryTransaction(ctx, first.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	third, err := f.svc.RetryTransaction(ctx, second.ID, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCompleted, third.Status)
	assert.Equal(t, MilestoneReleased, f.get(t, acct.ID).Milestone(msID).Status)
	f.assertFoldMatches(t, acct.ID)
}

func TestRetryTransactionRejections(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	ctx := context.Background()

	_, err := f.svc.RetryTransaction(ctx, "etx_missing", "")
	assert.ErrorIs(t, err, ErrNotFound)

	txs, err := f.svc.ListTransactions(ctx, acct.ID)
	require.NoError(t, err)
	require.NotEmpty(t, txs)
	_, err = f.svc.RetryTransaction(ctx, txs[0].ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed deposits are not retried")

	msID := acct.Milestones[0].ID
	f.approved(t, msID)
	f.rail.Decline("transfer", "account_closed")
	failed, err := f.svc.ReleaseMilestone(ctx, ReleaseRequest{MilestoneID: msID})
	require.Error(t, err)
	_, err = f.svc.ReleaseMilestone(ctx, ReleaseRequest{MilestoneID: msID})
	require.NoError(t, err)

	// Released through another path in the meantime.
	_, err = f.svc.RetryTransaction(ctx, failed.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Freeze(ctx, acct.ID, "review", "manual")
	require.NoError(t, err)
	_, err = f.svc.RetryTransaction(ctx, failed.ID, "")
	assert.ErrorIs(t, err, ErrAccountFrozen)
	assert.Equal(t, 2, f.rail.CallCount("transfer"))
}

func TestResolutionOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		resolution Resolution
		amount     string
		wantTx     ledger.TxType
		wantAmount string
		wantStatus MilestoneStatus
		available  string
	}{
		{"client favor refunds the milestone", ResolutionClientFavor, "", ledger.TxRefund, "500.00", MilestoneDisputed, "500.00"},
		{"full refund defaults to the milestone", ResolutionFullRefund, "", ledger.TxRefund, "500.00", MilestoneDisputed, "500.00"},
		{"freelancer favor releases", ResolutionFreelancerFavor, "", ledger.TxRelease, "500.00", MilestoneReleased, "500.00"},
		{"no action reopens approval", ResolutionNoAction, "", "", "", MilestoneApproved, "1000.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			acct, msID := disputed(t, f)
			req := ResolutionRequest{AccountID: acct.ID, MilestoneID: msID, Resolution: tt.resolution}
			if tt.amount != "" {
				req.Amount = decimal.RequireFromString(tt.amount)
			}

			tx, err := f.svc.ApplyResolution(context.Background(), req)
			require.NoError(t, err)
			if tt.wantTx == "" {
				assert.Nil(t, tx)
			} else {
				require.NotNil(t, tx)
				assert.Equal(t, tt.wantTx, tx.Type)
				assert.Equal(t, tt.wantAmount, money.Format(tx.Amount))
			}

			acct = f.get(t, acct.ID)
			assert.Equal(t, tt.wantStatus, acct.Milestone(msID).Status)
			assert.Equal(t, tt.available, money.Format(acct.AvailableAmount))
			assert.Equal(t, AccountActive, acct.Status)
			f.assertFoldMatches(t, acct.ID)
		})
	}
}

func TestResolutionRejectsExcessAmount(t *testing.T) {
	f := newFixture(t)
	acct, msID := disputed(t, f)

	_, err := f.svc.ApplyResolution(context.Background(), ResolutionRequest{
		AccountID: acct.ID, MilestoneID: msID,
		Resolution: ResolutionPartialRefund, Amount: decimal.RequireFromString("600"),
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = f.svc.ApplyResolution(context.Background(), ResolutionRequest{
		AccountID: acct.ID, MilestoneID: msID, Resolution: ResolutionPartialRefund,
	})
	require.ErrorAs(t, err, &ve)

	acct = f.get(t, acct.ID)
	assert.Equal(t, 1, acct.OpenDisputes, "a rejected resolution leaves the dispute open")
	assert.Zero(t, f.rail.CallCount("refund"))
}

func TestRefundAfterReleaseCompletesAccount(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	ctx := context.Background()
	f.approved(t, acct.Milestones[0].ID)
	_, err := f.svc.ReleaseMilestone(ctx, ReleaseRequest{MilestoneID: acct.Milestones[0].ID})
	require.NoError(t, err)

	second := acct.Milestones[1].ID
	_, err = f.svc.MarkDisputed(ctx, acct.ID, second)
	require.NoError(t, err)
	_, err = f.svc.ApplyResolution(ctx, ResolutionRequest{AccountID: acct.ID, MilestoneID: second, Resolution: ResolutionClientFavor})
	require.NoError(t, err)

	acct = f.get(t, acct.ID)
	assert.Equal(t, AccountCompleted, acct.Status)
	assert.True(t, acct.AvailableAmount.IsZero())
	f.assertFoldMatches(t, acct.ID)
}

func TestReconcileMismatchFreezes(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	ctx := context.Background()

	result, err := f.svc.Reconcile(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, result.Match)

	// Corrupt the stored balance behind the service's back.
	stored, err := f.store.Get(ctx, acct.ID)
	require.NoError(t, err)
	stored.AvailableAmount = stored.AvailableAmount.Add(decimal.NewFromInt(25))
	require.NoError(t, f.store.Commit(ctx, &Mutation{Account: stored, ExpectedVersion: stored.Version}))

	result, err = f.svc.Reconcile(ctx, acct.ID)
	var violation *InvariantViolation
	require.ErrorAs(t, err, &violation)
	assert.False(t, result.Match)
	assert.Equal(t, "1000.00", money.Format(violation.Expected))
	assert.Equal(t, "1025.00", money.Format(violation.Actual))
	assert.Equal(t, []string{alerting.KindInvariantViolation}, f.pager.Kinds())

	acct = f.get(t, acct.ID)
	assert.True(t, acct.Frozen)
	assert.Equal(t, AccountDisputed, acct.Status)
	assert.Equal(t, "1025.00", money.Format(acct.AvailableAmount), "nothing is corrected automatically")

	_, err = f.svc.StartMilestone(ctx, acct.Milestones[0].ID)
	assert.ErrorIs(t, err, ErrAccountFrozen)
}

func TestFreezeAndUnfreeze(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	ctx := context.Background()

	acct, err := f.svc.Freeze(ctx, acct.ID, "manual review", "manual")
	require.NoError(t, err)
	assert.True(t, acct.Frozen)
	assert.Equal(t, AccountDisputed, acct.Status)

	_, err = f.svc.StartMilestone(ctx, acct.Milestones[0].ID)
	assert.ErrorIs(t, err, ErrAccountFrozen)

	acct, err = f.svc.Unfreeze(ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, acct.Frozen)
	assert.Equal(t, AccountActive, acct.Status)
	assert.Subset(t, f.sink.Types(), []string{"account.frozen", "account.unfrozen"})
}

func TestUnfreezeKeepsOpenDispute(t *testing.T) {
	f := newFixture(t)
	acct, _ := disputed(t, f)
	ctx := context.Background()

	_, err := f.svc.Freeze(ctx, acct.ID, "fraud rule", "fraud")
	require.NoError(t, err)
	acct, err = f.svc.Unfreeze(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, AccountDisputed, acct.Status)
}

func TestExpireStaleAndLateConfirmation(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	ctx := context.Background()
	msID := acct.Milestones[0].ID
	f.approved(t, msID)
	f.rail.HoldPending("transfer", true)

	tx, err := f.svc.ReleaseMilestone(ctx, ReleaseRequest{MilestoneID: msID})
	require.NoError(t, err)
	assert.Equal(t, ledger.TxProcessing, tx.Status)
	ref := tx.RailReference

	// A second release waits on the first.
	_, err = f.svc.ReleaseMilestone(ctx, ReleaseRequest{MilestoneID: msID})
	assert.ErrorIs(t, err, ErrReleaseInFlight)

	n, err := f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not stale yet")

	f.advance(DefaultPendingTimeout + time.Minute)
	n, err = f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, f.pager.Kinds(), alerting.KindPendingTimeout)

	got, err := f.svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxFailed, got.Status)
	assert.Equal(t, MilestoneApproved, f.get(t, acct.ID).Milestone(msID).Status)

	// The rail then reports the transfer went through.
	got, err = f.svc.ConfirmRail(ctx, rail.Confirmation{Reference: ref, Succeeded: true})
	require.NoError(t, err)
	assert.Equal(t, ledger.TxFailed, got.Status, "terminal transactions never move")
	assert.Contains(t, f.pager.Kinds(), alerting.KindLateConfirmation)
	assert.Equal(t, "1000.00", money.Format(f.get(t, acct.ID).AvailableAmount))
}

func TestConfirmRailUnknownReference(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ConfirmRail(context.Background(), rail.Confirmation{Reference: "tr_unknown", Succeeded: true})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelAccountRequiresUnfunded(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)

	_, err := f.svc.CancelAccount(context.Background(), acct.ID, "changed my mind")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelTransaction(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	ctx := context.Background()

	txs, err := f.svc.ListTransactions(ctx, acct.ID)
	require.NoError(t, err)
	_, err = f.svc.CancelTransaction(ctx, txs[0].ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed transactions cannot be cancelled")

	_, err = f.svc.CancelTransaction(ctx, "etx_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsuranceClaimPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plain := f.fund(t)
	_, err := f.svc.PayInsuranceClaim(ctx, InsurancePayout{AccountID: plain.ID, ClaimID: "clm_1", Destination: "acct_client", Amount: decimal.NewFromInt(100)})
	assert.ErrorIs(t, err, ErrInsuranceNotEnabled)

	insured := f.fund(t, func(r *FundRequest) { r.Flags.FraudInsurance = true })
	tx, err := f.svc.PayInsuranceClaim(ctx, InsurancePayout{AccountID: insured.ID, ClaimID: "clm_2", Destination: "acct_client", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.Equal(t, ledger.TxInsuranceClaim, tx.Type)
	assert.Equal(t, ledger.TxCompleted, tx.Status)

	// Escrowed funds are untouched.
	assert.Equal(t, "1000.00", money.Format(f.get(t, insured.ID).AvailableAmount))
	f.assertFoldMatches(t, insured.ID)
}

func TestUpdateRiskScoreClamps(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)

	acct, err := f.svc.UpdateRiskScore(context.Background(), acct.ID, 1.7)
	require.NoError(t, err)
	assert.Equal(t, 1.0, acct.RiskScore)

	acct, err = f.svc.UpdateRiskScore(context.Background(), acct.ID, 0.456)
	require.NoError(t, err)
	assert.Equal(t, 0.46, acct.RiskScore)
}

func TestEventsCarryActor(t *testing.T) {
	f := newFixture(t)
	acct := f.fund(t)
	ctx := audit.WithActor(context.Background(), audit.ActorFreelancer, "free_1")

	_, err := f.svc.StartMilestone(ctx, acct.Milestones[0].ID)
	require.NoError(t, err)

	evs := f.sink.Events()
	last := evs[len(evs)-1]
	assert.Equal(t, "milestone.started", last.Type())
	assert.Equal(t, audit.ActorFreelancer, last.ActorType)
	assert.Equal(t, "free_1", last.UserID)
	assert.Equal(t, acct.ID, last.AccountID)
	assert.NotEmpty(t, last.Before)
	assert.NotEmpty(t, last.After)
}

func TestListFilters(t *testing.T) {
	f := newFixture(t)
	f.fund(t)
	f.fund(t, func(r *FundRequest) { r.ClientID = "client_2" })

	all, err := f.svc.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := f.svc.List(context.Background(), ListFilter{ClientID: "client_2"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "client_2", mine[0].ClientID)
}
