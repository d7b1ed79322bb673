package fraud

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workwise/escrowd/internal/alerting"
	"github.com/workwise/escrowd/internal/escrow"
	"github.com/workwise/escrowd/internal/events"
	"github.com/workwise/escrowd/internal/rail"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type engineFixture struct {
	engine  *Engine
	store   *MemoryStore
	signals *MemorySignalStore
	escrow  *escrow.Service
	sink    *events.MemorySink
	pager   *alerting.Recorder
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &engineFixture{
		store:   NewMemoryStore(),
		signals: NewMemorySignalStore(),
		escrow:  escrow.NewService(escrow.NewMemoryStore(), rail.NewFakeRail()).WithLogger(logger),
		sink:    &events.MemorySink{},
		pager:   &alerting.Recorder{},
	}
	f.engine = NewEngine(f.store, f.signals, f.escrow).
		WithEvents(f.sink).
		WithPager(f.pager).
		WithClock(func() time.Time { return testNow })
	return f
}

func (f *engineFixture) fundAccount(t *testing.T) *escrow.Account {
	t.Helper()
	acct, err := f.escrow.Fund(context.Background(), escrow.FundRequest{
		ProjectID:    "proj_1",
		ClientID:     "client_1",
		FreelancerID: "free_1",
		TotalAmount:  "1000.00",
		Flags:        escrow.Flags{MilestoneBased: true},
		Milestones:   []escrow.MilestoneSpec{{Title: "Design", Amount: "1000.00"}},
	})
	require.NoError(t, err)
	require.Equal(t, escrow.AccountActive, acct.Status)
	return acct
}

func (f *engineFixture) rule(t *testing.T, r *Rule) *Rule {
	t.Helper()
	created, err := f.engine.CreateRule(context.Background(), r)
	require.NoError(t, err)
	return created
}

func scoreRule(severity Severity) *Rule {
	return &Rule{
		Name:        "composite score",
		Type:        RuleThreshold,
		Conditions:  []Condition{{Field: SignalTransactionScore, Operator: OpGTE, Value: 0.80}},
		Severity:    severity,
		Composition: ComposeMax,
		Enabled:     true,
	}
}

func always(name string, typ RuleType, score float64, comp Composition, priority int) *Rule {
	return &Rule{
		Name:        name,
		Type:        typ,
		Conditions:  []Condition{{Field: SignalActionCount, Operator: OpGTE, Value: 1}},
		Priority:    priority,
		RiskScore:   score,
		Severity:    SeverityMedium,
		Composition: comp,
		Enabled:     true,
	}
}

func scored(userID, accountID string, score float64) Activity {
	return Activity{
		Type:      "transaction.created",
		UserID:    userID,
		AccountID: accountID,
		Observed:  map[string]float64{SignalTransactionScore: score},
		At:        testNow,
	}
}

func TestCriticalRuleFreezesAccount(t *testing.T) {
	f := newEngineFixture(t)
	acct := f.fundAccount(t)
	rule := f.rule(t, scoreRule(SeverityCritical))
	ctx := context.Background()

	eval, err := f.engine.Assess(ctx, scored("client_1", acct.ID, 0.85))
	require.NoError(t, err)

	assert.Equal(t, 0.85, eval.Score)
	require.NotNil(t, eval.Alert)
	assert.Equal(t, rule.ID, eval.Alert.RuleID)
	assert.Equal(t, SeverityCritical, eval.Alert.Severity)
	assert.Equal(t, AlertActive, eval.Alert.Status)
	assert.Equal(t, ActionFreeze, eval.Alert.ActionTaken)
	assert.Equal(t, "0.85", eval.Alert.Evidence[SignalTransactionScore])

	require.NotNil(t, eval.Case)
	assert.Equal(t, 85.0, eval.Case.FraudScore)
	assert.Equal(t, []string{eval.Alert.ID}, eval.Case.AlertIDs)
	assert.Equal(t, eval.Case.ID, eval.Alert.CaseID)

	got, err := f.escrow.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.AccountDisputed, got.Status)
	assert.True(t, got.Frozen)
	assert.Equal(t, 0.85, got.RiskScore)

	assert.Contains(t, f.pager.Kinds(), alerting.KindFraudFreeze)
	assert.Contains(t, f.sink.Types(), "fraud_alert.created")
	assert.Contains(t, f.sink.Types(), "fraud_case.opened")
}

func TestHighRuleAlertsWithoutFreezing(t *testing.T) {
	f := newEngineFixture(t)
	acct := f.fundAccount(t)
	f.rule(t, scoreRule(SeverityHigh))
	ctx := context.Background()

	eval, err := f.engine.Assess(ctx, scored("client_1", acct.ID, 0.85))
	require.NoError(t, err)
	require.NotNil(t, eval.Alert)
	assert.Equal(t, SeverityHigh, eval.Alert.Severity)
	assert.Equal(t, ActionNone, eval.Alert.ActionTaken)

	got, err := f.escrow.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.AccountActive, got.Status)
	assert.False(t, got.Frozen)
	assert.Equal(t, 0.85, got.RiskScore)
	assert.Empty(t, f.pager.Alerts())
}

func TestBelowThresholdRaisesNothing(t *testing.T) {
	f := newEngineFixture(t)
	acct := f.fundAccount(t)
	f.rule(t, &Rule{
		Name:        "soft score",
		Type:        RuleThreshold,
		Conditions:  []Condition{{Field: SignalTransactionScore, Operator: OpGTE, Value: 0.3}},
		Severity:    SeverityCritical,
		Composition: ComposeMax,
		Enabled:     true,
	})

	eval, err := f.engine.Assess(context.Background(), scored("client_1", acct.ID, 0.5))
	require.NoError(t, err)
	assert.Equal(t, 0.5, eval.Score)
	assert.Len(t, eval.Matches, 1)
	assert.Nil(t, eval.Alert)

	alerts, err := f.store.ListAlerts(context.Background(), AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestFirstMatchPerRuleTypeWins(t *testing.T) {
	f := newEngineFixture(t)
	first := f.rule(t, always("low first", RuleThreshold, 0.3, ComposeMax, 1))
	f.rule(t, always("high second", RuleThreshold, 0.9, ComposeMax, 2))

	eval, err := f.engine.Assess(context.Background(), Activity{UserID: "u1", At: testNow})
	require.NoError(t, err)
	require.Len(t, eval.Matches, 1)
	assert.Equal(t, first.ID, eval.Matches[0].RuleID)
	assert.Equal(t, 0.3, eval.Score)
	assert.Nil(t, eval.Alert)
}

func TestMaxPlusAdditiveAggregation(t *testing.T) {
	f := newEngineFixture(t)
	f.rule(t, always("threshold", RuleThreshold, 0.5, ComposeMax, 1))
	velocity := f.rule(t, always("velocity", RuleVelocity, 0.6, ComposeMax, 2))
	f.rule(t, always("pattern", RulePattern, 0.15, ComposeAdditive, 3))
	f.rule(t, always("behavioral", RuleBehavioral, 0.1, ComposeAdditive, 4))

	eval, err := f.engine.Assess(context.Background(), Activity{UserID: "u1", At: testNow})
	require.NoError(t, err)
	assert.Len(t, eval.Matches, 4)
	assert.Equal(t, 0.85, eval.Score)
	require.NotNil(t, eval.Alert)
	assert.Equal(t, velocity.ID, eval.Alert.RuleID, "dominant rule has the highest contribution")
}

func TestAggregateIsClamped(t *testing.T) {
	f := newEngineFixture(t)
	f.rule(t, always("pattern", RulePattern, 0.7, ComposeAdditive, 1))
	f.rule(t, always("behavioral", RuleBehavioral, 0.6, ComposeAdditive, 2))

	eval, err := f.engine.Assess(context.Background(), Activity{UserID: "u1", At: testNow})
	require.NoError(t, err)
	assert.Equal(t, 1.0, eval.Score)
}

func TestDisabledAndUnobservedRulesDoNotMatch(t *testing.T) {
	f := newEngineFixture(t)
	disabled := always("off", RuleThreshold, 0.9, ComposeMax, 1)
	disabled.Enabled = false
	f.rule(t, disabled)
	f.rule(t, &Rule{
		Name:        "fast milestone",
		Type:        RuleBehavioral,
		Conditions:  []Condition{{Field: SignalMilestoneCompletionSeconds, Operator: OpLT, Value: 60}},
		RiskScore:   0.9,
		Severity:    SeverityHigh,
		Composition: ComposeMax,
		Enabled:     true,
	})

	eval, err := f.engine.Assess(context.Background(), Activity{UserID: "u1", At: testNow})
	require.NoError(t, err)
	assert.Empty(t, eval.Matches)
	assert.Zero(t, eval.Score)

	eval, err = f.engine.Assess(context.Background(), Activity{UserID: "u1", CompletionSeconds: 12, At: testNow})
	require.NoError(t, err)
	assert.Equal(t, 0.9, eval.Score)
}

func TestVelocityWindow(t *testing.T) {
	f := newEngineFixture(t)
	f.rule(t, &Rule{
		Name:              "burst",
		Type:              RuleVelocity,
		Conditions:        []Condition{{Field: SignalActionCount, Operator: OpGTE, Value: 3}},
		TimeWindowMinutes: 10,
		RiskScore:         0.9,
		Severity:          SeverityHigh,
		Composition:       ComposeMax,
		Enabled:           true,
	})
	ctx := context.Background()

	// Spread out: never three within ten minutes.
	for i := 0; i < 3; i++ {
		eval, err := f.engine.Assess(ctx, Activity{UserID: "slow", At: testNow.Add(time.Duration(i) * 20 * time.Minute)})
		require.NoError(t, err)
		assert.Nil(t, eval.Alert)
	}

	var last *Evaluation
	for i := 0; i < 3; i++ {
		eval, err := f.engine.Assess(ctx, Activity{UserID: "fast", At: testNow.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
		last = eval
	}
	require.NotNil(t, last.Alert)
	assert.Equal(t, 3.0, last.Signals[SignalActionCount])
}

func TestComputedSignals(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	for i, amount := range []float64{100, 100} {
		_, err := f.engine.Assess(ctx, Activity{UserID: "u1", Amount: amount, DeviceID: "dev_a", At: testNow.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	_, err := f.engine.Assess(ctx, Activity{UserID: "u1", DeviceID: "dev_b", At: testNow.Add(3 * time.Minute)})
	require.NoError(t, err)
	eval, err := f.engine.Assess(ctx, Activity{UserID: "u1", Amount: 1500, DeviceID: "dev_a", At: testNow.Add(4 * time.Minute)})
	require.NoError(t, err)

	assert.Equal(t, 1500.0, eval.Signals[SignalAmount])
	assert.Equal(t, 15.0, eval.Signals[SignalAmountVsAverage])
	assert.Equal(t, 4.0, eval.Signals[SignalActionCount])
	assert.Equal(t, 2.0, eval.Signals[SignalDeviceChanges])
	assert.Zero(t, eval.Signals[SignalDisputeCount])
	assert.Greater(t, eval.Signals[SignalTransactionScore], 0.0)
}

func TestTransactionScoreWeights(t *testing.T) {
	sig := map[string]float64{
		SignalActionCount:     10,
		SignalAmountVsAverage: 10,
		SignalDisputeCount:    3,
		SignalDeviceChanges:   3,
	}
	// 0.5*0.35 + 1*0.25 + 1*0.20 + 1*0.20
	assert.Equal(t, 0.825, transactionScore(sig))
	assert.Zero(t, transactionScore(map[string]float64{SignalActionCount: 1}))
	assert.Equal(t, 0.2, transactionScore(map[string]float64{SignalTypingAnomaly: 1}))
}

func TestAlertsShareOpenCase(t *testing.T) {
	f := newEngineFixture(t)
	f.rule(t, scoreRule(SeverityHigh))
	ctx := context.Background()

	first, err := f.engine.Assess(ctx, scored("u1", "", 0.82))
	require.NoError(t, err)
	second, err := f.engine.Assess(ctx, scored("u1", "", 0.95))
	require.NoError(t, err)
	third, err := f.engine.Assess(ctx, scored("u1", "", 0.81))
	require.NoError(t, err)

	assert.Equal(t, first.Case.ID, second.Case.ID)
	assert.Equal(t, first.Case.ID, third.Case.ID)
	c, err := f.store.GetCase(ctx, first.Case.ID)
	require.NoError(t, err)
	assert.Len(t, c.AlertIDs, 3)
	assert.Equal(t, 95.0, c.FraudScore)
	assert.Contains(t, f.sink.Types(), "fraud_case.updated")
}

func TestWatchlistAfterRepeatedCriticalAlerts(t *testing.T) {
	f := newEngineFixture(t)
	f.engine = NewEngine(f.store, f.signals, nil).WithClock(func() time.Time { return testNow })
	f.rule(t, scoreRule(SeverityCritical))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		eval, err := f.engine.Assess(ctx, scored("u1", "", 0.9))
		require.NoError(t, err)
		assert.False(t, eval.Watchlisted)
		assert.Equal(t, ActionNone, eval.Alert.ActionTaken)
	}
	eval, err := f.engine.Assess(ctx, scored("u1", "", 0.9))
	require.NoError(t, err)
	assert.True(t, eval.Watchlisted)
	assert.Equal(t, ActionWatchlist, eval.Alert.ActionTaken)

	listed, err := f.engine.Watchlisted(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, listed)
	entries, err := f.engine.ListWatchlist(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].CriticalAlertCount)

	// Already listed: no second entry.
	eval, err = f.engine.Assess(ctx, scored("u1", "", 0.9))
	require.NoError(t, err)
	assert.False(t, eval.Watchlisted)
}

func TestMarkFalsePositiveKeepsFreeze(t *testing.T) {
	f := newEngineFixture(t)
	acct := f.fundAccount(t)
	f.rule(t, scoreRule(SeverityCritical))
	ctx := context.Background()

	eval, err := f.engine.Assess(ctx, scored("client_1", acct.ID, 0.9))
	require.NoError(t, err)

	alert, err := f.engine.MarkFalsePositive(ctx, eval.Alert.ID, "ops_1")
	require.NoError(t, err)
	assert.True(t, alert.FalsePositive)
	assert.Equal(t, AlertResolved, alert.Status)
	assert.Equal(t, "ops_1", alert.ResolvedBy)
	require.NotNil(t, alert.ResolvedAt)

	got, err := f.escrow.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, got.Frozen)

	n, err := f.store.CountAlerts(ctx, "client_1", SeverityCritical, testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "false positives do not count toward the watchlist")

	_, err = f.engine.MarkFalsePositive(ctx, "fra_missing", "ops_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveCaseIsTerminal(t *testing.T) {
	f := newEngineFixture(t)
	f.rule(t, scoreRule(SeverityHigh))
	ctx := context.Background()

	eval, err := f.engine.Assess(ctx, scored("u1", "", 0.9))
	require.NoError(t, err)

	_, err = f.engine.ResolveCase(ctx, eval.Case.ID, CaseInvestigating, "", "ops_1")
	assert.ErrorIs(t, err, ErrInvalidResolution)

	c, err := f.engine.ResolveCase(ctx, eval.Case.ID, CaseFalsePositive, "customer verified", "ops_1")
	require.NoError(t, err)
	assert.Equal(t, CaseFalsePositive, c.Status)
	assert.Equal(t, "customer verified", c.ResolutionNotes)
	require.NotNil(t, c.ResolvedAt)

	alert, err := f.store.GetAlert(ctx, eval.Alert.ID)
	require.NoError(t, err)
	assert.Equal(t, AlertResolved, alert.Status)
	assert.True(t, alert.FalsePositive)

	_, err = f.engine.ResolveCase(ctx, eval.Case.ID, CaseConfirmed, "", "ops_2")
	assert.ErrorIs(t, err, ErrCaseResolved)

	next, err := f.engine.Assess(ctx, scored("u1", "", 0.9))
	require.NoError(t, err)
	assert.NotEqual(t, eval.Case.ID, next.Case.ID, "a resolved case is never reopened")
}

func TestRuleValidation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *Rule)
	}{
		{"missing name", func(r *Rule) { r.Name = " " }},
		{"unknown type", func(r *Rule) { r.Type = "magic" }},
		{"unknown field", func(r *Rule) { r.Conditions[0].Field = "zodiac" }},
		{"unknown operator", func(r *Rule) { r.Conditions[0].Operator = "~=" }},
		{"score out of range", func(r *Rule) { r.RiskScore = 1.5 }},
		{"no conditions", func(r *Rule) { r.Conditions = nil }},
		{"bad severity", func(r *Rule) { r.Severity = "urgent" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := scoreRule(SeverityHigh)
			tt.mutate(r)
			_, err := f.engine.CreateRule(ctx, r)
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}

	created := f.rule(t, scoreRule(SeverityHigh))
	update := scoreRule(SeverityLow)
	update.Enabled = false
	updated, err := f.engine.UpdateRule(ctx, created.ID, update)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, SeverityLow, updated.Severity)
	assert.False(t, updated.Enabled)

	_, err = f.engine.UpdateRule(ctx, "frule_missing", scoreRule(SeverityLow))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSeedDefaultRules(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	n, err := f.engine.SeedDefaultRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultRules()), n)

	n, err = f.engine.SeedDefaultRules(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rules, err := f.engine.ListRules(ctx)
	require.NoError(t, err)
	for i := 1; i < len(rules); i++ {
		assert.LessOrEqual(t, rules[i-1].Priority, rules[i].Priority)
	}
}

func TestActivityFromEvent(t *testing.T) {
	started := testNow
	submitted := testNow.Add(45 * time.Second)
	after, _ := json.Marshal(map[string]any{"startedAt": started, "submittedAt": submitted})

	act, ok := ActivityFromEvent(events.Event{
		ID: "evt_1", Entity: events.EntityMilestone, Action: "submitted", EntityID: "ms_1",
		AccountID: "esc_1", UserID: "free_1", DeviceID: "dev_1", After: after, At: submitted,
		Attrs: map[string]string{SignalTypingAnomaly: "0.7", "reason": "x"},
	})
	require.True(t, ok)
	assert.Equal(t, "milestone.submitted", act.Type)
	assert.Equal(t, 45.0, act.CompletionSeconds)
	assert.Equal(t, "dev_1", act.DeviceID)
	assert.Equal(t, map[string]float64{SignalTypingAnomaly: 0.7}, act.Observed)

	act, ok = ActivityFromEvent(events.Event{
		Entity: events.EntityTransaction, Action: "created", EntityID: "etx_1",
		UserID: "client_1", Amount: "250.50", At: testNow,
	})
	require.True(t, ok)
	assert.Equal(t, 250.5, act.Amount)
	assert.Equal(t, "etx_1", act.TransactionID)

	_, ok = ActivityFromEvent(events.Event{Entity: events.EntityAccount, Action: "frozen", UserID: "client_1"})
	assert.False(t, ok)
	_, ok = ActivityFromEvent(events.Event{Entity: events.EntityFraudAlert, Action: "created", UserID: "client_1"})
	assert.False(t, ok)
	_, ok = ActivityFromEvent(events.Event{Entity: events.EntityMilestone, Action: "started"})
	assert.False(t, ok, "events without a user are not scored")
}

func TestOperatorCompare(t *testing.T) {
	tests := []struct {
		op       Operator
		observed float64
		value    float64
		want     bool
	}{
		{OpGT, 0.9, 0.8, true},
		{OpGT, 0.8, 0.8, false},
		{OpGTE, 0.8, 0.8, true},
		{OpLT, 30, 60, true},
		{OpLTE, 60, 60, true},
		{OpEQ, 3, 3, true},
		{OpNEQ, 3, 3, false},
		{Operator("~"), 1, 1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.op.Compare(tt.observed, tt.value), "%v %s %v", tt.observed, tt.op, tt.value)
	}
}
