package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/workwise/escrowd/internal/alerting"
	"github.com/workwise/escrowd/internal/audit"
	"github.com/workwise/escrowd/internal/escrow"
	"github.com/workwise/escrowd/internal/events"
	"github.com/workwise/escrowd/internal/idgen"
	"github.com/workwise/escrowd/internal/logging"
	"github.com/workwise/escrowd/internal/syncutil"
	"github.com/workwise/escrowd/internal/traces"
)

// Defaults.
const (
	DefaultAlertThreshold  = 0.80
	DefaultWatchlistCount  = 3
	DefaultWatchlistWindow = 30 * 24 * time.Hour

	weightVelocity = 0.35
	weightAmount   = 0.25
	weightDisputes = 0.20
	weightBehavior = 0.20
)

// AccountActions is the slice of the escrow service the engine drives.
type AccountActions interface {
	UpdateRiskScore(ctx context.Context, accountID string, score float64) (*escrow.Account, error)
	Freeze(ctx context.Context, accountID, reason, source string) (*escrow.Account, error)
}

// Activity is one scored user action.
type Activity struct {
	EventID       string
	Type          string
	UserID        string
	AccountID     string
	TransactionID string
	DeviceID      string
	Amount        float64
	// CompletionSeconds is the time from start to submission of a milestone.
	CompletionSeconds float64
	// Observed carries signals reported upstream (client telemetry). They
	// override computed values of the same name.
	Observed map[string]float64
	At       time.Time
}

// Match is a rule that contributed to a score.
type Match struct {
	RuleID       string      `json:"ruleId"`
	RuleName     string      `json:"ruleName"`
	Type         RuleType    `json:"ruleType"`
	Severity     Severity    `json:"severity"`
	Composition  Composition `json:"composition"`
	Contribution float64     `json:"contribution"`
}

// Evaluation is the outcome of scoring one activity.
type Evaluation struct {
	UserID      string             `json:"userId"`
	AccountID   string             `json:"accountId,omitempty"`
	Score       float64            `json:"score"`
	Matches     []Match            `json:"matches"`
	Signals     map[string]float64 `json:"signals"`
	Alert       *Alert             `json:"alert,omitempty"`
	Case        *Case              `json:"case,omitempty"`
	Watchlisted bool               `json:"watchlisted"`
}

// Engine evaluates activity against the stored rules.
type Engine struct {
	store    Store
	signals  SignalStore
	accounts AccountActions
	events   events.Publisher
	pager    alerting.Pager
	locks    *syncutil.KeyedMutex

	threshold       float64
	watchlistCount  int
	watchlistWindow time.Duration
	now             func() time.Time
}

// NewEngine creates an engine. accounts may be nil, in which case alerts
// are raised but no account is touched.
func NewEngine(store Store, signals SignalStore, accounts AccountActions) *Engine {
	return &Engine{
		store:           store,
		signals:         signals,
		accounts:        accounts,
		events:          events.Nop{},
		pager:           alerting.NewLogPager(slog.Default()),
		locks:           syncutil.NewKeyedMutex(),
		threshold:       DefaultAlertThreshold,
		watchlistCount:  DefaultWatchlistCount,
		watchlistWindow: DefaultWatchlistWindow,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) WithEvents(p events.Publisher) *Engine {
	e.events = p
	return e
}

func (e *Engine) WithPager(p alerting.Pager) *Engine {
	e.pager = p
	return e
}

// WithThreshold sets the aggregate score that raises an alert.
func (e *Engine) WithThreshold(t float64) *Engine {
	e.threshold = t
	return e
}

// WithWatchlist sets how many critical alerts within window put a user on
// the watchlist.
func (e *Engine) WithWatchlist(count int, window time.Duration) *Engine {
	e.watchlistCount = count
	e.watchlistWindow = window
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Relevant reports whether an event is user activity worth scoring. The
// engine's own side effects (freezes, risk updates, fraud records) are not.
func Relevant(ev events.Event) bool {
	if ev.UserID == "" {
		return false
	}
	switch ev.Entity {
	case events.EntityAccount:
		switch ev.Action {
		case "frozen", "unfrozen", "risk_updated":
			return false
		}
		return true
	case events.EntityMilestone, events.EntityTransaction, events.EntityDispute, events.EntityClaim:
		return true
	}
	return false
}

// ActivityFromEvent converts a domain event. ok is false for events the
// engine does not score.
func ActivityFromEvent(ev events.Event) (act Activity, ok bool) {
	if !Relevant(ev) {
		return Activity{}, false
	}
	act = Activity{
		EventID:   ev.ID,
		Type:      ev.Type(),
		UserID:    ev.UserID,
		AccountID: ev.AccountID,
		DeviceID:  ev.DeviceID,
		At:        ev.At,
	}
	if act.At.IsZero() {
		act.At = time.Now().UTC()
	}
	if ev.Entity == events.EntityTransaction {
		act.TransactionID = ev.EntityID
		if ev.Amount != "" {
			act.Amount, _ = strconv.ParseFloat(ev.Amount, 64)
		}
	}
	if ev.Type() == "milestone.submitted" && len(ev.After) > 0 {
		var ms struct {
			StartedAt   *time.Time `json:"startedAt"`
			SubmittedAt *time.Time `json:"submittedAt"`
		}
		if json.Unmarshal(ev.After, &ms) == nil && ms.StartedAt != nil && ms.SubmittedAt != nil {
			act.CompletionSeconds = ms.SubmittedAt.Sub(*ms.StartedAt).Seconds()
		}
	}
	for k, v := range ev.Attrs {
		if !knownSignals[k] {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		if act.Observed == nil {
			act.Observed = make(map[string]float64)
		}
		act.Observed[k] = f
	}
	return act, true
}

// Evaluate scores a domain event. Irrelevant events return nil.
func (e *Engine) Evaluate(ctx context.Context, ev events.Event) (*Evaluation, error) {
	act, ok := ActivityFromEvent(ev)
	if !ok {
		return nil, nil
	}
	return e.Assess(ctx, act)
}

// Assess records the activity in the user's windows, scores it, and acts on
// scores at or above the alert threshold.
func (e *Engine) Assess(ctx context.Context, act Activity) (*Evaluation, error) {
	ctx, span := traces.StartSpan(ctx, "fraud.Assess", traces.AccountID(act.AccountID))
	ctx = logging.WithAccount(ctx, act.AccountID)
	defer span.End()
	start := time.Now()

	if act.EventID == "" {
		act.EventID = idgen.WithPrefix("act_")
	}
	if act.At.IsZero() {
		act.At = e.now()
	}
	if err := e.record(ctx, act); err != nil {
		traces.Fail(span, err)
		evaluationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	rules, err := e.store.ListRules(ctx, true)
	if err != nil {
		traces.Fail(span, err)
		evaluationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list rules: %w", err)
	}
	sortRules(rules)

	cache := make(map[time.Duration]map[string]float64)
	window := func(d time.Duration) (map[string]float64, error) {
		if sig, ok := cache[d]; ok {
			return sig, nil
		}
		sig, err := e.computeSignals(ctx, act, d)
		if err != nil {
			return nil, err
		}
		cache[d] = sig
		return sig, nil
	}

	eval := &Evaluation{UserID: act.UserID, AccountID: act.AccountID}
	var (
		dominant       *Rule
		dominantSig    map[string]float64
		dominantWeight = -1.0
		maxPart        float64
		additive       float64
		matchedTypes   = make(map[RuleType]bool)
	)
	for _, r := range rules {
		if matchedTypes[r.Type] {
			continue
		}
		sig, err := window(r.Window())
		if err != nil {
			traces.Fail(span, err)
			evaluationsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		if !matches(r, sig) {
			continue
		}
		matchedTypes[r.Type] = true

		c := contribution(r, sig)
		eval.Matches = append(eval.Matches, Match{
			RuleID: r.ID, RuleName: r.Name, Type: r.Type, Severity: r.Severity,
			Composition: r.Composition, Contribution: c,
		})
		if r.Composition == ComposeAdditive {
			additive += c
		} else if c > maxPart {
			maxPart = c
		}
		if c > dominantWeight {
			dominant, dominantSig, dominantWeight = r, sig, c
		}
	}
	eval.Score = round3(clamp(maxPart + additive))

	if dominantSig != nil {
		eval.Signals = dominantSig
	} else if eval.Signals, err = window(DefaultWindow); err != nil {
		return nil, err
	}

	evaluationDuration.Observe(time.Since(start).Seconds())
	if dominant == nil || eval.Score < e.threshold {
		evaluationsTotal.WithLabelValues("clear").Inc()
		return eval, nil
	}
	evaluationsTotal.WithLabelValues("alert").Inc()
	span.SetAttributes(traces.RiskScore(eval.Score))

	if err := e.raise(ctx, act, eval, dominant); err != nil {
		traces.Fail(span, err)
		return eval, err
	}
	return eval, nil
}

// record adds the activity to the user's windows.
func (e *Engine) record(ctx context.Context, act Activity) error {
	add := func(kind string, o Observation) error {
		if err := e.signals.Add(ctx, act.UserID, kind, o); err != nil {
			return fmt.Errorf("record %s signal: %w", kind, err)
		}
		return nil
	}
	if err := add(KindAction, Observation{ID: act.EventID, Label: act.Type, At: act.At}); err != nil {
		return err
	}
	if act.Type == events.EntityDispute+".opened" {
		if err := add(KindDispute, Observation{ID: act.EventID, At: act.At}); err != nil {
			return err
		}
	}
	if act.Amount > 0 {
		if err := add(KindAmount, Observation{ID: act.EventID, Value: act.Amount, At: act.At}); err != nil {
			return err
		}
	}
	if act.DeviceID != "" {
		if err := add(KindDevice, Observation{ID: act.EventID, Label: act.DeviceID, At: act.At}); err != nil {
			return err
		}
	}
	return nil
}

// computeSignals derives the signal values over the window ending at the
// activity.
func (e *Engine) computeSignals(ctx context.Context, act Activity, window time.Duration) (map[string]float64, error) {
	since := act.At.Add(-window)
	sig := make(map[string]float64, len(knownSignals))

	actions, err := e.signals.Count(ctx, act.UserID, KindAction, since)
	if err != nil {
		return nil, err
	}
	sig[SignalActionCount] = float64(actions)

	disputes, err := e.signals.Count(ctx, act.UserID, KindDispute, since)
	if err != nil {
		return nil, err
	}
	sig[SignalDisputeCount] = float64(disputes)

	if act.Amount > 0 {
		sig[SignalAmount] = act.Amount
		amounts, err := e.signals.Since(ctx, act.UserID, KindAmount, since)
		if err != nil {
			return nil, err
		}
		var total float64
		var n int
		for _, o := range amounts {
			if o.ID == act.EventID {
				continue
			}
			total += o.Value
			n++
		}
		if n > 0 && total > 0 {
			sig[SignalAmountVsAverage] = round3(act.Amount / (total / float64(n)))
		}
	}

	devices, err := e.signals.Since(ctx, act.UserID, KindDevice, since)
	if err != nil {
		return nil, err
	}
	sig[SignalDeviceChanges] = float64(deviceChanges(devices))

	if act.CompletionSeconds > 0 {
		sig[SignalMilestoneCompletionSeconds] = act.CompletionSeconds
	}
	for k, v := range act.Observed {
		sig[k] = v
	}
	if _, ok := act.Observed[SignalTransactionScore]; !ok {
		sig[SignalTransactionScore] = transactionScore(sig)
	}
	return sig, nil
}

// deviceChanges counts how often consecutive observations switch device.
func deviceChanges(obs []Observation) int {
	changes := 0
	for i := 1; i < len(obs); i++ {
		if obs[i].Label != obs[i-1].Label {
			changes++
		}
	}
	return changes
}

// transactionScore blends the behavioral factors into one value in [0, 1].
func transactionScore(sig map[string]float64) float64 {
	return round3(clamp(
		velocityFactor(sig[SignalActionCount])*weightVelocity +
			amountFactor(sig[SignalAmountVsAverage])*weightAmount +
			clamp(sig[SignalDisputeCount]/3)*weightDisputes +
			math.Max(clamp(sig[SignalDeviceChanges]/3), clamp(sig[SignalTypingAnomaly]))*weightBehavior,
	))
}

// velocityFactor: log10 scaling, 10 actions = 0.5, 100 actions = 1.0.
func velocityFactor(actions float64) float64 {
	if actions <= 1 {
		return 0
	}
	return clamp(math.Log10(actions) / 2)
}

// amountFactor: 1x the average = 0, 10x = 1.0.
func amountFactor(ratio float64) float64 {
	if ratio <= 1 {
		return 0
	}
	return clamp(math.Log10(ratio))
}

// matches reports whether every condition holds. A condition on a signal
// that was not observed does not hold.
func matches(r *Rule, sig map[string]float64) bool {
	if len(r.Conditions) == 0 {
		return false
	}
	for _, c := range r.Conditions {
		v, ok := sig[c.Field]
		if !ok || !c.Operator.Compare(v, c.Value) {
			return false
		}
	}
	return true
}

// contribution is the rule's risk score, or the first condition's observed
// value when the rule has none and that value is already a probability.
func contribution(r *Rule, sig map[string]float64) float64 {
	if r.RiskScore > 0 {
		return r.RiskScore
	}
	if v, ok := sig[r.Conditions[0].Field]; ok && v >= 0 && v <= 1 {
		return v
	}
	return 0
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// raise records the alert, files it in the user's case and applies the
// account actions the rule's severity calls for.
func (e *Engine) raise(ctx context.Context, act Activity, eval *Evaluation, rule *Rule) error {
	ctx = audit.WithActor(ctx, audit.ActorSystem, "fraud-engine")
	unlock, err := e.locks.LockContext(ctx, act.UserID)
	if err != nil {
		return err
	}
	defer unlock()

	now := e.now()
	alert := &Alert{
		ID:            idgen.WithPrefix("fra_"),
		RuleID:        rule.ID,
		UserID:        act.UserID,
		AccountID:     act.AccountID,
		TransactionID: act.TransactionID,
		RiskScore:     eval.Score,
		Severity:      rule.Severity,
		Status:        AlertActive,
		ActionTaken:   ActionNone,
		Evidence:      evidence(rule, eval.Signals),
		CreatedAt:     now,
	}
	log := logging.L(ctx).With("user_id", act.UserID, "account_id", act.AccountID, "rule_id", rule.ID)

	if act.AccountID != "" && e.accounts != nil {
		if _, err := e.accounts.UpdateRiskScore(ctx, act.AccountID, eval.Score); err != nil {
			log.Warn("failed to update account risk score", "error", err)
		}
		if rule.Severity == SeverityCritical {
			reason := fmt.Sprintf("fraud rule %q scored %.3f", rule.Name, eval.Score)
			if _, err := e.accounts.Freeze(ctx, act.AccountID, reason, "fraud"); err != nil {
				log.Error("failed to freeze account", "error", err)
			} else {
				alert.ActionTaken = ActionFreeze
				e.pager.Page(ctx, alerting.Alert{
					Kind:      alerting.KindFraudFreeze,
					Severity:  alerting.SeverityCritical,
					AccountID: act.AccountID,
					Message:   "escrow account frozen by fraud engine: " + reason,
					Fields:    alert.Evidence,
				})
			}
		}
	}

	if rule.Severity == SeverityCritical && e.watchlistCount > 0 {
		prior, err := e.store.CountAlerts(ctx, act.UserID, SeverityCritical, now.Add(-e.watchlistWindow))
		if err != nil {
			return fmt.Errorf("count critical alerts: %w", err)
		}
		if prior+1 >= e.watchlistCount {
			entry := &WatchlistEntry{
				UserID:             act.UserID,
				Reason:             fmt.Sprintf("%d critical fraud alerts within %s", prior+1, e.watchlistWindow),
				CriticalAlertCount: prior + 1,
				AddedAt:            now,
			}
			added, err := e.store.AddToWatchlist(ctx, entry)
			if err != nil {
				return fmt.Errorf("add to watchlist: %w", err)
			}
			if added {
				eval.Watchlisted = true
				if alert.ActionTaken == ActionNone {
					alert.ActionTaken = ActionWatchlist
				}
				e.publish(ctx, events.New(ctx, events.EntityWatchlist, "added", act.UserID, nil, entry), act)
				log.Warn("user added to fraud watchlist", "critical_alerts", prior+1)
			}
		}
	}

	c, opened, err := e.fileAlert(ctx, act, alert, eval.Score, now)
	if err != nil {
		return err
	}
	alert.CaseID = c.ID
	if err := e.store.CreateAlert(ctx, alert); err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	alertsTotal.WithLabelValues(string(alert.Severity)).Inc()

	e.publish(ctx, events.New(ctx, events.EntityFraudAlert, "created", alert.ID, nil, alert), act)
	action := "updated"
	if opened {
		action = "opened"
	}
	e.publish(ctx, events.New(ctx, events.EntityFraudCase, action, c.ID, nil, c), act)

	log.Warn("fraud alert raised", "alert_id", alert.ID, "score", eval.Score,
		"severity", alert.Severity, "action", alert.ActionTaken, "case_id", c.ID)
	eval.Alert = alert.Clone()
	eval.Case = c.Clone()
	return nil
}

// fileAlert appends the alert to the user's open case, opening one when
// there is none. The case score never decreases while the case is open.
func (e *Engine) fileAlert(ctx context.Context, act Activity, alert *Alert, score float64, now time.Time) (*Case, bool, error) {
	c, err := e.store.OpenCase(ctx, act.UserID)
	if errors.Is(err, ErrNotFound) {
		c = &Case{
			ID:         idgen.WithPrefix("fcase_"),
			UserID:     act.UserID,
			AccountID:  act.AccountID,
			FraudScore: math.Round(score * 100),
			AlertIDs:   []string{alert.ID},
			Evidence:   cloneMap(alert.Evidence),
			Status:     CaseOpen,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.store.CreateCase(ctx, c); err != nil {
			return nil, false, fmt.Errorf("create case: %w", err)
		}
		return c, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load open case: %w", err)
	}

	c.AlertIDs = append(c.AlertIDs, alert.ID)
	if s := math.Round(score * 100); s > c.FraudScore {
		c.FraudScore = s
	}
	if c.Evidence == nil {
		c.Evidence = make(map[string]string)
	}
	for k, v := range alert.Evidence {
		c.Evidence[k] = v
	}
	if c.AccountID == "" {
		c.AccountID = act.AccountID
	}
	c.UpdatedAt = now
	if err := e.store.UpdateCase(ctx, c); err != nil {
		return nil, false, fmt.Errorf("update case: %w", err)
	}
	return c, false, nil
}

func evidence(rule *Rule, sig map[string]float64) map[string]string {
	out := make(map[string]string, len(sig)+1)
	for k, v := range sig {
		out[k] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	out["rule"] = rule.Name
	return out
}

func (e *Engine) publish(ctx context.Context, ev events.Event, act Activity) {
	ev.UserID = act.UserID
	ev.AccountID = act.AccountID
	if err := e.events.Publish(ctx, ev); err != nil {
		logging.L(ctx).Error("failed to publish fraud event", "type", ev.Type(), "error", err)
	}
}
