package fraud

import (
	"context"
	"errors"
	"fmt"

	"github.com/workwise/escrowd/internal/events"
	"github.com/workwise/escrowd/internal/idgen"
	"github.com/workwise/escrowd/internal/logging"
)

// CreateRule validates and stores a new rule.
func (e *Engine) CreateRule(ctx context.Context, r *Rule) (*Rule, error) {
	if r.Composition == "" {
		r.Composition = ComposeMax
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	now := e.now()
	r.ID = idgen.WithPrefix("frule_")
	r.CreatedAt, r.UpdatedAt = now, now
	if err := e.store.CreateRule(ctx, r); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	e.publishAdmin(ctx, events.New(ctx, events.EntityFraudRule, "created", r.ID, nil, r))
	logging.L(ctx).Info("fraud rule created", "rule_id", r.ID, "name", r.Name, "enabled", r.Enabled)
	return r.Clone(), nil
}

// UpdateRule replaces the definition of an existing rule.
func (e *Engine) UpdateRule(ctx context.Context, id string, r *Rule) (*Rule, error) {
	existing, err := e.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Composition == "" {
		r.Composition = ComposeMax
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.ID = existing.ID
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = e.now()
	if err := e.store.UpdateRule(ctx, r); err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	e.publishAdmin(ctx, events.New(ctx, events.EntityFraudRule, "updated", r.ID, existing, r))
	logging.L(ctx).Info("fraud rule updated", "rule_id", r.ID, "enabled", r.Enabled)
	return r.Clone(), nil
}

func (e *Engine) GetRule(ctx context.Context, id string) (*Rule, error) {
	return e.store.GetRule(ctx, id)
}

func (e *Engine) ListRules(ctx context.Context) ([]*Rule, error) {
	return e.store.ListRules(ctx, false)
}

// SeedDefaultRules installs DefaultRules when no rule exists yet.
func (e *Engine) SeedDefaultRules(ctx context.Context) (int, error) {
	existing, err := e.store.ListRules(ctx, false)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	n := 0
	for _, r := range DefaultRules() {
		if _, err := e.CreateRule(ctx, r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// DefaultRules is the starter rule set for a fresh deployment.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			Name:        "Composite transaction score",
			Description: "Weighted blend of velocity, amount deviation, disputes and device behavior.",
			Type:        RuleThreshold,
			Conditions:  []Condition{{Field: SignalTransactionScore, Operator: OpGTE, Value: 0.8}},
			Priority:    5,
			Severity:    SeverityCritical,
			Composition: ComposeMax,
			Enabled:     true,
		},
		{
			Name:              "Amount spike",
			Type:              RuleThreshold,
			Conditions:        []Condition{{Field: SignalAmountVsAverage, Operator: OpGTE, Value: 10}},
			TimeWindowMinutes: 24 * 60,
			Priority:          20,
			RiskScore:         0.5,
			Severity:          SeverityMedium,
			Composition:       ComposeMax,
			Enabled:           true,
		},
		{
			Name:              "High action velocity",
			Type:              RuleVelocity,
			Conditions:        []Condition{{Field: SignalActionCount, Operator: OpGTE, Value: 30}},
			TimeWindowMinutes: 10,
			Priority:          10,
			RiskScore:         0.6,
			Severity:          SeverityHigh,
			Composition:       ComposeMax,
			Enabled:           true,
		},
		{
			Name:              "Repeated disputes",
			Type:              RulePattern,
			Conditions:        []Condition{{Field: SignalDisputeCount, Operator: OpGTE, Value: 3}},
			TimeWindowMinutes: 7 * 24 * 60,
			Priority:          30,
			RiskScore:         0.3,
			Severity:          SeverityHigh,
			Composition:       ComposeAdditive,
			Enabled:           true,
		},
		{
			Name:              "Device churn",
			Type:              RuleBehavioral,
			Conditions:        []Condition{{Field: SignalDeviceChanges, Operator: OpGTE, Value: 3}},
			TimeWindowMinutes: 60,
			Priority:          35,
			RiskScore:         0.3,
			Severity:          SeverityHigh,
			Composition:       ComposeAdditive,
			Enabled:           true,
		},
		{
			Name:        "Implausibly fast milestone",
			Type:        RuleBehavioral,
			Conditions:  []Condition{{Field: SignalMilestoneCompletionSeconds, Operator: OpLT, Value: 60}},
			Priority:    40,
			RiskScore:   0.2,
			Severity:    SeverityMedium,
			Composition: ComposeAdditive,
			Enabled:     true,
		},
	}
}

func (e *Engine) GetAlert(ctx context.Context, id string) (*Alert, error) {
	return e.store.GetAlert(ctx, id)
}

func (e *Engine) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	return e.store.ListAlerts(ctx, f)
}

// MarkFalsePositive resolves an alert as a false positive. Any freeze it
// caused stays in place until an operator unfreezes the account.
func (e *Engine) MarkFalsePositive(ctx context.Context, alertID, by string) (*Alert, error) {
	a, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.FalsePositive {
		return a, nil
	}
	before := a.Clone()
	now := e.now()
	a.FalsePositive = true
	a.Status = AlertResolved
	a.ResolvedAt = &now
	a.ResolvedBy = by
	if err := e.store.UpdateAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("update alert: %w", err)
	}
	falsePositives.Inc()
	e.publishAdmin(ctx, events.New(ctx, events.EntityFraudAlert, "false_positive", a.ID, before, a))
	logging.L(ctx).Info("fraud alert marked false positive", "alert_id", a.ID, "by", by)
	return a, nil
}

func (e *Engine) GetCase(ctx context.Context, id string) (*Case, error) {
	return e.store.GetCase(ctx, id)
}

func (e *Engine) ListCases(ctx context.Context, f CaseFilter) ([]*Case, error) {
	return e.store.ListCases(ctx, f)
}

// ResolveCase closes a case for good. Its still-active alerts are resolved
// with it, as false positives when the case was one.
func (e *Engine) ResolveCase(ctx context.Context, caseID string, resolution CaseStatus, notes, by string) (*Case, error) {
	if !resolution.Terminal() {
		return nil, fmt.Errorf("%w: resolution must be confirmed, false_positive or resolved", ErrInvalidResolution)
	}
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	unlock, err := e.locks.LockContext(ctx, c.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the user's lock; the engine may have appended alerts.
	if c, err = e.store.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, ErrCaseResolved
	}
	before := c.Clone()
	now := e.now()
	c.Status = resolution
	c.ResolutionNotes = notes
	c.ResolvedAt = &now
	c.ResolvedBy = by
	c.UpdatedAt = now
	if err := e.store.UpdateCase(ctx, c); err != nil {
		return nil, fmt.Errorf("update case: %w", err)
	}

	for _, id := range c.AlertIDs {
		a, err := e.store.GetAlert(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if a.Status == AlertResolved {
			continue
		}
		a.Status = AlertResolved
		a.FalsePositive = resolution == CaseFalsePositive
		a.ResolvedAt = &now
		a.ResolvedBy = by
		if err := e.store.UpdateAlert(ctx, a); err != nil {
			return nil, fmt.Errorf("update alert %s: %w", id, err)
		}
	}

	e.publishAdmin(ctx, events.New(ctx, events.EntityFraudCase, "resolved", c.ID, before, c))
	logging.L(ctx).Info("fraud case resolved", "case_id", c.ID, "resolution", resolution, "by", by)
	return c, nil
}

func (e *Engine) ListWatchlist(ctx context.Context) ([]*WatchlistEntry, error) {
	return e.store.ListWatchlist(ctx)
}

// Watchlisted reports whether the user is on the watchlist.
func (e *Engine) Watchlisted(ctx context.Context, userID string) (bool, error) {
	_, err := e.store.GetWatchlistEntry(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (e *Engine) publishAdmin(ctx context.Context, ev events.Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		logging.L(ctx).Error("failed to publish fraud event", "type", ev.Type(), "error", err)
	}
}
