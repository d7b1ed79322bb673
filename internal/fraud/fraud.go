// Package fraud scores escrow activity against declarative detection rules.
//
// Every mutating escrow event becomes an Activity. The engine derives
// behavioral and transactional signals from sliding windows, evaluates the
// enabled rules in priority order (first match per rule type wins), and
// aggregates their contributions into a 0-1 risk score. Scores at or above
// the alert threshold raise an alert, open or extend the user's case, and
// for critical rules freeze the escrow account. Repeated critical alerts put
// the user on the watchlist.
package fraud

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("fraud: not found")
	ErrCaseResolved = errors.New("fraud: case already resolved")
	ErrInvalidRule  = errors.New("fraud: invalid rule")

	ErrInvalidResolution = errors.New("fraud: invalid case resolution")
)

// RuleType is the category a rule belongs to. At most one rule per category
// contributes to a score.
type RuleType string

const (
	RuleThreshold  RuleType = "threshold"
	RulePattern    RuleType = "pattern"
	RuleBehavioral RuleType = "behavioral"
	RuleVelocity   RuleType = "velocity"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleThreshold, RulePattern, RuleBehavioral, RuleVelocity:
		return true
	}
	return false
}

// Severity of a rule and the alerts it raises.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Composition says how a rule's contribution combines with the others.
type Composition string

const (
	ComposeMax      Composition = "max"
	ComposeAdditive Composition = "additive"
)

// Operator compares an observed signal with a condition value.
type Operator string

const (
	OpGT  Operator = ">"
	OpGTE Operator = ">="
	OpLT  Operator = "<"
	OpLTE Operator = "<="
	OpEQ  Operator = "=="
	OpNEQ Operator = "!="
)

// Compare applies the operator. Unknown operators never match.
func (o Operator) Compare(observed, value float64) bool {
	switch o {
	case OpGT:
		return observed > value
	case OpGTE:
		return observed >= value
	case OpLT:
		return observed < value
	case OpLTE:
		return observed <= value
	case OpEQ:
		return observed == value
	case OpNEQ:
		return observed != value
	}
	return false
}

func (o Operator) Valid() bool {
	switch o {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNEQ:
		return true
	}
	return false
}

// Signal names a rule condition can refer to.
const (
	SignalAmount                     = "amount"
	SignalAmountVsAverage            = "amount_vs_average"
	SignalActionCount                = "action_count"
	SignalDisputeCount               = "dispute_count"
	SignalMilestoneCompletionSeconds = "milestone_completion_seconds"
	SignalDeviceChanges              = "device_changes"
	SignalTypingAnomaly              = "typing_anomaly"
	SignalTransactionScore           = "transaction_score"
)

var knownSignals = map[string]bool{
	SignalAmount:                     true,
	SignalAmountVsAverage:            true,
	SignalActionCount:                true,
	SignalDisputeCount:               true,
	SignalMilestoneCompletionSeconds: true,
	SignalDeviceChanges:              true,
	SignalTypingAnomaly:              true,
	SignalTransactionScore:           true,
}

// Condition is one comparison of a rule.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
}

// Rule is a declarative detection rule.
type Rule struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Description       string      `json:"description,omitempty"`
	Type              RuleType    `json:"ruleType"`
	Conditions        []Condition `json:"conditions"`
	TimeWindowMinutes int         `json:"timeWindowMinutes"`
	Priority          int         `json:"priority"`
	RiskScore         float64     `json:"riskScore"`
	Severity          Severity    `json:"severity"`
	Composition       Composition `json:"composition"`
	Enabled           bool        `json:"enabled"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// DefaultWindow applies to rules without a time window.
const DefaultWindow = time.Hour

// Window is the rule's signal window.
func (r *Rule) Window() time.Duration {
	if r.TimeWindowMinutes <= 0 {
		return DefaultWindow
	}
	return time.Duration(r.TimeWindowMinutes) * time.Minute
}

// Validate checks a rule before it is stored.
func (r *Rule) Validate() error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	case !r.Type.Valid():
		return fmt.Errorf("%w: unknown rule type %q", ErrInvalidRule, r.Type)
	case !r.Severity.Valid():
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidRule, r.Severity)
	case r.Composition != ComposeMax && r.Composition != ComposeAdditive:
		return fmt.Errorf("%w: composition must be max or additive", ErrInvalidRule)
	case r.RiskScore < 0 || r.RiskScore > 1:
		return fmt.Errorf("%w: riskScore must be within [0, 1]", ErrInvalidRule)
	case r.TimeWindowMinutes < 0:
		return fmt.Errorf("%w: timeWindowMinutes must not be negative", ErrInvalidRule)
	case len(r.Conditions) == 0:
		return fmt.Errorf("%w: at least one condition is required", ErrInvalidRule)
	}
	for i, c := range r.Conditions {
		if !knownSignals[c.Field] {
			return fmt.Errorf("%w: conditions[%d]: unknown field %q", ErrInvalidRule, i, c.Field)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("%w: conditions[%d]: unknown operator %q", ErrInvalidRule, i, c.Operator)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (r *Rule) Clone() *Rule {
	cp := *r
	cp.Conditions = append([]Condition(nil), r.Conditions...)
	return &cp
}

// AlertStatus is the lifecycle of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Action is what an alert caused.
type Action string

const (
	ActionNone      Action = "none"
	ActionFreeze    Action = "freeze"
	ActionWatchlist Action = "watchlist"
)

// Alert is one threshold crossing.
type Alert struct {
	ID            string            `json:"id"`
	RuleID        string            `json:"ruleId"`
	CaseID        string            `json:"caseId,omitempty"`
	UserID        string            `json:"userId"`
	AccountID     string            `json:"accountId,omitempty"`
	TransactionID string            `json:"transactionId,omitempty"`
	RiskScore     float64           `json:"riskScore"`
	Severity      Severity          `json:"severity"`
	Status        AlertStatus       `json:"status"`
	ActionTaken   Action            `json:"actionTaken"`
	FalsePositive bool              `json:"falsePositive"`
	Evidence      map[string]string `json:"evidence,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	ResolvedAt    *time.Time        `json:"resolvedAt,omitempty"`
	ResolvedBy    string            `json:"resolvedBy,omitempty"`
}

func (a *Alert) Clone() *Alert {
	cp := *a
	cp.Evidence = cloneMap(a.Evidence)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// CaseStatus is the lifecycle of a case.
type CaseStatus string

const (
	CaseOpen          CaseStatus = "open"
	CaseInvestigating CaseStatus = "investigating"
	CaseConfirmed     CaseStatus = "confirmed"
	CaseFalsePositive CaseStatus = "false_positive"
	CaseResolved      CaseStatus = "resolved"
)

// Terminal reports whether the case is closed for good.
func (s CaseStatus) Terminal() bool {
	return s == CaseConfirmed || s == CaseFalsePositive || s == CaseResolved
}

// Case groups a user's alerts for investigation.
type Case struct {
	ID              string            `json:"id"`
	UserID          string            `json:"userId"`
	AccountID       string            `json:"accountId,omitempty"`
	FraudScore      float64           `json:"fraudScore"` // 0-100
	AlertIDs        []string          `json:"alertIds"`
	Evidence        map[string]string `json:"evidence,omitempty"`
	Status          CaseStatus        `json:"status"`
	ResolutionNotes string            `json:"resolutionNotes,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	ResolvedAt      *time.Time        `json:"resolvedAt,omitempty"`
	ResolvedBy      string            `json:"resolvedBy,omitempty"`
}

func (c *Case) Clone() *Case {
	cp := *c
	cp.AlertIDs = append([]string(nil), c.AlertIDs...)
	cp.Evidence = cloneMap(c.Evidence)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// WatchlistEntry marks a user for manual review of all activity.
type WatchlistEntry struct {
	UserID             string    `json:"userId"`
	Reason             string    `json:"reason"`
	CriticalAlertCount int       `json:"criticalAlertCount"`
	AddedAt            time.Time `json:"addedAt"`
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	UserID    string
	AccountID string
	Status    AlertStatus
	Limit     int
}

// CaseFilter narrows ListCases.
type CaseFilter struct {
	UserID string
	Status CaseStatus
	Limit  int
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
