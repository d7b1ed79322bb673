// Package dispute runs the dispute and insurance claim workflows on top of
// escrow accounts. Money only moves through the escrow service; this package
// owns the case records and their state machines.
package dispute

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/workwise/escrowd/internal/escrow"
)

// Errors wrap the escrow taxonomy so handlers map them the same way.
var (
	ErrNotFound      = fmt.Errorf("dispute: %w", escrow.ErrNotFound)
	ErrAlreadyClosed = fmt.Errorf("dispute: already closed: %w", escrow.ErrInvalidTransition)
)

// Status is the state of a dispute case.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusMediation     Status = "mediation"
	StatusEscalated     Status = "escalated"
	StatusResolved      Status = "resolved"
)

// Final reports whether no further transition is possible.
func (s Status) Final() bool { return s == StatusResolved }

var disputeTransitions = map[Status][]Status{
	StatusOpen:          {StatusInvestigating},
	StatusInvestigating: {StatusMediation},
	StatusMediation:     {StatusResolved, StatusEscalated},
	StatusEscalated:     {StatusResolved},
}

// CanTransition reports whether from -> to is a legal dispute move.
func CanTransition(from, to Status) bool {
	for _, s := range disputeTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Dispute is a disagreement over an account or one of its milestones.
type Dispute struct {
	ID               string            `json:"id"`
	AccountID        string            `json:"accountId"`
	MilestoneID      string            `json:"milestoneId,omitempty"`
	RaisedBy         string            `json:"raisedBy"`
	Reason           string            `json:"reason"`
	Status           Status            `json:"status"`
	Resolution       escrow.Resolution `json:"resolution,omitempty"`
	ResolutionAmount decimal.Decimal   `json:"resolutionAmount"`
	ResolutionNotes  string            `json:"resolutionNotes,omitempty"`
	TransactionID    string            `json:"transactionId,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	ResolvedAt       *time.Time        `json:"resolvedAt,omitempty"`
	ResolvedBy       string            `json:"resolvedBy,omitempty"`
}

func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	c := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// ClaimStatus is the state of an insurance claim.
type ClaimStatus string

const (
	ClaimSubmitted     ClaimStatus = "submitted"
	ClaimReviewing     ClaimStatus = "reviewing"
	ClaimInvestigating ClaimStatus = "investigating"
	ClaimApproved      ClaimStatus = "approved"
	ClaimPaid          ClaimStatus = "paid"
	ClaimDenied        ClaimStatus = "denied"
)

// Final reports whether the claim is paid or denied.
func (s ClaimStatus) Final() bool { return s == ClaimPaid || s == ClaimDenied }

// approved -> paid is driven by the payout, never requested directly.
var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimSubmitted:     {ClaimReviewing, ClaimDenied},
	ClaimReviewing:     {ClaimInvestigating, ClaimDenied},
	ClaimInvestigating: {ClaimApproved, ClaimDenied},
}

// CanTransitionClaim reports whether from -> to may be requested.
func CanTransitionClaim(from, to ClaimStatus) bool {
	for _, s := range claimTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Claim is a request to be paid from the fraud insurance pool.
type Claim struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"accountId"`
	DisputeID     string          `json:"disputeId,omitempty"`
	ClaimantID    string          `json:"claimantId"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	Status        ClaimStatus     `json:"status"`
	TransactionID string          `json:"transactionId,omitempty"`
	DecidedBy     string          `json:"decidedBy,omitempty"`
	DecisionNotes string          `json:"decisionNotes,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (c *Claim) Clone() *Claim {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// OpenRequest opens a dispute.
type OpenRequest struct {
	AccountID   string
	MilestoneID string
	RaisedBy    string
	Reason      string
}

// ResolveRequest closes a dispute with a money outcome.
type ResolveRequest struct {
	Resolution escrow.Resolution
	Amount     decimal.Decimal
	Notes      string
}

// ClaimRequest files an insurance claim.
type ClaimRequest struct {
	AccountID  string
	DisputeID  string
	ClaimantID string
	Amount     decimal.Decimal
	Reason     string
}

// ListFilter selects disputes.
type ListFilter struct {
	AccountID string
	Status    Status
	Limit     int
}

func invalid(field, format string, args ...any) error {
	return &escrow.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
