// Package escrow holds client funds for a freelance project and pays them
// out milestone by milestone.
//
// Flow:
//  1. Client funds the project: a deposit is captured on the payment rail
//     and the account becomes active with available = total.
//  2. Freelancer starts and submits each milestone; client approves it (or
//     the grace period elapses and it is approved automatically).
//  3. Release transfers the milestone amount to the freelancer.
//  4. After the last milestone the platform fee is collected and the
//     account completes.
//  5. A dispute freezes money movement on the account until it is resolved
//     by refunding the client, releasing to the freelancer, or neither.
//
// The available amount is always equal to the fold of the account's
// completed transactions (see package ledger). Every mutation happens under
// a per-account lock and commits with an optimistic version check.
package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/workwise/escrowd/internal/money"
)

// AccountStatus is the lifecycle state of an escrow account.
type AccountStatus string

const (
	AccountPending   AccountStatus = "pending"   // created, deposit not yet captured
	AccountActive    AccountStatus = "active"    // funded
	AccountDisputed  AccountStatus = "disputed"  // open dispute or fraud freeze
	AccountCompleted AccountStatus = "completed" // every milestone settled, fee collected
	AccountCancelled AccountStatus = "cancelled" // cancelled before funding
)

// Terminal reports whether no further transitions are allowed.
func (s AccountStatus) Terminal() bool {
	return s == AccountCompleted || s == AccountCancelled
}

// ProtectionLevel is the buyer-protection tier bought with the contract.
type ProtectionLevel string

const (
	ProtectionBasic    ProtectionLevel = "basic"
	ProtectionEnhanced ProtectionLevel = "enhanced"
	ProtectionPremium  ProtectionLevel = "premium"
)

func (p ProtectionLevel) Valid() bool {
	return p == ProtectionBasic || p == ProtectionEnhanced || p == ProtectionPremium
}

// MilestoneStatus is the state of one deliverable.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneCompleted  MilestoneStatus = "completed" // submitted, awaiting approval
	MilestoneApproved   MilestoneStatus = "approved"
	MilestoneReleased   MilestoneStatus = "released"
	MilestoneDisputed   MilestoneStatus = "disputed"
)

// Resolution is the outcome of a dispute.
type Resolution string

const (
	ResolutionClientFavor     Resolution = "client_favor"
	ResolutionFreelancerFavor Resolution = "freelancer_favor"
	ResolutionPartialRefund   Resolution = "partial_refund"
	ResolutionFullRefund      Resolution = "full_refund"
	ResolutionNoAction        Resolution = "no_action"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionClientFavor, ResolutionFreelancerFavor, ResolutionPartialRefund,
		ResolutionFullRefund, ResolutionNoAction:
		return true
	}
	return false
}

// Flags are the contract options chosen at funding time.
type Flags struct {
	MilestoneBased   bool `json:"milestoneBased"`
	AutomaticRelease bool `json:"automaticRelease"`
	FraudInsurance   bool `json:"fraudInsurance"`
	MultiSignature   bool `json:"multiSignature"`
}

// Account is the escrow for one funded project.
type Account struct {
	ID               string          `json:"id"`
	ProjectID        string          `json:"projectId"`
	ClientID         string          `json:"clientId"`
	FreelancerID     string          `json:"freelancerId"`
	PayoutAccount    string          `json:"payoutAccount,omitempty"`
	CustomerRef      string          `json:"customerRef,omitempty"`
	PaymentReference string          `json:"paymentReference,omitempty"`
	Currency         string          `json:"currency"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	PlatformFee      decimal.Decimal `json:"platformFee"`
	AvailableAmount  decimal.Decimal `json:"availableAmount"`
	Status           AccountStatus   `json:"status"`
	ProtectionLevel  ProtectionLevel `json:"protectionLevel"`
	RiskScore        float64         `json:"riskScore"`
	Flags            Flags           `json:"flags"`
	AutoApproveAfter time.Duration   `json:"autoApproveAfter"`
	Frozen           bool            `json:"frozen"`
	FrozenReason     string          `json:"frozenReason,omitempty"`
	OpenDisputes     int             `json:"openDisputes"`
	Version          int64           `json:"version"`
	Milestones       []*Milestone    `json:"milestones,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	FundedAt         *time.Time      `json:"fundedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

// Milestone finds a milestone of the account by ID.
func (a *Account) Milestone(id string) *Milestone {
	for _, m := range a.Milestones {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	cp.FundedAt = cloneTime(a.FundedAt)
	cp.CompletedAt = cloneTime(a.CompletedAt)
	cp.Milestones = make([]*Milestone, len(a.Milestones))
	for i, m := range a.Milestones {
		cp.Milestones[i] = m.Clone()
	}
	return &cp
}

// Milestone is one ordered deliverable of an account.
type Milestone struct {
	ID                 string          `json:"id"`
	AccountID          string          `json:"accountId"`
	OrderIndex         int             `json:"orderIndex"`
	Title              string          `json:"title"`
	Amount             decimal.Decimal `json:"amount"`
	RefundedAmount     decimal.Decimal `json:"refundedAmount"`
	Status             MilestoneStatus `json:"status"`
	CompletionCriteria string          `json:"completionCriteria,omitempty"`
	Deliverables       []string        `json:"deliverables,omitempty"`
	DueDate            *time.Time      `json:"dueDate,omitempty"`
	StartedAt          *time.Time      `json:"startedAt,omitempty"`
	SubmittedAt        *time.Time      `json:"submittedAt,omitempty"`
	AutoApproveAt      *time.Time      `json:"autoApproveAt,omitempty"`
	ApprovedAt         *time.Time      `json:"approvedAt,omitempty"`
	ReleasedAt         *time.Time      `json:"releasedAt,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Remaining is the part of the milestone amount not yet refunded.
func (m *Milestone) Remaining() decimal.Decimal {
	r := money.Round(m.Amount.Sub(m.RefundedAmount))
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Settled reports whether no money is owed on the milestone any more.
func (m *Milestone) Settled() bool {
	return m.Status == MilestoneReleased || !money.Positive(m.Remaining())
}

// Clone returns a deep copy.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Deliverables != nil {
		cp.Deliverables = append([]string(nil), m.Deliverables...)
	}
	cp.DueDate = cloneTime(m.DueDate)
	cp.StartedAt = cloneTime(m.StartedAt)
	cp.SubmittedAt = cloneTime(m.SubmittedAt)
	cp.AutoApproveAt = cloneTime(m.AutoApproveAt)
	cp.ApprovedAt = cloneTime(m.ApprovedAt)
	cp.ReleasedAt = cloneTime(m.ReleasedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// MilestoneSpec describes a milestone in a funding request.
type MilestoneSpec struct {
	Title              string     `json:"title" binding:"required"`
	Amount             string     `json:"amount" binding:"required"`
	OrderIndex         *int       `json:"orderIndex"`
	CompletionCriteria string     `json:"completionCriteria"`
	DueDate            *time.Time `json:"dueDate"`
}

// FundRequest creates and funds an escrow account.
type FundRequest struct {
	ProjectID        string          `json:"projectId" binding:"required"`
	ClientID         string          `json:"clientId" binding:"required"`
	FreelancerID     string          `json:"freelancerId" binding:"required"`
	PayoutAccount    string          `json:"payoutAccount"`
	CustomerRef      string          `json:"customerRef"`
	TotalAmount      string          `json:"totalAmount" binding:"required"`
	PlatformFee      string          `json:"platformFee"`
	Currency         string          `json:"currency"`
	ProtectionLevel  ProtectionLevel `json:"protectionLevel"`
	Flags            Flags           `json:"flags"`
	AutoApproveAfter string          `json:"autoApproveAfter"` // duration string, e.g. "72h"
	Milestones       []MilestoneSpec `json:"milestones" binding:"dive"`
}

// ReleaseRequest releases an approved milestone. Amount is optional; when
// set it must equal what is left on the milestone.
type ReleaseRequest struct {
	MilestoneID string `json:"-"`
	Amount      string `json:"amount"`
}

// ResolutionRequest applies a dispute outcome to the money.
type ResolutionRequest struct {
	AccountID   string
	MilestoneID string // empty for an account-level dispute
	DisputeID   string
	Resolution  Resolution
	Amount      decimal.Decimal // zero means "not specified"
	Reason      string
}

// InsurancePayout pays an approved insurance claim from the insurance pool.
type InsurancePayout struct {
	AccountID   string
	ClaimID     string
	Destination string
	Amount      decimal.Decimal
}

// ListFilter selects accounts for listing.
type ListFilter struct {
	ClientID     string
	FreelancerID string
	Status       AccountStatus
	Limit        int
}

const (
	// DefaultListLimit applies when no limit is given.
	DefaultListLimit = 50
	// MaxListLimit caps listing size.
	MaxListLimit = 200
	// MaxMilestones bounds the milestones of one account.
	MaxMilestones = 100
)
