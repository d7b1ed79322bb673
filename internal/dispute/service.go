package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/workwise/escrowd/internal/audit"
	"github.com/workwise/escrowd/internal/escrow"
	"github.com/workwise/escrowd/internal/events"
	"github.com/workwise/escrowd/internal/idgen"
	"github.com/workwise/escrowd/internal/ledger"
	"github.com/workwise/escrowd/internal/logging"
	"github.com/workwise/escrowd/internal/money"
	"github.com/workwise/escrowd/internal/syncutil"
	"github.com/workwise/escrowd/internal/traces"
	"github.com/workwise/escrowd/internal/validation"
)

const maxReasonLength = 2000

// Escrow is the part of the escrow service disputes and claims drive.
type Escrow interface {
	Get(ctx context.Context, id string) (*escrow.Account, error)
	MarkDisputed(ctx context.Context, accountID, milestoneID string) (*escrow.Account, error)
	ApplyResolution(ctx context.Context, req escrow.ResolutionRequest) (*ledger.Transaction, error)
	PayInsuranceClaim(ctx context.Context, p escrow.InsurancePayout) (*ledger.Transaction, error)
	RetryTransaction(ctx context.Context, txID, destination string) (*ledger.Transaction, error)
	ClearDispute(ctx context.Context, accountID string, prev *escrow.Milestone) (*escrow.Account, error)
}

// Service runs the dispute and insurance claim workflows.
type Service struct {
	store  Store
	escrow Escrow
	events events.Publisher
	logger *slog.Logger

	locks       *syncutil.KeyedMutex
	lockTimeout time.Duration
	now         func() time.Time
}

// NewService creates a dispute service over the escrow service.
func NewService(store Store, e Escrow) *Service {
	return &Service{
		store:       store,
		escrow:      e,
		events:      events.Nop{},
		logger:      slog.Default(),
		locks:       syncutil.NewKeyedMutex(),
		lockTimeout: escrow.DefaultLockTimeout,
		now:         time.Now,
	}
}

func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) lock(ctx context.Context, key string) (func(), error) {
	unlock, err := s.locks.LockTimeout(ctx, key, s.lockTimeout)
	if errors.Is(err, syncutil.ErrLockTimeout) {
		return nil, &escrow.ConcurrencyConflict{AccountID: key}
	}
	return unlock, err
}

// OpenDispute opens a dispute on an account, or on one of its milestones.
// A milestone can carry only one unresolved dispute, and released
// milestones cannot be disputed.
func (s *Service) OpenDispute(ctx context.Context, req OpenRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open",
		traces.AccountID(req.AccountID), traces.MilestoneID(req.MilestoneID))
	defer span.End()

	req.RaisedBy = strings.TrimSpace(req.RaisedBy)
	req.Reason = validation.SanitizeString(req.Reason, maxReasonLength)
	if req.RaisedBy == "" {
		return nil, invalid("raisedBy", "is required")
	}
	if req.Reason == "" {
		return nil, invalid("reason", "is required")
	}

	unlock, err := s.lock(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := s.escrow.Get(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if req.RaisedBy != acct.ClientID && req.RaisedBy != acct.FreelancerID {
		return nil, invalid("raisedBy", "must be the client or the freelancer of the account")
	}
	var prev *escrow.Milestone
	if req.MilestoneID != "" {
		if _, err := s.store.ActiveForMilestone(ctx, req.MilestoneID); err == nil {
			return nil, escrow.ErrDisputeOpen
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		prev = acct.Milestone(req.MilestoneID)
	}

	if _, err := s.escrow.MarkDisputed(ctx, req.AccountID, req.MilestoneID); err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	now := s.now()
	d := &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		AccountID:   req.AccountID,
		MilestoneID: req.MilestoneID,
		RaisedBy:    req.RaisedBy,
		Reason:      req.Reason,
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateDispute(ctx, d); err != nil {
		if _, clearErr := s.escrow.ClearDispute(ctx, req.AccountID, prev); clearErr != nil {
			logging.L(ctx).Error("dispute marked on account but neither stored nor cleared",
				"account_id", req.AccountID, "milestone_id", req.MilestoneID,
				"error", err, "clear_error", clearErr)
		}
		traces.Fail(span, err)
		return nil, err
	}

	ev := s.disputeEvent(ctx, "opened", nil, d)
	ev.UserID = d.RaisedBy
	if d.MilestoneID != "" {
		ev.Attrs = map[string]string{"milestone_id": d.MilestoneID}
	}
	s.publish(ctx, ev)

	disputesTotal.WithLabelValues(string(StatusOpen)).Inc()
	logging.L(ctx).Info("dispute opened", "dispute_id", d.ID, "account_id", d.AccountID,
		"milestone_id", d.MilestoneID, "raised_by", d.RaisedBy)
	return d, nil
}

// GetDispute returns a dispute by ID.
func (s *Service) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// ListDisputes returns disputes newest first.
func (s *Service) ListDisputes(ctx context.Context, f ListFilter) ([]*Dispute, error) {
	return s.store.ListDisputes(ctx, f)
}

// Transition moves a dispute along its workflow. Resolution carries money
// and goes through ResolveDispute instead.
func (s *Service) Transition(ctx context.Context, id string, to Status) (*Dispute, error) {
	if to == StatusResolved {
		return nil, invalid("status", "disputes are resolved through the resolve operation")
	}

	d, err := s.store.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx, d.AccountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if d, err = s.store.GetDispute(ctx, id); err != nil {
		return nil, err
	}
	if d.Status.Final() {
		return nil, ErrAlreadyClosed
	}
	if !CanTransition(d.Status, to) {
		return nil, invalid("status", "cannot move a dispute from %s to %s", d.Status, to)
	}

	before := d.Clone()
	d.Status = to
	d.UpdatedAt = s.now()
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}
	ev := s.disputeEvent(ctx, "status_changed", before, d)
	ev.Attrs = map[string]string{"from": string(before.Status), "to": string(to)}
	s.publish(ctx, ev)
	disputesTotal.WithLabelValues(string(to)).Inc()
	return d, nil
}

// ResolveDispute closes a dispute in mediation or escalation and applies
// the resolution to the escrowed money.
func (s *Service) ResolveDispute(ctx context.Context, id string, req ResolveRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(id))
	defer span.End()

	if !req.Resolution.Valid() {
		return nil, invalid("resolution", "unknown resolution %q", req.Resolution)
	}
	if req.Amount.IsNegative() {
		return nil, invalid("amount", "must not be negative")
	}

	d, err := s.store.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx, d.AccountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if d, err = s.store.GetDispute(ctx, id); err != nil {
		return nil, err
	}
	if d.Status.Final() {
		return nil, ErrAlreadyClosed
	}
	if !CanTransition(d.Status, StatusResolved) {
		return nil, invalid("status", "a %s dispute cannot be resolved yet", d.Status)
	}

	tx, applyErr := s.escrow.ApplyResolution(ctx, escrow.ResolutionRequest{
		AccountID:   d.AccountID,
		MilestoneID: d.MilestoneID,
		DisputeID:   d.ID,
		Resolution:  req.Resolution,
		Amount:      req.Amount,
		Reason:      req.Notes,
	})
	// A rail failure after the resolution was applied still closes the
	// dispute. The failed transaction is settled again by RetryResolution.
	var railErr *escrow.ExternalRailError
	if applyErr != nil && (tx == nil || !errors.As(applyErr, &railErr)) {
		traces.Fail(span, applyErr)
		return nil, applyErr
	}

	_, actorID := audit.ActorFrom(ctx)
	now := s.now()
	before := d.Clone()
	d.Status = StatusResolved
	d.Resolution = req.Resolution
	d.ResolutionAmount = money.Round(req.Amount)
	d.ResolutionNotes = validation.SanitizeString(req.Notes, maxReasonLength)
	d.ResolvedAt = &now
	d.ResolvedBy = actorID
	d.UpdatedAt = now
	if tx != nil {
		d.TransactionID = tx.ID
		d.ResolutionAmount = tx.Amount
	}
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}

	ev := s.disputeEvent(ctx, "resolved", before, d)
	ev.Attrs = map[string]string{"resolution": string(d.Resolution)}
	if tx != nil {
		ev.Amount = money.Format(tx.Amount)
		ev.Attrs["transaction_id"] = tx.ID
	}
	s.publish(ctx, ev)

	disputesTotal.WithLabelValues(string(StatusResolved)).Inc()
	resolutionsTotal.WithLabelValues(string(d.Resolution)).Inc()
	logging.L(ctx).Info("dispute resolved", "dispute_id", d.ID, "account_id", d.AccountID,
		"resolution", d.Resolution, "transaction_id", d.TransactionID)
	return d, applyErr
}

// RetryResolution settles the money movement of a resolved dispute again
// after its refund or release failed on the payment rail. The dispute then
// points at the new transaction.
func (s *Service) RetryResolution(ctx context.Context, id string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.RetryResolution", traces.DisputeID(id))
	defer span.End()

	d, err := s.store.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx, d.AccountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if d, err = s.store.GetDispute(ctx, id); err != nil {
		return nil, err
	}
	if d.Status != StatusResolved || d.TransactionID == "" {
		return nil, fmt.Errorf("%w: dispute %s has no resolution transaction to retry", escrow.ErrInvalidTransition, d.ID)
	}

	tx, retryErr := s.escrow.RetryTransaction(ctx, d.TransactionID, "")
	if tx == nil {
		traces.Fail(span, retryErr)
		return nil, retryErr
	}

	before := d.Clone()
	d.TransactionID = tx.ID
	d.UpdatedAt = s.now()
	if err := s.store.SetResolutionTransaction(ctx, d.ID, tx.ID, d.UpdatedAt); err != nil {
		return nil, err
	}
	ev := s.disputeEvent(ctx, "resolution_retried", before, d)
	ev.Amount = money.Format(tx.Amount)
	ev.Attrs = map[string]string{"transaction_id": tx.ID, "retry_of": before.TransactionID}
	s.publish(ctx, ev)

	logging.L(ctx).Info("dispute resolution retried", "dispute_id", d.ID,
		"transaction_id", tx.ID, "retry_of", before.TransactionID, "status", tx.Status)
	return d, retryErr
}

func (s *Service) disputeEvent(ctx context.Context, action string, before, d *Dispute) events.Event {
	var b any
	if before != nil {
		b = before
	}
	e := events.New(ctx, events.EntityDispute, action, d.ID, b, d)
	e.AccountID = d.AccountID
	e.UserID = actingUser(e, d.RaisedBy)
	return e
}

// actingUser attributes an event to the client or freelancer acting, and to
// fallback for operator and system actions.
func actingUser(e events.Event, fallback string) string {
	switch e.ActorType {
	case audit.ActorClient, audit.ActorFreelancer:
		if e.ActorID != "" {
			return e.ActorID
		}
	}
	return fallback
}

func (s *Service) publish(ctx context.Context, evs ...events.Event) {
	for _, e := range evs {
		if err := s.events.Publish(ctx, e); err != nil {
			logging.L(ctx).Error("failed to publish dispute event", "type", e.Type(), "entity_id", e.EntityID, "error", err)
		}
	}
}
