package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/workwise/escrowd/internal/audit"
	"github.com/workwise/escrowd/internal/escrow"
	"github.com/workwise/escrowd/internal/events"
	"github.com/workwise/escrowd/internal/idgen"
	"github.com/workwise/escrowd/internal/ledger"
	"github.com/workwise/escrowd/internal/logging"
	"github.com/workwise/escrowd/internal/money"
	"github.com/workwise/escrowd/internal/traces"
	"github.com/workwise/escrowd/internal/validation"
)

// FileInsuranceClaim files a claim against the fraud insurance pool of an
// account. The account must have been funded with fraud insurance.
func (s *Service) FileInsuranceClaim(ctx context.Context, req ClaimRequest) (*Claim, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.FileClaim",
		traces.AccountID(req.AccountID), traces.DisputeID(req.DisputeID))
	defer span.End()

	req.ClaimantID = strings.TrimSpace(req.ClaimantID)
	req.Reason = validation.SanitizeString(req.Reason, maxReasonLength)
	if req.ClaimantID == "" {
		return nil, invalid("claimantId", "is required")
	}
	if req.Reason == "" {
		return nil, invalid("reason", "is required")
	}
	amount := money.Round(req.Amount)
	if !money.Positive(amount) {
		return nil, invalid("amount", "must be a positive amount")
	}

	acct, err := s.escrow.Get(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if !acct.Flags.FraudInsurance {
		return nil, escrow.ErrInsuranceNotEnabled
	}
	if req.ClaimantID != acct.ClientID && req.ClaimantID != acct.FreelancerID {
		return nil, invalid("claimantId", "must be the client or the freelancer of the account")
	}
	if amount.GreaterThan(acct.TotalAmount) {
		return nil, invalid("amount", "exceeds the %s funded on the account", money.Format(acct.TotalAmount))
	}
	if req.DisputeID != "" {
		d, err := s.store.GetDispute(ctx, req.DisputeID)
		if err != nil {
			return nil, err
		}
		if d.AccountID != acct.ID {
			return nil, invalid("disputeId", "belongs to another account")
		}
	}

	now := s.now()
	c := &Claim{
		ID:         idgen.WithPrefix("clm_"),
		AccountID:  acct.ID,
		DisputeID:  req.DisputeID,
		ClaimantID: req.ClaimantID,
		Amount:     amount,
		Reason:     req.Reason,
		Status:     ClaimSubmitted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateClaim(ctx, c); err != nil {
		return nil, err
	}
	s.publish(ctx, s.claimEvent(ctx, "filed", nil, c))
	claimsTotal.WithLabelValues(string(ClaimSubmitted)).Inc()
	logging.L(ctx).Info("insurance claim filed", "claim_id", c.ID, "account_id", c.AccountID,
		"amount", money.Format(c.Amount))
	return c, nil
}

// GetClaim returns a claim by ID.
func (s *Service) GetClaim(ctx context.Context, id string) (*Claim, error) {
	return s.store.GetClaim(ctx, id)
}

// ListClaims returns the claims filed against an account, newest first.
func (s *Service) ListClaims(ctx context.Context, accountID string) ([]*Claim, error) {
	return s.store.ListClaims(ctx, accountID)
}

// TransitionClaim moves a claim through review. Approval pays the claim
// from the insurance pool and the claim becomes paid once the payout
// settles.
func (s *Service) TransitionClaim(ctx context.Context, id string, to ClaimStatus, notes string) (*Claim, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.TransitionClaim")
	defer span.End()

	unlock, err := s.lock(ctx, "claim:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.store.GetClaim(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status.Final() {
		return nil, ErrAlreadyClosed
	}
	if !CanTransitionClaim(c.Status, to) {
		return nil, invalid("status", "cannot move a claim from %s to %s", c.Status, to)
	}

	before := c.Clone()
	c.Status = to
	c.UpdatedAt = s.now()
	if to == ClaimApproved || to == ClaimDenied {
		_, c.DecidedBy = audit.ActorFrom(ctx)
		c.DecisionNotes = validation.SanitizeString(notes, maxReasonLength)
	}

	var (
		tx     *ledger.Transaction
		payErr error
	)
	if to == ClaimApproved {
		// Nothing is recorded unless the payout transaction exists.
		if tx, payErr = s.payout(ctx, c); tx == nil {
			traces.Fail(span, payErr)
			return nil, payErr
		}
		c.TransactionID = tx.ID
	}
	if err := s.store.UpdateClaim(ctx, c); err != nil {
		return nil, err
	}
	ev := s.claimEvent(ctx, "status_changed", before, c)
	ev.Attrs = map[string]string{"from": string(before.Status), "to": string(to)}
	s.publish(ctx, ev)
	claimsTotal.WithLabelValues(string(to)).Inc()

	if tx != nil && tx.Status == ledger.TxCompleted {
		return s.markPaid(ctx, c, tx)
	}
	return c, payErr
}

// RetryPayout pays an approved claim again after its payout failed on the
// payment rail. The claim becomes paid once the new payout settles.
func (s *Service) RetryPayout(ctx context.Context, id string) (*Claim, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.RetryPayout")
	defer span.End()

	unlock, err := s.lock(ctx, "claim:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.store.GetClaim(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != ClaimApproved || c.TransactionID == "" {
		return nil, fmt.Errorf("%w: claim %s is %s with no payout to retry", escrow.ErrInvalidTransition, c.ID, c.Status)
	}
	acct, err := s.escrow.Get(ctx, c.AccountID)
	if err != nil {
		return nil, err
	}

	tx, payErr := s.escrow.RetryTransaction(ctx, c.TransactionID, payoutDestination(acct, c.ClaimantID))
	if tx == nil {
		traces.Fail(span, payErr)
		return nil, payErr
	}

	before := c.Clone()
	c.TransactionID = tx.ID
	c.UpdatedAt = s.now()
	if err := s.store.UpdateClaim(ctx, c); err != nil {
		return nil, err
	}
	ev := s.claimEvent(ctx, "payout_retried", before, c)
	ev.Amount = money.Format(tx.Amount)
	ev.Attrs = map[string]string{"transaction_id": tx.ID, "retry_of": before.TransactionID}
	s.publish(ctx, ev)
	logging.L(ctx).Info("insurance claim payout retried", "claim_id", c.ID,
		"transaction_id", tx.ID, "retry_of", before.TransactionID, "status", tx.Status)

	if tx.Status == ledger.TxCompleted {
		return s.markPaid(ctx, c, tx)
	}
	return c, payErr
}

// payout pays an approved claim from the insurance pool. A pending or failed
// payout leaves the claim approved.
func (s *Service) payout(ctx context.Context, c *Claim) (*ledger.Transaction, error) {
	acct, err := s.escrow.Get(ctx, c.AccountID)
	if err != nil {
		return nil, err
	}
	return s.escrow.PayInsuranceClaim(ctx, escrow.InsurancePayout{
		AccountID:   c.AccountID,
		ClaimID:     c.ID,
		Destination: payoutDestination(acct, c.ClaimantID),
		Amount:      c.Amount,
	})
}

func (s *Service) markPaid(ctx context.Context, c *Claim, tx *ledger.Transaction) (*Claim, error) {
	before := c.Clone()
	c.Status = ClaimPaid
	c.UpdatedAt = s.now()
	if err := s.store.UpdateClaim(ctx, c); err != nil {
		return c, err
	}
	ev := s.claimEvent(ctx, "paid", before, c)
	ev.Amount = money.Format(tx.Amount)
	ev.Attrs = map[string]string{"transaction_id": tx.ID}
	s.publish(ctx, ev)
	claimsTotal.WithLabelValues(string(ClaimPaid)).Inc()
	logging.L(ctx).Info("insurance claim paid", "claim_id", c.ID, "transaction_id", tx.ID)
	return c, nil
}

// payoutDestination pays the client back to the card they funded with and
// the freelancer to their payout account.
func payoutDestination(acct *escrow.Account, claimantID string) string {
	dest := acct.CustomerRef
	if claimantID == acct.FreelancerID {
		dest = acct.PayoutAccount
	}
	if dest == "" {
		dest = claimantID
	}
	return dest
}

func (s *Service) claimEvent(ctx context.Context, action string, before, c *Claim) events.Event {
	var b any
	if before != nil {
		b = before
	}
	e := events.New(ctx, events.EntityClaim, action, c.ID, b, c)
	e.AccountID = c.AccountID
	e.UserID = actingUser(e, c.ClaimantID)
	if action == "filed" {
		e.Amount = money.Format(c.Amount)
	}
	return e
}

// Name identifies the claim settlement sink on the event bus.
func (s *Service) Name() string { return "insurance_claims" }

// Publish marks a claim paid when its payout transaction completes after
// the rail confirms asynchronously.
func (s *Service) Publish(ctx context.Context, e events.Event) error {
	if e.Entity != events.EntityTransaction || e.Action != "completed" ||
		e.Attrs["type"] != string(ledger.TxInsuranceClaim) {
		return nil
	}
	c, err := s.store.GetClaimByTransaction(ctx, e.EntityID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	unlock, err := s.lock(ctx, "claim:"+c.ID)
	if err != nil {
		return err
	}
	defer unlock()

	if c, err = s.store.GetClaim(ctx, c.ID); err != nil {
		return err
	}
	if c.Status != ClaimApproved {
		return nil
	}
	amount, _ := money.Parse(e.Amount)
	if !money.Positive(amount) {
		amount = c.Amount
	}
	_, err = s.markPaid(ctx, c, &ledger.Transaction{ID: e.EntityID, Amount: amount})
	return err
}
