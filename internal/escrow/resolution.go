package escrow

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/workwise/escrowd/internal/events"
	"github.com/workwise/escrowd/internal/ledger"
	"github.com/workwise/escrowd/internal/logging"
	"github.com/workwise/escrowd/internal/money"
	"github.com/workwise/escrowd/internal/traces"
)

// MarkDisputed records a newly opened dispute. With a milestone ID the
// milestone moves to disputed; in both cases the account becomes disputed
// until every dispute on it is resolved. A milestone still disputed after
// an earlier resolution left money on it can be disputed again; callers
// ensure it carries one unresolved dispute at a time.
func (s *Service) MarkDisputed(ctx context.Context, accountID, milestoneID string) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.MarkDisputed", traces.AccountID(accountID), traces.MilestoneID(milestoneID))
	defer span.End()

	return s.mutate(ctx, accountID, func(acct *Account, c *change) error {
		if acct.Status.Terminal() || acct.FundedAt == nil {
			return fmt.Errorf("%w: cannot dispute a %s account", ErrInvalidTransition, acct.Status)
		}

		if milestoneID != "" {
			ms := acct.Milestone(milestoneID)
			if ms == nil {
				return ErrNotFound
			}
			if ms.Status == MilestoneReleased {
				return ErrMilestoneReleased
			}
			txs, err := s.store.Transactions(ctx, acct.ID)
			if err != nil {
				return err
			}
			if findTx(txs, ledger.TxRelease, ms.ID, ledger.TxStatus.Open) != nil {
				return ErrReleaseInFlight
			}
			if ms.Status == MilestoneDisputed && !money.Positive(ms.Remaining()) {
				return fmt.Errorf("%w: nothing is left on the milestone to dispute", ErrInvalidTransition)
			}
			before := ms.Clone()
			ms.Status = MilestoneDisputed
			ms.AutoApproveAt = nil
			ms.UpdatedAt = s.now()
			c.milestone(ms)
			c.emit(s.event(ctx, acct, events.EntityMilestone, "disputed", ms.ID, before, ms))
		}

		before := acct.summary()
		acct.OpenDisputes++
		if acct.Status == AccountActive {
			acct.Status = AccountDisputed
		}
		c.emit(s.event(ctx, acct, events.EntityAccount, "disputed", acct.ID, before, acct.summary()))
		return nil
	})
}

// ClearDispute undoes MarkDisputed for a dispute that was never recorded.
// prev is the milestone as it was before it was marked, or nil for a
// dispute on the whole account.
func (s *Service) ClearDispute(ctx context.Context, accountID string, prev *Milestone) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ClearDispute", traces.AccountID(accountID))
	defer span.End()

	return s.mutate(ctx, accountID, func(acct *Account, c *change) error {
		if acct.OpenDisputes <= 0 {
			return fmt.Errorf("%w: account has no open dispute", ErrInvalidTransition)
		}
		if prev != nil {
			ms := acct.Milestone(prev.ID)
			if ms == nil {
				return ErrNotFound
			}
			if ms.Status == MilestoneDisputed && prev.Status != MilestoneDisputed {
				before := ms.Clone()
				ms.Status = prev.Status
				ms.AutoApproveAt = prev.AutoApproveAt
				ms.UpdatedAt = s.now()
				c.milestone(ms)
				c.emit(s.event(ctx, acct, events.EntityMilestone, "dispute_cleared", ms.ID, before, ms))
			}
		}

		before := acct.summary()
		acct.OpenDisputes--
		if acct.OpenDisputes == 0 && acct.Status == AccountDisputed && !acct.Frozen {
			acct.Status = AccountActive
		}
		c.emit(s.event(ctx, acct, events.EntityAccount, "dispute_cleared", acct.ID, before, acct.summary()))
		logging.L(ctx).Warn("dispute marking cleared", "milestone_id", milestoneOf(prev))
		return nil
	})
}

func milestoneOf(ms *Milestone) string {
	if ms == nil {
		return ""
	}
	return ms.ID
}

// ApplyResolution moves the money a dispute resolution calls for and closes
// the dispute on the account. It returns the refund or release transaction,
// or nil when the resolution moves no money.
func (s *Service) ApplyResolution(ctx context.Context, req ResolutionRequest) (*ledger.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ApplyResolution",
		traces.AccountID(req.AccountID), traces.MilestoneID(req.MilestoneID), traces.DisputeID(req.DisputeID))
	defer span.End()

	if !req.Resolution.Valid() {
		return nil, invalid("resolution", "unknown resolution %q", req.Resolution)
	}
	if req.Amount.IsNegative() {
		return nil, invalid("amount", "must not be negative")
	}
	amount := money.Round(req.Amount)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "dispute " + string(req.Resolution)
	}

	var txID string
	_, err := s.mutate(ctx, req.AccountID, func(acct *Account, c *change) error {
		if acct.Frozen {
			return fmt.Errorf("%w: %s", ErrAccountFrozen, acct.FrozenReason)
		}
		if acct.OpenDisputes <= 0 {
			return fmt.Errorf("%w: account has no open dispute", ErrInvalidTransition)
		}
		txs, err := s.store.Transactions(ctx, acct.ID)
		if err != nil {
			return err
		}
		avail := spendable(acct, txs)

		var ms *Milestone
		if req.MilestoneID != "" {
			if ms = acct.Milestone(req.MilestoneID); ms == nil {
				return ErrNotFound
			}
			if ms.Status != MilestoneDisputed {
				return fmt.Errorf("%w: milestone is %s, not disputed", ErrInvalidTransition, ms.Status)
			}
		}

		// Owed is what the resolution can move at most.
		owed := avail
		if ms != nil {
			owed = decimal.Min(ms.Remaining(), avail)
		}

		var (
			txType = ledger.TxRefund
			move   decimal.Decimal
		)
		switch req.Resolution {
		case ResolutionClientFavor:
			move = owed
		case ResolutionFullRefund:
			move = owed
			if money.Positive(amount) {
				move = amount
			}
		case ResolutionPartialRefund:
			if !money.Positive(amount) {
				return invalid("amount", "partial_refund requires a positive amount")
			}
			move = amount
		case ResolutionFreelancerFavor:
			if ms != nil {
				txType = ledger.TxRelease
				move = owed
			}
		}

		if ms != nil && move.GreaterThan(ms.Remaining()) {
			return invalid("amount", "exceeds the %s left on the milestone", money.Format(ms.Remaining()))
		}
		if move.GreaterThan(avail) {
			return &InsufficientFundsError{AccountID: acct.ID, Available: avail, Requested: move}
		}

		now := s.now()
		if ms != nil && (req.Resolution == ResolutionNoAction || req.Resolution == ResolutionFreelancerFavor) {
			before := ms.Clone()
			ms.Status = MilestoneApproved
			ms.ApprovedAt = &now
			if req.Resolution == ResolutionFreelancerFavor && !money.Positive(move) {
				ms.Status = MilestoneReleased
				ms.ReleasedAt = &now
			}
			ms.UpdatedAt = now
			c.milestone(ms)
			c.emit(s.event(ctx, acct, events.EntityMilestone, "dispute_resolved", ms.ID, before, ms))
		}

		if money.Positive(move) {
			milestoneID := ""
			if ms != nil {
				milestoneID = ms.ID
			}
			tx := s.newTx(acct, milestoneID, txType, move, reason)
			c.addTx(tx)
			c.emit(txEvent(s, ctx, acct, "created", nil, tx))
			txID = tx.ID
		}

		before := acct.summary()
		acct.OpenDisputes--
		if acct.OpenDisputes == 0 && acct.Status == AccountDisputed && !acct.Frozen {
			acct.Status = AccountActive
		}
		ev := s.event(ctx, acct, events.EntityAccount, "dispute_resolved", acct.ID, before, acct.summary())
		ev.Attrs = map[string]string{"resolution": string(req.Resolution), "dispute_id": req.DisputeID}
		c.emit(ev)

		logging.L(ctx).Info("dispute resolution applied",
			"dispute_id", req.DisputeID, "milestone_id", req.MilestoneID,
			"resolution", req.Resolution, "amount", money.Format(move))

		if txID == "" {
			return s.maybeComplete(ctx, c, acct)
		}
		return nil
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	if txID == "" {
		return nil, nil
	}
	return s.settle(ctx, req.AccountID, txID, "")
}

// Freeze stops all money movement on an account. Active and pending accounts
// become disputed. Terminal accounts are only flagged.
func (s *Service) Freeze(ctx context.Context, accountID, reason, source string) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Freeze", traces.AccountID(accountID))
	defer span.End()

	return s.mutate(ctx, accountID, func(acct *Account, c *change) error {
		s.freeze(ctx, c, acct, reason, source)
		return nil
	})
}

func (s *Service) freeze(ctx context.Context, c *change, acct *Account, reason, source string) {
	if acct.Frozen {
		return
	}
	before := acct.summary()
	acct.Frozen = true
	acct.FrozenReason = reason
	if acct.Status == AccountActive || acct.Status == AccountPending {
		acct.Status = AccountDisputed
	}
	ev := s.event(ctx, acct, events.EntityAccount, "frozen", acct.ID, before, acct.summary())
	ev.Attrs = map[string]string{"reason": reason, "source": source}
	c.emit(ev)
	frozenAccounts.WithLabelValues(source).Inc()
	logging.L(ctx).Warn("escrow account frozen", "reason", reason, "source", source)
}

// Unfreeze lifts a freeze. The account returns to disputed while disputes
// remain open, to pending if it was never funded, and to active otherwise.
func (s *Service) Unfreeze(ctx context.Context, accountID string) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Unfreeze", traces.AccountID(accountID))
	defer span.End()

	return s.mutate(ctx, accountID, func(acct *Account, c *change) error {
		if !acct.Frozen {
			return nil
		}
		before := acct.summary()
		acct.Frozen = false
		acct.FrozenReason = ""
		if acct.Status == AccountDisputed && acct.OpenDisputes == 0 {
			if acct.FundedAt == nil {
				acct.Status = AccountPending
			} else {
				acct.Status = AccountActive
			}
		}
		c.emit(s.event(ctx, acct, events.EntityAccount, "unfrozen", acct.ID, before, acct.summary()))
		logging.L(ctx).Info("escrow account unfrozen", "status", acct.Status)
		return s.maybeComplete(ctx, c, acct)
	})
}

// PayInsuranceClaim pays an approved claim from the insurance pool. The
// escrowed funds are untouched.
func (s *Service) PayInsuranceClaim(ctx context.Context, p InsurancePayout) (*ledger.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.PayInsuranceClaim", traces.AccountID(p.AccountID))
	defer span.End()

	if !money.Positive(p.Amount) {
		return nil, invalid("amount", "must be a positive amount")
	}
	if strings.TrimSpace(p.Destination) == "" {
		return nil, invalid("destination", "is required")
	}

	var txID string
	_, err := s.mutate(ctx, p.AccountID, func(acct *Account, c *change) error {
		if !acct.Flags.FraudInsurance {
			return ErrInsuranceNotEnabled
		}
		if acct.FundedAt == nil || acct.Status == AccountCancelled {
			return fmt.Errorf("%w: account was never funded", ErrInvalidTransition)
		}
		tx := s.newTx(acct, "", ledger.TxInsuranceClaim, p.Amount, "insurance claim "+p.ClaimID)
		c.addTx(tx)
		c.emit(txEvent(s, ctx, acct, "created", nil, tx))
		txID = tx.ID
		return nil
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	return s.settle(ctx, p.AccountID, txID, p.Destination)
}
