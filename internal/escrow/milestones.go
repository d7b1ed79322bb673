package escrow

import (
	"context"
	"fmt"
	"strings"

	"github.com/workwise/escrowd/internal/events"
	"github.com/workwise/escrowd/internal/ledger"
	"github.com/workwise/escrowd/internal/logging"
	"github.com/workwise/escrowd/internal/money"
	"github.com/workwise/escrowd/internal/traces"
)

// transition moves one milestone under its account's lock. apply validates
// the move and changes the milestone; an error leaves everything untouched.
func (s *Service) transition(ctx context.Context, milestoneID, action string, apply func(acct *Account, ms *Milestone) error) (*Milestone, error) {
	owner, err := s.store.GetByMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	var out *Milestone
	_, err = s.mutate(ctx, owner.ID, func(acct *Account, c *change) error {
		ms := acct.Milestone(milestoneID)
		if ms == nil {
			return ErrNotFound
		}
		before := ms.Clone()
		if err := apply(acct, ms); err != nil {
			return err
		}
		ms.UpdatedAt = s.now()
		c.milestone(ms)
		c.emit(s.event(ctx, acct, events.EntityMilestone, action, ms.ID, before, ms))
		out = ms.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("milestone "+action, "account_id", owner.ID, "milestone_id", milestoneID)
	return out, nil
}

// StartMilestone moves a milestone from pending to in_progress.
func (s *Service) StartMilestone(ctx context.Context, milestoneID string) (*Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.StartMilestone", traces.MilestoneID(milestoneID))
	defer span.End()

	return s.transition(ctx, milestoneID, "started", func(acct *Account, ms *Milestone) error {
		if err := movable(acct); err != nil {
			return err
		}
		if ms.Status != MilestonePending {
			return fmt.Errorf("%w: milestone is %s", ErrInvalidTransition, ms.Status)
		}
		now := s.now()
		ms.Status = MilestoneInProgress
		ms.StartedAt = &now
		return nil
	})
}

// SubmitMilestone records the freelancer's deliverables and moves the
// milestone to completed, awaiting approval.
func (s *Service) SubmitMilestone(ctx context.Context, milestoneID string, deliverables []string) (*Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.SubmitMilestone", traces.MilestoneID(milestoneID))
	defer span.End()

	cleaned := make([]string, 0, len(deliverables))
	for i, d := range deliverables {
		d = strings.TrimSpace(d)
		if d == "" {
			return nil, invalid(fmt.Sprintf("deliverables[%d]", i), "must not be blank")
		}
		cleaned = append(cleaned, d)
	}
	if len(cleaned) == 0 {
		return nil, invalid("deliverables", "at least one deliverable is required")
	}

	return s.transition(ctx, milestoneID, "submitted", func(acct *Account, ms *Milestone) error {
		if err := movable(acct); err != nil {
			return err
		}
		if ms.Status != MilestoneInProgress {
			return fmt.Errorf("%w: milestone is %s", ErrInvalidTransition, ms.Status)
		}
		now := s.now()
		ms.Status = MilestoneCompleted
		ms.Deliverables = cleaned
		ms.SubmittedAt = &now
		if acct.Flags.AutomaticRelease {
			at := now.Add(acct.AutoApproveAfter)
			ms.AutoApproveAt = &at
		}
		return nil
	})
}

// ApproveMilestone accepts submitted work. An open dispute on the milestone
// or the account takes precedence and blocks approval.
func (s *Service) ApproveMilestone(ctx context.Context, milestoneID string) (*Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ApproveMilestone", traces.MilestoneID(milestoneID))
	defer span.End()

	return s.transition(ctx, milestoneID, "approved", func(acct *Account, ms *Milestone) error {
		return s.approve(acct, ms)
	})
}

func (s *Service) approve(acct *Account, ms *Milestone) error {
	if ms.Status == MilestoneDisputed {
		return disputedMilestone(acct)
	}
	if err := movable(acct); err != nil {
		return err
	}
	if ms.Status != MilestoneCompleted {
		return fmt.Errorf("%w: milestone is %s", ErrInvalidTransition, ms.Status)
	}
	now := s.now()
	ms.Status = MilestoneApproved
	ms.ApprovedAt = &now
	ms.AutoApproveAt = nil
	return nil
}

// AutoApprove approves a submitted milestone whose grace period has passed
// and releases it. It is a no-op for milestones no longer eligible.
func (s *Service) AutoApprove(ctx context.Context, milestoneID string) (*ledger.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AutoApprove", traces.MilestoneID(milestoneID))
	defer span.End()

	eligible := false
	_, err := s.transition(ctx, milestoneID, "auto_approved", func(acct *Account, ms *Milestone) error {
		if !acct.Flags.AutomaticRelease || ms.AutoApproveAt == nil || ms.AutoApproveAt.After(s.now()) {
			return fmt.Errorf("%w: milestone is not due for automatic approval", ErrInvalidTransition)
		}
		if err := s.approve(acct, ms); err != nil {
			return err
		}
		eligible = true
		return nil
	})
	if err != nil || !eligible {
		return nil, err
	}
	return s.ReleaseMilestone(ctx, ReleaseRequest{MilestoneID: milestoneID})
}

// ReleaseMilestone pays an approved milestone out to the freelancer.
//
// Releasing an already released milestone moves no money: the original
// completed release is returned together with ErrAlreadyReleased. A release
// still waiting on the rail is returned with ErrReleaseInFlight.
func (s *Service) ReleaseMilestone(ctx context.Context, req ReleaseRequest) (*ledger.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseMilestone", traces.MilestoneID(req.MilestoneID))
	defer span.End()

	owner, err := s.store.GetByMilestone(ctx, req.MilestoneID)
	if err != nil {
		return nil, err
	}

	var (
		existing *ledger.Transaction
		txID     string
	)
	_, err = s.mutate(ctx, owner.ID, func(acct *Account, c *change) error {
		ms := acct.Milestone(req.MilestoneID)
		if ms == nil {
			return ErrNotFound
		}
		txs, err := s.store.Transactions(ctx, acct.ID)
		if err != nil {
			return err
		}

		if ms.Status == MilestoneReleased {
			existing = findTx(txs, ledger.TxRelease, ms.ID, func(st ledger.TxStatus) bool { return st == ledger.TxCompleted })
			return ErrAlreadyReleased
		}
		if open := findTx(txs, ledger.TxRelease, ms.ID, ledger.TxStatus.Open); open != nil {
			existing = open
			return ErrReleaseInFlight
		}
		if ms.Status == MilestoneDisputed {
			return disputedMilestone(acct)
		}
		if err := movable(acct); err != nil {
			return err
		}
		if ms.Status != MilestoneApproved {
			return fmt.Errorf("%w: milestone is %s", ErrInvalidTransition, ms.Status)
		}

		amount := ms.Remaining()
		if req.Amount != "" {
			requested, err := money.Parse(req.Amount)
			if err != nil {
				return invalid("amount", "invalid amount format")
			}
			if !requested.Equal(amount) {
				return invalid("amount", "must equal the milestone amount %s", money.Format(amount))
			}
		}
		if avail := spendable(acct, txs); avail.LessThan(amount) {
			return &InsufficientFundsError{AccountID: acct.ID, Available: avail, Requested: amount}
		}

		tx := s.newTx(acct, ms.ID, ledger.TxRelease, amount, "milestone release")
		c.addTx(tx)
		c.emit(txEvent(s, ctx, acct, "created", nil, tx))
		txID = tx.ID
		return nil
	})
	if err != nil {
		traces.Fail(span, err)
		return existing, err
	}
	span.SetAttributes(traces.TransactionID(txID))
	return s.settle(ctx, owner.ID, txID, "")
}
