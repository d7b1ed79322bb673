package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/workwise/escrowd/internal/alerting"
	"github.com/workwise/escrowd/internal/circuitbreaker"
	"github.com/workwise/escrowd/internal/events"
	"github.com/workwise/escrowd/internal/ledger"
	"github.com/workwise/escrowd/internal/logging"
	"github.com/workwise/escrowd/internal/money"
	"github.com/workwise/escrowd/internal/rail"
	"github.com/workwise/escrowd/internal/retry"
	"github.com/workwise/escrowd/internal/traces"
)

// railCallTimeout bounds one settlement, retries included.
const railCallTimeout = 2 * time.Minute

// settle drives a pending transaction through the rail:
//
//  1. under the account lock, claim it (pending -> processing);
//  2. without the lock, call the rail under the retry policy and breaker;
//  3. under the lock again, record the outcome and its ledger effect.
//
// A rail that reports the movement as pending leaves the transaction
// processing until ConfirmRail or the timeout sweep settles it.
func (s *Service) settle(ctx context.Context, accountID, txID, destination string) (*ledger.Transaction, error) {
	// The caller going away must not strand money half-moved.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), railCallTimeout)
	defer cancel()

	var (
		claimed *ledger.Transaction
		snap    *Account
	)
	_, err := s.mutate(ctx, accountID, func(acct *Account, c *change) error {
		tx, err := s.store.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if tx.Status != ledger.TxPending {
			return fmt.Errorf("%w: transaction %s is %s", ErrInvalidTransition, tx.ID, tx.Status)
		}
		before := tx.Clone()
		tx.Status = ledger.TxProcessing
		tx.UpdatedAt = s.now()
		c.updateTx(tx)
		c.emit(txEvent(s, ctx, acct, "processing", before, tx))
		claimed = tx.Clone()
		snap = acct.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	res, attempts, callErr := s.callRail(ctx, snap, claimed, destination)
	return s.finalize(ctx, accountID, txID, res, attempts, callErr)
}

func (s *Service) callRail(ctx context.Context, acct *Account, tx *ledger.Transaction, destination string) (*rail.Result, int, error) {
	op := string(tx.Type)
	ctx, span := traces.StartSpan(ctx, "escrow.rail."+op,
		traces.AccountID(acct.ID),
		traces.TransactionID(tx.ID),
		traces.Amount(money.Format(tx.Amount)),
	)
	defer span.End()

	start := time.Now()
	var res *rail.Result
	attempts, err := s.retry.Run(ctx, func(int) error {
		err := s.breaker.Execute(s.rail.Name(), func() error {
			r, err := s.invoke(ctx, acct, tx, destination)
			res = r
			return err
		}, rail.IsTransient)
		if err == nil || rail.IsTransient(err) || errors.Is(err, circuitbreaker.ErrOpen) {
			return err
		}
		return retry.Permanent(err)
	}, func(attempt int, err error, next time.Duration) {
		railRetries.WithLabelValues(op).Inc()
		logging.L(ctx).Warn("rail call failed, retrying",
			"op", op, "transaction_id", tx.ID, "attempt", attempt, "next", next, "error", err)
	})

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		traces.Fail(span, err)
	case res.Status == rail.StatusFailed:
		outcome = "declined"
	case res.Status == rail.StatusPending:
		outcome = "pending"
	}
	railCallDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	return res, attempts, err
}

func (s *Service) invoke(ctx context.Context, acct *Account, tx *ledger.Transaction, destination string) (*rail.Result, error) {
	meta := map[string]string{
		"account_id":     acct.ID,
		"transaction_id": tx.ID,
		"project_id":     acct.ProjectID,
	}
	switch tx.Type {
	case ledger.TxDeposit:
		res, err := s.rail.Authorize(ctx, rail.AuthorizeRequest{
			Amount:         tx.Amount,
			Currency:       acct.Currency,
			Customer:       acct.CustomerRef,
			IdempotencyKey: tx.IdempotencyKey,
			Metadata:       meta,
		})
		if err != nil || res.Status != rail.StatusSucceeded {
			return res, err
		}
		return s.rail.Capture(ctx, res.Reference, tx.IdempotencyKey)

	case ledger.TxRelease:
		meta["milestone_id"] = tx.MilestoneID
		return s.rail.Transfer(ctx, rail.TransferRequest{
			Destination:    acct.PayoutAccount,
			Amount:         tx.Amount,
			Currency:       acct.Currency,
			IdempotencyKey: tx.IdempotencyKey,
			Metadata:       meta,
		})

	case ledger.TxRefund:
		if acct.PaymentReference == "" {
			return nil, &rail.Error{Op: "refund", Err: errors.New("account has no captured payment")}
		}
		return s.rail.Refund(ctx, rail.RefundRequest{
			PaymentReference: acct.PaymentReference,
			Amount:           tx.Amount,
			IdempotencyKey:   tx.IdempotencyKey,
			Reason:           tx.Reason,
		})

	case ledger.TxInsuranceClaim:
		return s.rail.Transfer(ctx, rail.TransferRequest{
			Destination:    destination,
			Amount:         tx.Amount,
			Currency:       acct.Currency,
			IdempotencyKey: tx.IdempotencyKey,
			Metadata:       meta,
		})
	}
	return nil, &rail.Error{Op: string(tx.Type), Err: errors.New("transaction type is not settled on the rail")}
}

// finalize records a rail outcome. callErr is a failed call; otherwise res
// carries the rail's answer.
func (s *Service) finalize(ctx context.Context, accountID, txID string, res *rail.Result, attempts int, callErr error) (*ledger.Transaction, error) {
	var out *ledger.Transaction
	_, err := s.mutate(ctx, accountID, func(acct *Account, c *change) error {
		tx, err := s.store.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}

		if !tx.Status.Open() {
			// Settled elsewhere (timeout sweep, duplicate webhook) while we waited.
			if callErr == nil && res != nil && res.Status == rail.StatusSucceeded && tx.Status != ledger.TxCompleted {
				s.lateConfirmation(ctx, acct, tx, res.Reference)
			}
			out = tx
			return nil
		}

		before := tx.Clone()
		tx.Attempts += attempts
		if res != nil && res.Reference != "" && tx.RailReference == "" {
			tx.RailReference = res.Reference
		}

		switch {
		case callErr != nil:
			s.failTx(ctx, c, acct, before, tx, callErr.Error())
		case res.Status == rail.StatusSucceeded:
			if err := s.completeTx(ctx, c, acct, before, tx); err != nil {
				return err
			}
		case res.Status == rail.StatusFailed:
			s.failTx(ctx, c, acct, before, tx, res.FailureReason)
		default:
			tx.Status = ledger.TxProcessing
			tx.UpdatedAt = s.now()
			c.updateTx(tx)
			logging.L(ctx).Info("transaction awaiting rail confirmation",
				"transaction_id", tx.ID, "reference", tx.RailReference)
		}
		out = tx.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case callErr != nil:
		return out, &ExternalRailError{Op: string(out.Type), Err: callErr, Transient: rail.IsTransient(callErr)}
	case res != nil && res.Status == rail.StatusFailed && out.Status == ledger.TxFailed:
		return out, &ExternalRailError{Op: string(out.Type), Err: errors.New(res.FailureReason)}
	}
	if out.Status == ledger.TxCompleted {
		if _, err := s.Reconcile(ctx, accountID); err != nil {
			return out, err
		}
	}
	return out, nil
}

// completeTx marks tx completed and applies its effect to the account.
func (s *Service) completeTx(ctx context.Context, c *change, acct *Account, before, tx *ledger.Transaction) error {
	now := s.now()
	prev := acct.summary()

	tx.Status = ledger.TxCompleted
	tx.UpdatedAt = now
	tx.CompletedAt = &now
	acct.AvailableAmount = money.Round(ledger.Apply(acct.AvailableAmount, tx))
	c.updateTx(tx)
	c.emit(txEvent(s, ctx, acct, "completed", before, tx))

	switch tx.Type {
	case ledger.TxDeposit:
		acct.FundedAt = &now
		acct.PaymentReference = tx.RailReference
		if acct.Status == AccountPending && !acct.Frozen {
			acct.Status = AccountActive
		}
		c.emit(s.event(ctx, acct, events.EntityAccount, "funded", acct.ID, prev, acct.summary()))
		logging.L(ctx).Info("escrow account funded", "amount", money.Format(tx.Amount), "status", acct.Status)

	case ledger.TxRelease:
		if ms := acct.Milestone(tx.MilestoneID); ms != nil {
			msBefore := ms.Clone()
			ms.Status = MilestoneReleased
			ms.ReleasedAt = &now
			ms.UpdatedAt = now
			c.milestone(ms)
			c.emit(s.event(ctx, acct, events.EntityMilestone, "released", ms.ID, msBefore, ms))
		}
		logging.L(ctx).Info("milestone released",
			"milestone_id", tx.MilestoneID, "amount", money.Format(tx.Amount),
			"available", money.Format(acct.AvailableAmount))

	case ledger.TxRefund:
		if ms := acct.Milestone(tx.MilestoneID); ms != nil {
			msBefore := ms.Clone()
			ms.RefundedAmount = money.Round(ms.RefundedAmount.Add(tx.Amount))
			ms.UpdatedAt = now
			c.milestone(ms)
			c.emit(s.event(ctx, acct, events.EntityMilestone, "refunded", ms.ID, msBefore, ms))
		}
		logging.L(ctx).Info("refund completed",
			"milestone_id", tx.MilestoneID, "amount", money.Format(tx.Amount),
			"available", money.Format(acct.AvailableAmount))

	case ledger.TxInsuranceClaim:
		logging.L(ctx).Info("insurance claim paid", "amount", money.Format(tx.Amount))
	}

	return s.maybeComplete(ctx, c, acct)
}

func (s *Service) failTx(ctx context.Context, c *change, acct *Account, before, tx *ledger.Transaction, reason string) {
	if reason == "" {
		reason = "rail reported failure"
	}
	tx.Status = ledger.TxFailed
	tx.FailureReason = reason
	tx.UpdatedAt = s.now()
	c.updateTx(tx)
	c.emit(txEvent(s, ctx, acct, "failed", before, tx))

	logging.L(ctx).Error("transaction failed on payment rail",
		"transaction_id", tx.ID, "type", tx.Type, "amount", money.Format(tx.Amount), "reason", reason)
	s.pager.Page(ctx, alerting.Alert{
		Kind:          alerting.KindRailFailure,
		Severity:      alerting.SeverityWarning,
		Message:       fmt.Sprintf("%s of %s failed: %s", tx.Type, money.Format(tx.Amount), reason),
		AccountID:     acct.ID,
		TransactionID: tx.ID,
		Fields:        map[string]string{"milestone_id": tx.MilestoneID, "type": string(tx.Type)},
	})
}

func (s *Service) lateConfirmation(ctx context.Context, acct *Account, tx *ledger.Transaction, reference string) {
	logging.L(ctx).Error("CRITICAL: rail confirmed a transaction already marked "+string(tx.Status),
		"transaction_id", tx.ID, "type", tx.Type, "amount", money.Format(tx.Amount), "reference", reference)
	s.pager.Page(ctx, alerting.Alert{
		Kind:          alerting.KindLateConfirmation,
		Severity:      alerting.SeverityCritical,
		Message:       fmt.Sprintf("rail moved %s for %s transaction %s after it was marked %s", money.Format(tx.Amount), tx.Type, tx.ID, tx.Status),
		AccountID:     acct.ID,
		TransactionID: tx.ID,
		Fields:        map[string]string{"reference": reference},
	})
}

// maybeComplete collects the platform fee and completes the account once no
// money is owed on any milestone (or nothing is left to pay out) and nothing
// is in flight.
func (s *Service) maybeComplete(ctx context.Context, c *change, acct *Account) error {
	if acct.Status != AccountActive || acct.Frozen || acct.OpenDisputes > 0 || acct.FundedAt == nil {
		return nil
	}
	stored, err := s.store.Transactions(ctx, acct.ID)
	if err != nil {
		return err
	}
	if hasOpen(c.view(stored)) {
		return nil
	}

	settled := true
	for _, ms := range acct.Milestones {
		if !ms.Settled() {
			settled = false
			break
		}
	}
	if !settled && money.Positive(acct.AvailableAmount) {
		return nil
	}

	now := s.now()
	prev := acct.summary()
	if money.Positive(acct.AvailableAmount) {
		fee := s.newTx(acct, "", ledger.TxFee, acct.AvailableAmount, "platform fee")
		fee.Status = ledger.TxCompleted
		fee.CompletedAt = &now
		acct.AvailableAmount = money.Round(ledger.Apply(acct.AvailableAmount, fee))
		c.addTx(fee)
		c.emit(txEvent(s, ctx, acct, "completed", nil, fee))
	}
	acct.Status = AccountCompleted
	acct.CompletedAt = &now
	c.emit(s.event(ctx, acct, events.EntityAccount, "completed", acct.ID, prev, acct.summary()))
	logging.L(ctx).Info("escrow account completed")
	return nil
}

const retryReasonPrefix = "retry of "

// RetryTransaction settles a failed release, refund or insurance payout
// again under a new transaction and idempotency key. The failed transaction
// stays on record. Each failure can be retried once: a retry that fails in
// turn is retried through its own ID. destination is only used for
// insurance payouts.
func (s *Service) RetryTransaction(ctx context.Context, txID, destination string) (*ledger.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RetryTransaction", traces.TransactionID(txID))
	defer span.End()

	failed, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.AccountID(failed.AccountID))

	var retryID string
	_, err = s.mutate(ctx, failed.AccountID, func(acct *Account, c *change) error {
		txs, err := s.store.Transactions(ctx, acct.ID)
		if err != nil {
			return err
		}
		var orig *ledger.Transaction
		for _, t := range txs {
			if t.ID == txID {
				orig = t
			}
			if t.Reason == retryReasonPrefix+txID {
				return fmt.Errorf("%w: transaction %s was already retried as %s", ErrInvalidTransition, txID, t.ID)
			}
		}
		if orig == nil {
			return ErrNotFound
		}
		if orig.Status != ledger.TxFailed {
			return fmt.Errorf("%w: transaction %s is %s, only failed transactions are retried", ErrInvalidTransition, orig.ID, orig.Status)
		}
		if acct.Frozen {
			return fmt.Errorf("%w: %s", ErrAccountFrozen, acct.FrozenReason)
		}

		switch orig.Type {
		case ledger.TxRelease:
			if err := movable(acct); err != nil {
				return err
			}
			ms := acct.Milestone(orig.MilestoneID)
			if ms == nil {
				return ErrNotFound
			}
			if ms.Status != MilestoneApproved {
				return fmt.Errorf("%w: milestone is %s, not approved", ErrInvalidTransition, ms.Status)
			}
			if findTx(txs, ledger.TxRelease, ms.ID, ledger.TxStatus.Open) != nil {
				return ErrReleaseInFlight
			}
		case ledger.TxRefund:
			if acct.Status.Terminal() {
				return fmt.Errorf("%w: cannot refund a %s account", ErrInvalidTransition, acct.Status)
			}
			if orig.MilestoneID != "" {
				ms := acct.Milestone(orig.MilestoneID)
				if ms == nil {
					return ErrNotFound
				}
				if orig.Amount.GreaterThan(ms.Remaining()) {
					return invalid("amount", "exceeds the %s left on the milestone", money.Format(ms.Remaining()))
				}
			}
		case ledger.TxInsuranceClaim:
			if strings.TrimSpace(destination) == "" {
				return invalid("destination", "is required")
			}
		default:
			return fmt.Errorf("%w: %s transactions are not retried", ErrInvalidTransition, orig.Type)
		}

		if orig.Type.Debits() {
			if avail := spendable(acct, txs); orig.Amount.GreaterThan(avail) {
				return &InsufficientFundsError{AccountID: acct.ID, Available: avail, Requested: orig.Amount}
			}
		}

		tx := s.newTx(acct, orig.MilestoneID, orig.Type, orig.Amount, retryReasonPrefix+orig.ID)
		c.addTx(tx)
		ev := txEvent(s, ctx, acct, "created", nil, tx)
		ev.Attrs["retry_of"] = orig.ID
		c.emit(ev)
		retryID = tx.ID
		logging.L(ctx).Info("retrying failed transaction",
			"transaction_id", orig.ID, "retry_id", tx.ID, "type", tx.Type, "amount", money.Format(tx.Amount))
		return nil
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	return s.settle(ctx, failed.AccountID, retryID, destination)
}

// ConfirmRail applies an asynchronous rail outcome (a webhook) to the
// transaction with the given rail reference. Duplicate confirmations are
// no-ops; a success arriving for a transaction already failed is paged.
func (s *Service) ConfirmRail(ctx context.Context, conf rail.Confirmation) (*ledger.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmRail")
	defer span.End()

	tx, err := s.store.FindTransactionByReference(ctx, conf.Reference)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.TransactionID(tx.ID), traces.AccountID(tx.AccountID))

	res := &rail.Result{Reference: conf.Reference, Status: rail.StatusSucceeded}
	if !conf.Succeeded {
		res.Status = rail.StatusFailed
		res.FailureReason = conf.FailureReason
	}
	out, err := s.finalize(ctx, tx.AccountID, tx.ID, res, 0, nil)
	var railErr *ExternalRailError
	if errors.As(err, &railErr) {
		// A declined payment is an outcome, not a processing error.
		return out, nil
	}
	return out, err
}

// ExpireStale fails transactions that have waited on the rail longer than
// the pending timeout. It returns how many were failed.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.pendingTimeout)
	stale, err := s.store.ListOpenTransactions(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, t := range stale {
		_, err := s.mutate(ctx, t.AccountID, func(acct *Account, c *change) error {
			tx, err := s.store.GetTransaction(ctx, t.ID)
			if err != nil {
				return err
			}
			if !tx.Status.Open() || tx.UpdatedAt.After(cutoff) {
				return nil
			}
			before := tx.Clone()
			reason := fmt.Sprintf("no rail confirmation within %s", s.pendingTimeout)
			s.failTx(ctx, c, acct, before, tx, reason)
			s.pager.Page(ctx, alerting.Alert{
				Kind:          alerting.KindPendingTimeout,
				Severity:      alerting.SeverityWarning,
				Message:       fmt.Sprintf("%s transaction %s timed out in %s", tx.Type, tx.ID, before.Status),
				AccountID:     acct.ID,
				TransactionID: tx.ID,
			})
			expired++
			return nil
		})
		if err != nil {
			logging.L(ctx).Warn("failed to expire stale transaction", "transaction_id", t.ID, "error", err)
		}
	}
	return expired, nil
}

// Reconcile compares the stored available amount with the fold of the
// account's completed transactions. A mismatch freezes the account, pages
// an operator and returns *InvariantViolation; nothing is corrected.
func (s *Service) Reconcile(ctx context.Context, accountID string) (*ledger.ReconciliationResult, error) {
	var result *ledger.ReconciliationResult
	_, err := s.mutate(ctx, accountID, func(acct *Account, c *change) error {
		txs, err := s.store.Transactions(ctx, acct.ID)
		if err != nil {
			return err
		}
		result = ledger.Reconcile(acct.ID, acct.AvailableAmount, txs)
		if !result.Match {
			s.freeze(ctx, c, acct, "reconciliation mismatch", "reconciliation")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Match {
		return result, nil
	}

	invariantViolations.Inc()
	violation := &InvariantViolation{AccountID: accountID, Expected: result.Replayed, Actual: result.Stored}
	logging.L(ctx).Error("CRITICAL: "+violation.Error(), "account_id", accountID)
	s.pager.Page(ctx, alerting.Alert{
		Kind:      alerting.KindInvariantViolation,
		Severity:  alerting.SeverityCritical,
		Message:   violation.Error(),
		AccountID: accountID,
		Fields: map[string]string{
			"stored":   money.Format(result.Stored),
			"replayed": money.Format(result.Replayed),
		},
	})
	return result, violation
}
