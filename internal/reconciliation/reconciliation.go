// Package reconciliation replays every escrow account's transactions against
// its stored balance and verifies the audit hash chain.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/workwise/escrowd/internal/alerting"
	"github.com/workwise/escrowd/internal/audit"
	"github.com/workwise/escrowd/internal/escrow"
	"github.com/workwise/escrowd/internal/ledger"
	"github.com/workwise/escrowd/internal/money"
)

const defaultBatch = 200

// Accounts is the escrow side of a run. Reconcile freezes and pages on a
// mismatch by itself.
type Accounts interface {
	AccountIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	Reconcile(ctx context.Context, accountID string) (*ledger.ReconciliationResult, error)
}

// Chain verifies the audit log.
type Chain interface {
	Verify(ctx context.Context) (*audit.VerifyResult, error)
}

// Mismatch is one account whose stored balance disagrees with its ledger.
type Mismatch struct {
	AccountID string `json:"accountId"`
	Stored    string `json:"stored"`
	Replayed  string `json:"replayed"`
}

// Report is the outcome of one run.
type Report struct {
	Accounts   int                 `json:"accounts"`
	Mismatches []Mismatch          `json:"mismatches"`
	Errors     int                 `json:"errors"`
	Audit      *audit.VerifyResult `json:"audit,omitempty"`
	StartedAt  time.Time           `json:"startedAt"`
	Duration   time.Duration       `json:"duration"`
}

// Healthy reports whether the run found nothing wrong.
func (r *Report) Healthy() bool {
	return len(r.Mismatches) == 0 && r.Errors == 0 && (r.Audit == nil || r.Audit.Valid)
}

// Runner performs reconciliation runs.
type Runner struct {
	accounts Accounts
	chain    Chain
	pager    alerting.Pager
	logger   *slog.Logger
	batch    int

	mu   sync.Mutex
	last *Report
}

// NewRunner creates a runner. chain may be nil to skip audit verification.
func NewRunner(accounts Accounts, chain Chain, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		accounts: accounts,
		chain:    chain,
		pager:    alerting.NewLogPager(logger),
		logger:   logger,
		batch:    defaultBatch,
	}
}

// WithPager sets where a broken audit chain is reported.
func (r *Runner) WithPager(p alerting.Pager) *Runner {
	r.pager = p
	return r
}

// RunAll reconciles every account and then verifies the audit chain. A
// failure on one account is counted and the run moves on.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{StartedAt: start, Mismatches: []Mismatch{}}
	defer func() {
		report.Duration = time.Since(start)
		reconcileDuration.Observe(report.Duration.Seconds())
		reconcileMismatches.Set(float64(len(report.Mismatches)))
		r.mu.Lock()
		r.last = report
		r.mu.Unlock()
	}()

	if err := r.reconcileAccounts(ctx, report); err != nil {
		reconcileErrors.Inc()
		return report, err
	}

	if r.chain != nil {
		res, err := r.VerifyAudit(ctx)
		if err != nil {
			reconcileErrors.Inc()
			return report, fmt.Errorf("verify audit chain: %w", err)
		}
		report.Audit = res
	}

	level := slog.LevelInfo
	if !report.Healthy() {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "reconciliation run finished",
		"accounts", report.Accounts,
		"mismatches", len(report.Mismatches),
		"errors", report.Errors,
		"audit_valid", report.Audit == nil || report.Audit.Valid,
		"duration", time.Since(start))
	return report, nil
}

// Last returns the report of the most recent run, or nil before the first.
func (r *Runner) Last() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Runner) reconcileAccounts(ctx context.Context, report *Report) error {
	after := ""
	for {
		ids, err := r.accounts.AccountIDs(ctx, after, r.batch)
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			report.Accounts++
			res, err := r.accounts.Reconcile(ctx, id)
			var violation *escrow.InvariantViolation
			switch {
			case errors.As(err, &violation) && res != nil:
				report.Mismatches = append(report.Mismatches, Mismatch{
					AccountID: id,
					Stored:    money.Format(res.Stored),
					Replayed:  money.Format(res.Replayed),
				})
			case err != nil:
				report.Errors++
				reconcileErrors.Inc()
				r.logger.Warn("account reconciliation failed", "account_id", id, "error", err)
			}
		}
		if len(ids) < r.batch {
			return nil
		}
		after = ids[len(ids)-1]
	}
}

// VerifyAudit walks the audit chain and pages when it is broken.
func (r *Runner) VerifyAudit(ctx context.Context) (*audit.VerifyResult, error) {
	if r.chain == nil {
		return nil, errors.New("reconciliation: no audit chain configured")
	}
	res, err := r.chain.Verify(ctx)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		r.pager.Page(ctx, alerting.Alert{
			Kind:     alerting.KindAuditChain,
			Severity: alerting.SeverityCritical,
			Message:  fmt.Sprintf("audit chain broken at seq %d: %s", res.BrokenAt, res.Reason),
			Fields: map[string]string{
				"seq":     strconv.FormatInt(res.BrokenAt, 10),
				"checked": strconv.FormatInt(res.Checked, 10),
			},
		})
	}
	return res, nil
}
