package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/workwise/escrowd/internal/alerting"
	"github.com/workwise/escrowd/internal/audit"
	"github.com/workwise/escrowd/internal/circuitbreaker"
	"github.com/workwise/escrowd/internal/events"
	"github.com/workwise/escrowd/internal/idgen"
	"github.com/workwise/escrowd/internal/ledger"
	"github.com/workwise/escrowd/internal/logging"
	"github.com/workwise/escrowd/internal/money"
	"github.com/workwise/escrowd/internal/rail"
	"github.com/workwise/escrowd/internal/retry"
	"github.com/workwise/escrowd/internal/syncutil"
	"github.com/workwise/escrowd/internal/traces"
)

// Defaults used when the service is not configured otherwise.
const (
	DefaultAutoApproveAfter = 72 * time.Hour
	DefaultLockTimeout      = 5 * time.Second
	DefaultPendingTimeout   = 15 * time.Minute
	DefaultCurrency         = "usd"
)

// Service implements the escrow ledger, the milestone state machine and the
// transaction processor.
type Service struct {
	store  Store
	rail   rail.Rail
	events events.Publisher
	pager  alerting.Pager
	logger *slog.Logger

	locks   *syncutil.KeyedMutex
	breaker *circuitbreaker.Breaker
	retry   retry.Policy

	lockTimeout    time.Duration
	autoApprove    time.Duration
	pendingTimeout time.Duration
	currency       string
	now            func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, r rail.Rail) *Service {
	return &Service{
		store:          store,
		rail:           r,
		events:         events.Nop{},
		pager:          alerting.NewLogPager(slog.Default()),
		logger:         slog.Default(),
		locks:          syncutil.NewKeyedMutex(),
		breaker:        circuitbreaker.New(5, 30*time.Second),
		retry:          retry.Policy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
		lockTimeout:    DefaultLockTimeout,
		autoApprove:    DefaultAutoApproveAfter,
		pendingTimeout: DefaultPendingTimeout,
		currency:       DefaultCurrency,
		now:            time.Now,
	}
}

// WithEvents sets the publisher that receives every state change.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// WithPager sets where operator alerts go.
func (s *Service) WithPager(p alerting.Pager) *Service {
	s.pager = p
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithRetryPolicy bounds rail call retries.
func (s *Service) WithRetryPolicy(p retry.Policy) *Service {
	s.retry = p
	return s
}

// WithBreaker replaces the rail circuit breaker.
func (s *Service) WithBreaker(b *circuitbreaker.Breaker) *Service {
	s.breaker = b
	return s
}

func (s *Service) WithLockTimeout(d time.Duration) *Service {
	if d > 0 {
		s.lockTimeout = d
	}
	return s
}

// WithAutoApproveAfter sets the default grace period for new accounts.
func (s *Service) WithAutoApproveAfter(d time.Duration) *Service {
	if d > 0 {
		s.autoApprove = d
	}
	return s
}

// WithPendingTimeout sets how long a transaction may wait on the rail.
func (s *Service) WithPendingTimeout(d time.Duration) *Service {
	if d > 0 {
		s.pendingTimeout = d
	}
	return s
}

func (s *Service) WithCurrency(c string) *Service {
	if c != "" {
		s.currency = strings.ToLower(c)
	}
	return s
}

// WithClock overrides time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// change collects the writes and events of one locked mutation.
type change struct {
	acct       *Account
	version    int64
	milestones []*Milestone
	newTxs     []*ledger.Transaction
	updTxs     []*ledger.Transaction
	events     []events.Event
}

func (c *change) milestone(ms *Milestone) {
	for _, m := range c.milestones {
		if m == ms {
			return
		}
	}
	c.milestones = append(c.milestones, ms)
}

func (c *change) addTx(tx *ledger.Transaction) { c.newTxs = append(c.newTxs, tx) }

func (c *change) updateTx(tx *ledger.Transaction) {
	for i, t := range c.updTxs {
		if t.ID == tx.ID {
			c.updTxs[i] = tx
			return
		}
	}
	c.updTxs = append(c.updTxs, tx)
}

func (c *change) emit(e events.Event) { c.events = append(c.events, e) }

func (c *change) empty() bool {
	return len(c.milestones) == 0 && len(c.newTxs) == 0 && len(c.updTxs) == 0 && len(c.events) == 0
}

// view returns the account's transactions as they will be after c commits.
func (c *change) view(stored []*ledger.Transaction) []*ledger.Transaction {
	out := make([]*ledger.Transaction, 0, len(stored)+len(c.newTxs))
	for _, t := range stored {
		for _, u := range c.updTxs {
			if u.ID == t.ID {
				t = u
				break
			}
		}
		out = append(out, t)
	}
	return append(out, c.newTxs...)
}

// lock takes the per-account lock. Timing out is a ConcurrencyConflict.
func (s *Service) lock(ctx context.Context, accountID string) (func(), error) {
	unlock, err := s.locks.LockTimeout(ctx, accountID, s.lockTimeout)
	if errors.Is(err, syncutil.ErrLockTimeout) {
		return nil, &ConcurrencyConflict{AccountID: accountID}
	}
	return unlock, err
}

// mutate loads the account under its lock, lets fn change it, and commits
// whatever fn recorded in the change. Events are published after the commit
// and before the lock is released, so consumers see them in order.
func (s *Service) mutate(ctx context.Context, accountID string, fn func(acct *Account, c *change) error) (*Account, error) {
	ctx = logging.WithAccount(ctx, accountID)

	unlock, err := s.lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	c := &change{acct: acct, version: acct.Version}
	if err := fn(acct, c); err != nil {
		return nil, err
	}
	if c.empty() {
		return acct, nil
	}
	if err := s.commit(ctx, c); err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *Service) commit(ctx context.Context, c *change) error {
	c.acct.UpdatedAt = s.now()
	err := s.store.Commit(ctx, &Mutation{
		Account:             c.acct,
		ExpectedVersion:     c.version,
		Milestones:          c.milestones,
		NewTransactions:     c.newTxs,
		UpdatedTransactions: c.updTxs,
	})
	if err != nil {
		return err
	}
	for _, tx := range c.newTxs {
		transactionsTotal.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
	}
	for _, tx := range c.updTxs {
		transactionsTotal.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
	}
	for _, ms := range c.milestones {
		milestoneTransitions.WithLabelValues(string(ms.Status)).Inc()
	}
	s.publish(ctx, c.events...)
	return nil
}

func (s *Service) publish(ctx context.Context, evs ...events.Event) {
	for _, e := range evs {
		if err := s.events.Publish(ctx, e); err != nil {
			logging.L(ctx).Error("failed to publish escrow event", "type", e.Type(), "entity_id", e.EntityID, "error", err)
		}
	}
}

// event builds an event about acct. The acting user is the event's user;
// system actions are attributed to the client who funded the account.
func (s *Service) event(ctx context.Context, acct *Account, entity, action, id string, before, after any) events.Event {
	e := events.New(ctx, entity, action, id, before, after)
	e.AccountID = acct.ID
	switch e.ActorType {
	case audit.ActorClient, audit.ActorFreelancer:
		e.UserID = e.ActorID
	default:
		e.UserID = acct.ClientID
	}
	return e
}

func txEvent(s *Service, ctx context.Context, acct *Account, action string, before, tx *ledger.Transaction) events.Event {
	var b any
	if before != nil {
		b = before
	}
	e := s.event(ctx, acct, events.EntityTransaction, action, tx.ID, b, tx)
	e.Amount = money.Format(tx.Amount)
	e.Attrs = map[string]string{"type": string(tx.Type)}
	if tx.MilestoneID != "" {
		e.Attrs["milestone_id"] = tx.MilestoneID
	}
	return e
}

// summary is the account without its milestones, for event snapshots.
func (a *Account) summary() *Account {
	cp := a.Clone()
	cp.Milestones = nil
	return cp
}

func (s *Service) newTx(acct *Account, milestoneID string, typ ledger.TxType, amount decimal.Decimal, reason string) *ledger.Transaction {
	now := s.now()
	id := idgen.WithPrefix("etx_")
	return &ledger.Transaction{
		ID:             id,
		AccountID:      acct.ID,
		MilestoneID:    milestoneID,
		Type:           typ,
		Amount:         money.Round(amount),
		Status:         ledger.TxPending,
		IdempotencyKey: id,
		Reason:         reason,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// spendable is the available amount less debits still waiting on the rail.
func spendable(acct *Account, txs []*ledger.Transaction) decimal.Decimal {
	reserved := decimal.Zero
	for _, tx := range txs {
		if tx.Status.Open() && tx.Type.Debits() {
			reserved = reserved.Add(tx.Amount)
		}
	}
	return money.Round(acct.AvailableAmount.Sub(reserved))
}

func findTx(txs []*ledger.Transaction, typ ledger.TxType, milestoneID string, match func(ledger.TxStatus) bool) *ledger.Transaction {
	for _, tx := range txs {
		if tx.Type == typ && tx.MilestoneID == milestoneID && match(tx.Status) {
			return tx
		}
	}
	return nil
}

func hasOpen(txs []*ledger.Transaction) bool {
	for _, tx := range txs {
		if tx.Status.Open() {
			return true
		}
	}
	return false
}

// disputedMilestone is the error for acting on a disputed milestone. Once
// its dispute is resolved without settling it (a partial or failed refund)
// nothing is waiting on it any more: only a new dispute can settle the rest.
func disputedMilestone(acct *Account) error {
	if acct.OpenDisputes > 0 {
		return ErrDisputeOpen
	}
	return fmt.Errorf("%w: milestone is disputed with no open dispute, open a new dispute to settle it", ErrInvalidTransition)
}

// movable checks that money may move and milestones may advance.
func movable(acct *Account) error {
	switch {
	case acct.Frozen:
		return fmt.Errorf("%w: %s", ErrAccountFrozen, acct.FrozenReason)
	case acct.Status == AccountDisputed:
		return ErrDisputeOpen
	case acct.Status != AccountActive:
		return fmt.Errorf("%w: account is %s", ErrInvalidTransition, acct.Status)
	}
	return nil
}

// Fund creates an escrow account and captures the client's deposit. The
// account is returned even when the rail fails, so the caller can see the
// pending or failed deposit.
func (s *Service) Fund(ctx context.Context, req FundRequest) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund")
	defer span.End()

	acct, err := s.buildAccount(req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.AccountID(acct.ID), traces.Amount(money.Format(acct.TotalAmount)))
	ctx = logging.WithAccount(ctx, acct.ID)

	deposit := s.newTx(acct, "", ledger.TxDeposit, acct.TotalAmount, "client deposit")
	if err := s.store.Create(ctx, acct, deposit); err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("failed to create escrow account: %w", err)
	}
	transactionsTotal.WithLabelValues(string(deposit.Type), string(deposit.Status)).Inc()
	s.publish(ctx,
		s.event(ctx, acct, events.EntityAccount, "created", acct.ID, nil, acct.summary()),
		txEvent(s, ctx, acct, "created", nil, deposit),
	)

	logging.L(ctx).Info("escrow account created",
		"project_id", acct.ProjectID,
		"total", money.Format(acct.TotalAmount),
		"fee", money.Format(acct.PlatformFee),
		"milestones", len(acct.Milestones),
	)

	_, settleErr := s.settle(ctx, acct.ID, deposit.ID, "")
	out, err := s.store.Get(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	if settleErr != nil {
		traces.Fail(span, settleErr)
	}
	return out, settleErr
}

func (s *Service) buildAccount(req FundRequest) (*Account, error) {
	projectID := strings.TrimSpace(req.ProjectID)
	clientID := strings.TrimSpace(req.ClientID)
	freelancerID := strings.TrimSpace(req.FreelancerID)
	switch {
	case projectID == "":
		return nil, invalid("projectId", "is required")
	case clientID == "":
		return nil, invalid("clientId", "is required")
	case freelancerID == "":
		return nil, invalid("freelancerId", "is required")
	case clientID == freelancerID:
		return nil, invalid("freelancerId", "must differ from clientId")
	}

	total, err := money.Parse(req.TotalAmount)
	if err != nil || !money.Positive(total) {
		return nil, invalid("totalAmount", "must be a positive amount")
	}
	fee, err := money.Parse(req.PlatformFee)
	if err != nil {
		return nil, invalid("platformFee", "must be a non-negative amount")
	}
	if fee.GreaterThanOrEqual(total) {
		return nil, invalid("platformFee", "must be less than totalAmount")
	}

	level := req.ProtectionLevel
	if level == "" {
		level = ProtectionBasic
	}
	if !level.Valid() {
		return nil, invalid("protectionLevel", "must be one of basic, enhanced, premium")
	}

	grace := s.autoApprove
	if req.AutoApproveAfter != "" {
		d, err := time.ParseDuration(req.AutoApproveAfter)
		if err != nil || d <= 0 {
			return nil, invalid("autoApproveAfter", "must be a positive duration")
		}
		grace = d
	}

	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.currency
	}

	now := s.now()
	acct := &Account{
		ID:               idgen.WithPrefix("esc_"),
		ProjectID:        projectID,
		ClientID:         clientID,
		FreelancerID:     freelancerID,
		PayoutAccount:    strings.TrimSpace(req.PayoutAccount),
		CustomerRef:      strings.TrimSpace(req.CustomerRef),
		Currency:         currency,
		TotalAmount:      total,
		PlatformFee:      fee,
		AvailableAmount:  decimal.Zero,
		Status:           AccountPending,
		ProtectionLevel:  level,
		Flags:            req.Flags,
		AutoApproveAfter: grace,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if acct.PayoutAccount == "" {
		acct.PayoutAccount = freelancerID
	}

	milestones, err := buildMilestones(acct, req)
	if err != nil {
		return nil, err
	}
	acct.Milestones = milestones
	return acct, nil
}

func buildMilestones(acct *Account, req FundRequest) ([]*Milestone, error) {
	payable := money.Round(acct.TotalAmount.Sub(acct.PlatformFee))
	specs := req.Milestones

	if !req.Flags.MilestoneBased {
		if len(specs) > 0 {
			return nil, invalid("milestones", "require flags.milestoneBased")
		}
		specs = []MilestoneSpec{{Title: "Project delivery", Amount: payable.String()}}
	}
	if len(specs) == 0 {
		return nil, invalid("milestones", "at least one milestone is required")
	}
	if len(specs) > MaxMilestones {
		return nil, invalid("milestones", "at most %d milestones", MaxMilestones)
	}

	seen := make(map[int]bool, len(specs))
	out := make([]*Milestone, 0, len(specs))
	sum := decimal.Zero
	for i, spec := range specs {
		title := strings.TrimSpace(spec.Title)
		if title == "" {
			return nil, invalid(fmt.Sprintf("milestones[%d].title", i), "is required")
		}
		amount, err := money.Parse(spec.Amount)
		if err != nil || !money.Positive(amount) {
			return nil, invalid(fmt.Sprintf("milestones[%d].amount", i), "must be a positive amount")
		}
		idx := i
		if spec.OrderIndex != nil {
			idx = *spec.OrderIndex
		}
		if idx < 0 {
			return nil, invalid(fmt.Sprintf("milestones[%d].orderIndex", i), "must not be negative")
		}
		if seen[idx] {
			return nil, invalid(fmt.Sprintf("milestones[%d].orderIndex", i), "duplicate order index %d", idx)
		}
		seen[idx] = true
		sum = sum.Add(amount)

		out = append(out, &Milestone{
			ID:                 idgen.WithPrefix("ms_"),
			AccountID:          acct.ID,
			OrderIndex:         idx,
			Title:              title,
			Amount:             amount,
			RefundedAmount:     decimal.Zero,
			Status:             MilestonePending,
			CompletionCriteria: strings.TrimSpace(spec.CompletionCriteria),
			DueDate:            cloneTime(spec.DueDate),
			CreatedAt:          acct.CreatedAt,
			UpdatedAt:          acct.CreatedAt,
		})
	}
	if !money.Within(money.Round(sum), payable) {
		return nil, invalid("milestones", "amounts sum to %s, expected %s (total minus platform fee)",
			money.Format(sum), money.Format(payable))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

// Get returns an account with its milestones.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	return s.store.Get(ctx, id)
}

// GetByMilestone returns the account owning a milestone.
func (s *Service) GetByMilestone(ctx context.Context, milestoneID string) (*Account, error) {
	return s.store.GetByMilestone(ctx, milestoneID)
}

// List returns accounts matching filter, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Account, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	return s.store.List(ctx, filter)
}

// AccountIDs pages through every account ID in ascending order.
func (s *Service) AccountIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.store.ListIDs(ctx, afterID, limit)
}

// ListTransactions returns an account's transactions in creation order.
func (s *Service) ListTransactions(ctx context.Context, accountID string) ([]*ledger.Transaction, error) {
	if _, err := s.store.Get(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.Transactions(ctx, accountID)
}

func (s *Service) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// ComputeAvailable folds the account's completed transactions.
func (s *Service) ComputeAvailable(ctx context.Context, accountID string) (decimal.Decimal, error) {
	txs, err := s.store.Transactions(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.Fold(txs).Available, nil
}

// CancelAccount cancels an account whose deposit never completed.
func (s *Service) CancelAccount(ctx context.Context, id, reason string) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CancelAccount", traces.AccountID(id))
	defer span.End()

	return s.mutate(ctx, id, func(acct *Account, c *change) error {
		if acct.Status != AccountPending || acct.FundedAt != nil {
			return fmt.Errorf("%w: only unfunded pending accounts can be cancelled (status %s)", ErrInvalidTransition, acct.Status)
		}
		txs, err := s.store.Transactions(ctx, acct.ID)
		if err != nil {
			return err
		}
		now := s.now()
		for _, tx := range txs {
			switch tx.Status {
			case ledger.TxProcessing:
				return fmt.Errorf("%w: deposit %s is in flight", ErrInvalidTransition, tx.ID)
			case ledger.TxPending:
				before := tx.Clone()
				tx.Status = ledger.TxCancelled
				tx.UpdatedAt = now
				c.updateTx(tx)
				c.emit(txEvent(s, ctx, acct, "cancelled", before, tx))
			}
		}
		before := acct.summary()
		acct.Status = AccountCancelled
		acct.CompletedAt = &now
		c.emit(s.event(ctx, acct, events.EntityAccount, "cancelled", acct.ID, before, acct.summary()))
		logging.L(ctx).Info("escrow account cancelled", "reason", reason)
		return nil
	})
}

// CancelTransaction cancels a transaction that has not reached the rail.
func (s *Service) CancelTransaction(ctx context.Context, txID string) (*ledger.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	var out *ledger.Transaction
	_, err = s.mutate(ctx, tx.AccountID, func(acct *Account, c *change) error {
		cur, err := s.store.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if cur.Status != ledger.TxPending {
			return fmt.Errorf("%w: transaction %s is %s", ErrInvalidTransition, cur.ID, cur.Status)
		}
		before := cur.Clone()
		cur.Status = ledger.TxCancelled
		cur.UpdatedAt = s.now()
		c.updateTx(cur)
		c.emit(txEvent(s, ctx, acct, "cancelled", before, cur))
		out = cur.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateRiskScore records the latest fraud score for an account.
func (s *Service) UpdateRiskScore(ctx context.Context, accountID string, score float64) (*Account, error) {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	score = decimal.NewFromFloat(score).Round(2).InexactFloat64()

	return s.mutate(ctx, accountID, func(acct *Account, c *change) error {
		if acct.RiskScore == score {
			return nil
		}
		before := acct.summary()
		acct.RiskScore = score
		c.emit(s.event(ctx, acct, events.EntityAccount, "risk_updated", acct.ID, before, acct.summary()))
		return nil
	})
}
