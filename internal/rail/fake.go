package rail

import (
	"context"
	"errors"
	"sync"

	"github.com/workwise/escrowd/internal/idgen"
)

// Call is one request recorded by FakeRail.
type Call struct {
	Op             string
	Reference      string
	IdempotencyKey string
	Amount         string
}

// FakeRail settles everything in memory. It succeeds immediately unless a
// failure or pending outcome has been scripted for an operation. Replaying
// an idempotency key returns the first result, like a real provider.
type FakeRail struct {
	mu       sync.Mutex
	calls    []Call
	results  map[string]*Result
	scripted map[string][]error
	pending  map[string]bool
}

// NewFakeRail creates an always-succeeding rail.
func NewFakeRail() *FakeRail {
	return &FakeRail{
		results:  make(map[string]*Result),
		scripted: make(map[string][]error),
		pending:  make(map[string]bool),
	}
}

// FailNext makes the next calls of op return errs, one per call.
func (f *FakeRail) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted[op] = append(f.scripted[op], errs...)
}

// Decline makes the next call of op fail with a non-transient error.
func (f *FakeRail) Decline(op, code string) {
	f.FailNext(op, &Error{Op: op, Code: code, Err: errors.New("declined")})
}

// HoldPending makes op return StatusPending until the webhook confirms it.
func (f *FakeRail) HoldPending(op string, hold bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[op] = hold
}

// Calls returns every call made so far, including failed ones.
func (f *FakeRail) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many times op was called.
func (f *FakeRail) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (f *FakeRail) Name() string { return "fake" }

func (f *FakeRail) Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error) {
	return f.do(ctx, "authorize", "pi_", "", req.IdempotencyKey, req.Amount.String())
}

func (f *FakeRail) Capture(ctx context.Context, reference, idempotencyKey string) (*Result, error) {
	return f.do(ctx, "capture", "", reference, idempotencyKey, "")
}

func (f *FakeRail) Transfer(ctx context.Context, req TransferRequest) (*Result, error) {
	return f.do(ctx, "transfer", "tr_", "", req.IdempotencyKey, req.Amount.String())
}

func (f *FakeRail) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	return f.do(ctx, "refund", "re_", "", req.IdempotencyKey, req.Amount.String())
}

func (f *FakeRail) do(ctx context.Context, op, prefix, reference, key, amount string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: op, Reference: reference, IdempotencyKey: key, Amount: amount})

	if q := f.scripted[op]; len(q) > 0 {
		err := q[0]
		f.scripted[op] = q[1:]
		if err != nil {
			return nil, err
		}
	}

	cacheKey := op + ":" + key
	if res, ok := f.results[cacheKey]; ok && key != "" {
		cp := *res
		return &cp, nil
	}

	if reference == "" {
		reference = prefix + idgen.New()
	}
	res := &Result{Reference: reference, Status: StatusSucceeded}
	if f.pending[op] {
		res.Status = StatusPending
	}
	f.results[cacheKey] = res
	cp := *res
	return &cp, nil
}
