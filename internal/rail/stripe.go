package rail

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/workwise/escrowd/internal/money"
)

// The narrow slices of the stripe client the rail uses.
type paymentIntents interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
}

type transfers interface {
	New(params *stripe.TransferParams) (*stripe.Transfer, error)
}

type refunds interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeRail settles escrow money through Stripe: deposits are manual-capture
// PaymentIntents, releases are Connect transfers, refunds refund the deposit
// intent.
type StripeRail struct {
	intents   paymentIntents
	transfers transfers
	refunds   refunds
}

// NewStripeRail creates a rail using the given secret key.
func NewStripeRail(secretKey string) *StripeRail {
	sc := client.New(secretKey, nil)
	return &StripeRail{
		intents:   sc.PaymentIntents,
		transfers: sc.Transfers,
		refunds:   sc.Refunds,
	}
}

func (r *StripeRail) Name() string { return "stripe" }

func (r *StripeRail) Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(money.ToCents(req.Amount)),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	if req.Customer != "" {
		params.Customer = stripe.String(req.Customer)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey + ":authorize")
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := r.intents.New(params)
	if err != nil {
		return nil, classify("authorize", err)
	}
	return intentResult(pi), nil
}

func (r *StripeRail) Capture(ctx context.Context, reference, idempotencyKey string) (*Result, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey + ":capture")

	pi, err := r.intents.Capture(reference, params)
	if err != nil {
		return nil, classify("capture", err)
	}
	return intentResult(pi), nil
}

func (r *StripeRail) Transfer(ctx context.Context, req TransferRequest) (*Result, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(money.ToCents(req.Amount)),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.Destination),
	}
	if group := req.Metadata["account_id"]; group != "" {
		params.TransferGroup = stripe.String(group)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	tr, err := r.transfers.New(params)
	if err != nil {
		return nil, classify("transfer", err)
	}
	// Transfers settle synchronously against the platform balance.
	return &Result{Reference: tr.ID, Status: StatusSucceeded}, nil
}

func (r *StripeRail) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentReference),
		Amount:        stripe.Int64(money.ToCents(req.Amount)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}

	rf, err := r.refunds.New(params)
	if err != nil {
		return nil, classify("refund", err)
	}
	res := &Result{Reference: rf.ID}
	switch rf.Status {
	case stripe.RefundStatusSucceeded:
		res.Status = StatusSucceeded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		res.Status = StatusFailed
		res.FailureReason = string(rf.FailureReason)
	default:
		res.Status = StatusPending
	}
	return res, nil
}

func intentResult(pi *stripe.PaymentIntent) *Result {
	res := &Result{Reference: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
		res.Status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		res.Status = StatusFailed
		if pi.LastPaymentError != nil {
			res.FailureReason = pi.LastPaymentError.Msg
		}
		if res.FailureReason == "" {
			res.FailureReason = string(pi.Status)
		}
	default:
		res.Status = StatusPending
	}
	return res
}

// classify decides whether a stripe error is worth retrying. Server-side
// failures, rate limiting and network errors are; card declines and invalid
// requests are not.
func classify(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return &Error{Op: op, Err: err, Transient: true}
	}
	re := &Error{Op: op, Code: string(se.Code), Err: err}
	switch {
	case se.HTTPStatusCode >= http.StatusInternalServerError,
		se.HTTPStatusCode == http.StatusTooManyRequests,
		se.Type == stripe.ErrorTypeAPI:
		re.Transient = true
	case se.Type == stripe.ErrorTypeCard:
		if se.DeclineCode != "" {
			re.Code = string(se.DeclineCode)
		}
	}
	return re
}
