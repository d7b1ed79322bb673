package rail

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// ErrIgnoredEvent is returned for verified webhook events that carry no
// settlement outcome.
var ErrIgnoredEvent = errors.New("rail: event carries no confirmation")

// WebhookTolerance bounds how old a signed webhook may be.
const WebhookTolerance = 5 * time.Minute

// ParseWebhook verifies a Stripe webhook signature and extracts the
// settlement outcome it reports.
func ParseWebhook(payload []byte, signature, secret string) (*Confirmation, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		Tolerance:                WebhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("verify webhook: %w", err)
	}
	if evt.Data == nil {
		return nil, ErrIgnoredEvent
	}

	switch string(evt.Type) {
	case "payment_intent.succeeded", "payment_intent.amount_capturable_updated":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		return &Confirmation{EventID: evt.ID, Reference: pi.ID, Succeeded: true}, nil

	case "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		reason := string(evt.Type)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			reason = pi.LastPaymentError.Msg
		}
		return &Confirmation{EventID: evt.ID, Reference: pi.ID, FailureReason: reason}, nil

	case "refund.updated", "charge.refund.updated":
		var rf stripe.Refund
		if err := json.Unmarshal(evt.Data.Raw, &rf); err != nil {
			return nil, fmt.Errorf("decode refund: %w", err)
		}
		switch rf.Status {
		case stripe.RefundStatusSucceeded:
			return &Confirmation{EventID: evt.ID, Reference: rf.ID, Succeeded: true}, nil
		case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
			reason := string(rf.FailureReason)
			if reason == "" {
				reason = "refund " + string(rf.Status)
			}
			return &Confirmation{EventID: evt.ID, Reference: rf.ID, FailureReason: reason}, nil
		}
		return nil, ErrIgnoredEvent
	}
	return nil, ErrIgnoredEvent
}
