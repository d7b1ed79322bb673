// Package rail moves real money for the escrow core: it authorizes and
// captures client deposits, transfers releases to freelancer payout
// accounts, and refunds clients.
//
// Every call carries an idempotency key (the escrow transaction ID), so a
// retried call never moves money twice.
package rail

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Status is the rail-side state of a money movement.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPending   Status = "pending" // confirmation arrives later via webhook
	StatusFailed    Status = "failed"
)

// Result is what the rail reports for a call.
type Result struct {
	Reference     string `json:"reference"`
	Status        Status `json:"status"`
	FailureReason string `json:"failureReason,omitempty"`
}

// AuthorizeRequest places a hold on the client's payment method.
type AuthorizeRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Customer       string
	IdempotencyKey string
	Metadata       map[string]string
}

// TransferRequest pays out to a connected account.
type TransferRequest struct {
	Destination    string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundRequest returns part of a captured payment to the client.
type RefundRequest struct {
	PaymentReference string
	Amount           decimal.Decimal
	IdempotencyKey   string
	Reason           string
}

// Rail is a payment provider.
type Rail interface {
	Name() string
	Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error)
	Capture(ctx context.Context, reference, idempotencyKey string) (*Result, error)
	Transfer(ctx context.Context, req TransferRequest) (*Result, error)
	Refund(ctx context.Context, req RefundRequest) (*Result, error)
}

// Confirmation is an asynchronous outcome delivered by the provider.
type Confirmation struct {
	EventID       string
	Reference     string
	Succeeded     bool
	FailureReason string
}

// Error is a failed rail call. Transient errors may be retried with the
// same idempotency key; the rest are final declines.
type Error struct {
	Op        string
	Code      string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rail %s failed (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("rail %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a rail error worth retrying.
func IsTransient(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Transient
	}
	return false
}
