package escrow

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/workwise/escrowd/internal/money"
)

var (
	ErrNotFound            = errors.New("escrow: not found")
	ErrInvalidTransition   = errors.New("escrow: invalid state transition")
	ErrAccountFrozen       = errors.New("escrow: account frozen")
	ErrDisputeOpen         = errors.New("escrow: dispute open")
	ErrMilestoneReleased   = errors.New("escrow: milestone already released")
	ErrAlreadyReleased     = errors.New("escrow: release already completed")
	ErrReleaseInFlight     = errors.New("escrow: release in flight")
	ErrInsuranceNotEnabled = errors.New("escrow: fraud insurance not enabled")
)

// ValidationError rejects malformed input. Nothing was changed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Code() string { return "validation_error" }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvariantViolation means the stored available amount disagrees with the
// fold of completed transactions. The account is frozen when this is raised.
type InvariantViolation struct {
	AccountID string
	Expected  decimal.Decimal // fold of transactions
	Actual    decimal.Decimal // stored available amount
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation on account %s: stored available %s, transactions fold to %s",
		e.AccountID, money.Format(e.Actual), money.Format(e.Expected))
}

func (e *InvariantViolation) Code() string { return "invariant_violation" }

// InsufficientFundsError rejects a debit larger than what is spendable.
type InsufficientFundsError struct {
	AccountID string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on account %s: available %s, requested %s",
		e.AccountID, money.Format(e.Available), money.Format(e.Requested))
}

func (e *InsufficientFundsError) Code() string { return "insufficient_funds" }

// ExternalRailError is a payment rail failure after retries.
type ExternalRailError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *ExternalRailError) Error() string {
	return fmt.Sprintf("payment rail %s failed: %v", e.Op, e.Err)
}

func (e *ExternalRailError) Unwrap() error { return e.Err }

func (e *ExternalRailError) Code() string { return "external_rail_error" }

// ConcurrencyConflict means another writer changed the account first, or
// the account lock could not be acquired in time. Callers may retry.
type ConcurrencyConflict struct {
	AccountID string
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrent modification of account %s", e.AccountID)
}

func (e *ConcurrencyConflict) Code() string { return "concurrency_conflict" }

// ErrorCode returns the API code for err.
func ErrorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAccountFrozen):
		return "account_frozen"
	case errors.Is(err, ErrDisputeOpen):
		return "dispute_open"
	case errors.Is(err, ErrMilestoneReleased), errors.Is(err, ErrAlreadyReleased):
		return "already_released"
	case errors.Is(err, ErrReleaseInFlight):
		return "release_in_flight"
	case errors.Is(err, ErrInsuranceNotEnabled):
		return "insurance_not_enabled"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_state"
	}
	return "internal_error"
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		iv *InvariantViolation
		nf *InsufficientFundsError
		re *ExternalRailError
		cc *ConcurrencyConflict
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &iv):
		return http.StatusInternalServerError
	case errors.As(err, &nf):
		return http.StatusUnprocessableEntity
	case errors.As(err, &re):
		return http.StatusBadGateway
	case errors.As(err, &cc):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsuranceNotEnabled):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrAccountFrozen),
		errors.Is(err, ErrDisputeOpen), errors.Is(err, ErrMilestoneReleased),
		errors.Is(err, ErrAlreadyReleased), errors.Is(err, ErrReleaseInFlight):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
