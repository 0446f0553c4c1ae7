// Package apperr defines the error taxonomy shared by processors, the recovery
// manager and the escrow orchestrator.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/vietddude/escrowd/internal/core/domain"
)

var (
	// Validation: bad input, never retried.
	ErrValidation    = errors.New("validation failed")
	ErrInvalidMethod = errors.New("invalid payment method")
	ErrNotFound      = errors.New("not found")
	ErrForbidden     = errors.New("not permitted for this transaction")

	// Non-recoverable processor outcomes.
	ErrLimitExceeded     = errors.New("transaction limit exceeded")
	ErrCompliance        = errors.New("compliance check rejected")
	ErrAuthentication    = errors.New("rail authentication failed")
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrServiceUnavailable is returned while a rail's circuit breaker is open.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrRetriesExhausted wraps the last recoverable error once the retry budget is spent.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrSagaUnresolved means release and return both failed; operator action required.
	ErrSagaUnresolved = errors.New("escrow unresolved")

	ErrInvalidTransition = errors.New("invalid state transition")
	ErrConflict          = errors.New("concurrent update")
)

// ProcessorError is a rail failure annotated with its classification.
type ProcessorError struct {
	Processor   domain.MethodType
	Op          domain.Operation
	Code        string
	Recoverable bool
	Err         error
}

func (e *ProcessorError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Processor, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Processor, e.Op, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// Transient builds a recoverable ProcessorError.
func Transient(p domain.MethodType, op domain.Operation, code string, err error) error {
	return &ProcessorError{Processor: p, Op: op, Code: code, Recoverable: true, Err: err}
}

// Permanent builds a non-recoverable ProcessorError.
func Permanent(p domain.MethodType, op domain.Operation, code string, err error) error {
	return &ProcessorError{Processor: p, Op: op, Code: code, Recoverable: false, Err: err}
}

// IsPermanent reports whether err is a caller-side failure no retry can change.
func IsPermanent(err error) bool {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidMethod),
		errors.Is(err, ErrLimitExceeded),
		errors.Is(err, ErrCompliance),
		errors.Is(err, ErrAuthentication),
		errors.Is(err, ErrInsufficientFunds):
		return true
	}
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return !pe.Recoverable
	}
	return false
}

// Kind maps err to a stable, user-facing reason string.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	// Unresolved wraps the rail cause; the saga state matters more.
	case errors.Is(err, ErrSagaUnresolved):
		return "escrow_unresolved"

	case errors.Is(err, ErrInvalidMethod):
		return "invalid_payment_method"

	case errors.Is(err, ErrValidation):
		return "validation"

	case errors.Is(err, ErrNotFound):
		return "not_found"

	case errors.Is(err, ErrForbidden):
		return "forbidden"

	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"

	case errors.Is(err, ErrCompliance):
		return "compliance_rejected"

	case errors.Is(err, ErrAuthentication):
		return "rail_authentication"

	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"

	case errors.Is(err, ErrServiceUnavailable):
		return "service_unavailable"

	case errors.Is(err, ErrRetriesExhausted):
		return "retries_exhausted"

	case errors.Is(err, ErrInvalidTransition):
		return "invalid_state"

	case errors.Is(err, ErrConflict):
		return "conflict"

	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"

	case errors.Is(err, context.Canceled):
		return "canceled"

	default:
		return "internal"
	}
}

// HTTPStatus maps err to the status code returned by the API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, ErrSagaUnresolved):
		return http.StatusInternalServerError

	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidMethod):
		return http.StatusBadRequest

	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden

	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return http.StatusConflict

	case errors.Is(err, ErrLimitExceeded),
		errors.Is(err, ErrCompliance),
		errors.Is(err, ErrInsufficientFunds):
		return http.StatusUnprocessableEntity

	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, ErrRetriesExhausted):
		return http.StatusServiceUnavailable

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}
