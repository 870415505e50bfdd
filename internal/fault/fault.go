// Package fault defines the error taxonomy shared by the budget, retry,
// breaker and recovery layers.
package fault

import (
	"errors"
	"fmt"
)

// Sentinel errors for the four failure classes.
var (
	// ErrBudgetExceeded indicates the request was too large for the endpoint's
	// current token budget.
	ErrBudgetExceeded = errors.New("token budget exceeded")

	// ErrTransient indicates a network, overload or 5xx-class failure that is
	// worth retrying after a delay.
	ErrTransient = errors.New("transient service error")

	// ErrNonRetryable marks a failure that must be propagated immediately.
	ErrNonRetryable = errors.New("non-retryable error")

	// ErrCircuitOpen is returned when a call is rejected without being attempted.
	ErrCircuitOpen = errors.New("circuit open")
)

// Kind is the classification of an error.
type Kind int

// Kind values, in the order they are checked by KindOf.
const (
	KindNone Kind = iota
	KindBudgetExceeded
	KindCircuitOpen
	KindTransient
	KindNonRetryable
)

// String returns a human-readable label for the kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBudgetExceeded:
		return "budget_exceeded"
	case KindCircuitOpen:
		return "circuit_open"
	case KindTransient:
		return "transient"
	case KindNonRetryable:
		return "non_retryable"
	default:
		return "unknown"
	}
}

// Error wraps a failure with the context the classifier needs.
type Error struct {
	Op     string // operation that failed ("complete", "retry")
	Key    string // endpoint or circuit key
	Status int    // HTTP-like status code, 0 if unknown
	Code   string // provider error code ("ECONNRESET", "overloaded_error")
	Err    error  // underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Op
	if e.Key != "" {
		msg += " " + e.Key
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode reports the HTTP-like status.
func (e *Error) StatusCode() int {
	return e.Status
}

// ErrorCode reports the provider error code.
func (e *Error) ErrorCode() string {
	return e.Code
}

// New creates an Error.
func New(op, key string, err error) *Error {
	return &Error{Op: op, Key: key, Err: err}
}

// BudgetExceeded builds a budget error for an endpoint.
func BudgetExceeded(endpoint string, tokens, limit int) error {
	return &Error{
		Op:  "budget",
		Key: endpoint,
		Err: fmt.Errorf("%w: %d tokens > limit %d", ErrBudgetExceeded, tokens, limit),
	}
}

// CircuitOpen builds the synthetic rejection error for a circuit key.
func CircuitOpen(key string) error {
	return &Error{Op: "call", Key: key, Err: ErrCircuitOpen}
}

// IsBudgetExceeded reports whether err is or wraps ErrBudgetExceeded.
func IsBudgetExceeded(err error) bool {
	return errors.Is(err, ErrBudgetExceeded)
}

// IsCircuitOpen reports whether err is or wraps ErrCircuitOpen.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// KindOf classifies err using sentinels only. Richer matching (status codes,
// substrings) lives in the retry classifier.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrBudgetExceeded):
		return KindBudgetExceeded
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindNonRetryable
	}
}
