// Package shared contains the error kinds, events and value objects used by
// every domain package of the progression engine.
package shared

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match them with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidState         = errors.New("invalid state")
	ErrAttemptLimitExceeded = errors.New("attempt limit exceeded")
	ErrNotEnrolled          = errors.New("learner not enrolled")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrUngradedResponse     = errors.New("response awaiting grading")
	ErrValidation           = errors.New("validation error")
	ErrExternalService      = errors.New("external service error")

	// Refinements of ErrInvalidState with actionable messages.
	ErrAlreadyCompleted = fmt.Errorf("%w: attempt already completed", ErrInvalidState)
	ErrNotInProgress    = fmt.Errorf("%w: attempt is not in progress", ErrInvalidState)
	ErrNotStarted       = fmt.Errorf("%w: attempt not started", ErrInvalidState)
	ErrAbandoned        = fmt.Errorf("%w: attempt was abandoned", ErrInvalidState)
)

// DomainError carries the domain and operation that failed alongside its kind.
type DomainError struct {
	Domain  string // e.g. "review", "assessment", "progress"
	Op      string
	Kind    error
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is matches against both the kind and the wrapped cause.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	return e.Err != nil && errors.Is(e.Err, target)
}

// NewDomainError creates a domain error without a cause.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message}
}

// WrapError creates a domain error around a cause.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: err}
}

// Validationf builds an ErrValidation domain error.
func Validationf(domain, op, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, ErrValidation, fmt.Sprintf(format, args...))
}

// Conflict builds an ErrConcurrencyConflict domain error for key.
func Conflict(domain, op, key string) *DomainError {
	return NewDomainError(domain, op, ErrConcurrencyConflict, "version mismatch for "+key)
}

func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConcurrencyConflict) }
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsRetryable reports whether the dispatcher may re-run the failed step.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
