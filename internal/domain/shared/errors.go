// Package shared contains common domain types, errors, and events that are used
// across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")
	ErrInvalidEntity = errors.New("invalid entity")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrFutureTimestamp = errors.New("timestamp cannot be in the future")

	// State errors
	ErrInvalidState     = errors.New("invalid state")
	ErrStateTransition  = errors.New("invalid state transition")
	ErrAlreadyProcessed = errors.New("already processed")
	ErrExpired          = errors.New("expired")

	// External service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrRateLimited        = errors.New("rate limited")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "session", "behavior", "identity"
	Op      string // Operation that failed, e.g., "Start", "CheckIn"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Session domain errors
var (
	ErrSessionNotFound  = NewDomainError("session", "Find", ErrNotFound, "session not found")
	ErrSessionNotActive = NewDomainError("session", "Process", ErrInvalidState, "session is not active")
	ErrSessionEnded     = NewDomainError("session", "Process", ErrInvalidState, "session has ended, records are frozen")
	ErrAlreadyActive    = NewDomainError("session", "Start", ErrAlreadyExists, "an active session already occupies this classroom")
	ErrAlreadyEnded     = NewDomainError("session", "End", ErrStateTransition, "session already ended")
	ErrNotScheduled     = NewDomainError("session", "Start", ErrStateTransition, "only a scheduled session can be started")
	ErrStatusRegression = NewDomainError("session", "Transition", ErrStateTransition, "attendance status cannot move backward")
	ErrRecordNotFound   = NewDomainError("session", "FindRecord", ErrNotFound, "attendance record not found")
)

// Identity domain errors
var (
	ErrUnknownCard    = NewDomainError("identity", "Resolve", ErrNotFound, "card is not linked to any student")
	ErrStudentUnknown = NewDomainError("identity", "Find", ErrNotFound, "student not found")
	ErrInvalidCardID  = NewDomainError("identity", "Validate", ErrInvalidID, "invalid card id")
)

// Behavior domain errors
var (
	ErrProfileNotFound   = NewDomainError("behavior", "Find", ErrNotFound, "behavior profile not found")
	ErrEscalationCooling = NewDomainError("behavior", "Escalate", ErrRateLimited, "escalation suppressed by cooldown")
)

// External service errors
var (
	ErrNotifierUnavailable = NewDomainError("notifier", "Send", ErrServiceUnavailable, "notification gateway is unavailable")
	ErrNotifierRejected    = NewDomainError("notifier", "Send", ErrExternalService, "notification gateway rejected the request")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsInvalidState checks if the error is a lifecycle/state error.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState) || errors.Is(err, ErrStateTransition)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsExternalService checks if the error is from an external service.
func IsExternalService(err error) bool {
	return errors.Is(err, ErrExternalService) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// IsExpected reports whether the error is a known, expected rejection that the
// tap ingress should translate into a definitive status message rather than a
// generic failure. Unknown cards and lifecycle rejections are expected;
// persistence outages are not.
func IsExpected(err error) bool {
	return IsNotFound(err) || IsInvalidState(err) || IsValidation(err) || IsAlreadyExists(err)
}
