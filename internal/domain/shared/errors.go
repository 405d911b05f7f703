// Package shared contains common domain types, errors, events and identity
// ports used across all domain packages. It has no external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base error kinds, checked with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrValidation marks malformed input. It is raised before anything is written.
	ErrValidation = errors.New("validation error")

	// ErrInvalidTransition marks an out-of-order step, a mutation of a terminal
	// entity, or a lost version race. State is left unchanged.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrCollaboratorUnavailable marks a failed call to an external collaborator.
	// The triggering state change stays committed and the side effect is retried.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrConsistencyViolation marks a broken invariant in persisted state, such as
	// a gap in a version chain. It is fatal to the operation and never patched.
	ErrConsistencyViolation = errors.New("consistency violation")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Concurrency errors
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrTimeout = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "ledger", "workflow", "portfolio"
	Op      string // Operation that failed, e.g., "Record", "CompleteStep"
	Kind    error  // Base error kind for errors.Is() checking
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

// Is implements errors.Is() matching against both the kind and the cause.
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

// Validation builds a validation error.
func Validation(domain, op, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, ErrValidation, fmt.Sprintf(format, args...))
}

// InvalidTransition builds a transition error.
func InvalidTransition(domain, op, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// ConsistencyViolation builds a consistency error.
func ConsistencyViolation(domain, op, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, ErrConsistencyViolation, fmt.Sprintf(format, args...))
}

// Well-known domain errors.
var (
	ErrEventNotFound      = NewDomainError("ledger", "Find", ErrNotFound, "activity event not found")
	ErrEnrollmentNotFound = NewDomainError("progress", "Find", ErrNotFound, "enrollment not found")
	ErrEnrollmentExists   = NewDomainError("progress", "Enroll", ErrAlreadyExists, "student already enrolled in path")
	ErrPathNotFound       = NewDomainError("catalog", "GetPath", ErrNotFound, "learning path not found")
	ErrMilestoneNotFound  = NewDomainError("milestone", "Find", ErrNotFound, "milestone not found")
	ErrWorkflowNotFound   = NewDomainError("workflow", "Find", ErrNotFound, "workflow not found")
	ErrCurriculumNotFound = NewDomainError("curriculum", "Find", ErrNotFound, "curriculum version not found")
	ErrPortfolioNotFound  = NewDomainError("portfolio", "Find", ErrNotFound, "portfolio version not found")
	ErrOutboxNotFound     = NewDomainError("outbox", "Find", ErrNotFound, "outbox entry not found")

	// ErrVersionTaken is returned by version chain repositories when the number
	// being appended already exists. Callers treat it as a lost race.
	ErrVersionTaken = NewDomainError("version", "Append", ErrInvalidTransition, "version number already allocated")

	// ErrStaleWrite is returned when a compare-and-set guard no longer matches.
	ErrStaleWrite = NewDomainError("storage", "Save", ErrConcurrentModification, "stored state changed since it was read")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvalidTransition checks if the error is a rejected transition.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsConsistencyViolation checks if the error signals corrupted persisted state.
func IsConsistencyViolation(err error) bool {
	return errors.Is(err, ErrConsistencyViolation)
}

// IsCollaboratorUnavailable checks if an external collaborator call failed.
func IsCollaboratorUnavailable(err error) bool {
	return errors.Is(err, ErrCollaboratorUnavailable)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCollaboratorUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConcurrentModification)
}
