// Package saga contains the processes that run outside any state lock and
// talk to external collaborators. Each one handles one outbox entry kind and
// is safe to run more than once for the same entry.
package saga

import (
	"fmt"

	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/retry"
)

// Step names one stage of a saga run.
type Step string

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// StepError records which stage of a saga failed.
type StepError struct {
	Saga    string
	Step    Step
	EntryID string
	Cause   error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed at step '%s' (entry %s): %v", e.Saga, e.Step, e.EntryID, e.Cause)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Cause
}

func stepError(saga string, step Step, entry *outbox.Entry, err error) error {
	return &StepError{Saga: saga, Step: step, EntryID: entry.ID, Cause: err}
}

// decode reads the entry payload. A payload that cannot be decoded never will
// be, so the failure is permanent.
func decode(saga string, entry *outbox.Entry, v any) error {
	if err := entry.Decode(v); err != nil {
		return retry.Permanent(stepError(saga, "decode", entry, err))
	}
	return nil
}

// unavailable marks a collaborator failure. The dispatcher retries it.
func unavailable(collaborator string, err error) error {
	return shared.WrapError(collaborator, "Call", shared.ErrCollaboratorUnavailable, collaborator+" call failed", err)
}
