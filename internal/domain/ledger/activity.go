// Package ledger contains the activity event model: an append-only,
// deduplicated log of learning-activity facts. It is the source of truth
// for every derived progress table.
package ledger

import (
	"strings"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ActivityType is the closed set of activity kinds the ledger accepts.
type ActivityType string

const (
	LessonComplete       ActivityType = "lesson_complete"
	AssessmentSubmit     ActivityType = "assessment_submit"
	ContentCreate        ActivityType = "content_create"
	PeerReview           ActivityType = "peer_review"
	WorkflowStepComplete ActivityType = "workflow_step_complete"
	// ContentPublish is produced by the engine after a workflow is published.
	ContentPublish ActivityType = "content_publish"
)

// AllTypes lists every activity type in a stable order.
var AllTypes = []ActivityType{
	LessonComplete, AssessmentSubmit, ContentCreate, PeerReview, WorkflowStepComplete, ContentPublish,
}

// IsValid checks if the activity type is known.
func (t ActivityType) IsValid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// CountsTowardProgress reports whether the type can advance lessonsCompleted.
func (t ActivityType) CountsTowardProgress() bool {
	switch t {
	case LessonComplete, AssessmentSubmit, ContentCreate, PeerReview:
		return true
	}
	return false
}

// SystemOnly reports whether only engine-internal producers may record the type.
func (t ActivityType) SystemOnly() bool {
	return t == ContentPublish
}

// ParseActivityType parses a wire value.
func ParseActivityType(s string) (ActivityType, bool) {
	t := ActivityType(strings.ToLower(strings.TrimSpace(s)))
	return t, t.IsValid()
}

// Event is an immutable activity fact. Seq and AcceptedAt are assigned by the
// repository on first acceptance; Seq is the ledger acceptance order.
type Event struct {
	Seq            int64          `json:"seq"`
	IdempotencyKey string         `json:"idempotency_key"`
	StudentID      string         `json:"student_id"`
	Type           ActivityType   `json:"activity_type"`
	ResourceID     string         `json:"resource_id"`
	LearningPathID string         `json:"learning_path_id,omitempty"`
	OccurredAt     time.Time      `json:"timestamp"`
	Duration       *time.Duration `json:"duration,omitempty"`
	Score          *float64       `json:"score,omitempty"`
	Metadata       Metadata       `json:"metadata"`
	AcceptedAt     time.Time      `json:"accepted_at"`
}

// HasScore reports whether the event carries a score.
func (e *Event) HasScore() bool {
	return e.Score != nil
}

// DurationOrZero returns the reported duration, or zero.
func (e *Event) DurationOrZero() time.Duration {
	if e.Duration == nil {
		return 0
	}
	return *e.Duration
}

// Validate checks the event before it is written. Nothing is persisted for an
// event that fails validation.
func (e *Event) Validate() error {
	const op = "Validate"
	switch {
	case strings.TrimSpace(e.IdempotencyKey) == "":
		return shared.Validation("ledger", op, "idempotency key is required")
	case strings.TrimSpace(e.StudentID) == "":
		return shared.Validation("ledger", op, "student id is required")
	case !e.Type.IsValid():
		return shared.Validation("ledger", op, "unknown activity type %q", e.Type)
	case strings.TrimSpace(e.ResourceID) == "":
		return shared.Validation("ledger", op, "resource id is required")
	case e.OccurredAt.IsZero():
		return shared.Validation("ledger", op, "timestamp is required")
	}
	if e.Duration != nil && *e.Duration < 0 {
		return shared.Validation("ledger", op, "duration cannot be negative")
	}
	if e.Score != nil && !shared.Score(*e.Score).IsValid() {
		return shared.Validation("ledger", op, "score %.2f out of range [0,100]", *e.Score)
	}
	return e.Metadata.validateFor(e.Type)
}

// RecordResult is returned by a ledger write. Accepted is false when the key
// was already present; Event is then the originally stored event.
type RecordResult struct {
	Accepted bool   `json:"accepted"`
	Event    *Event `json:"event"`
}
