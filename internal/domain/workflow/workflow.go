// Package workflow contains the content-creation workflow state machine:
// an ordered list of steps completed strictly in sequence.
package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Status of a workflow.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Step is one ordered unit of a workflow.
type Step struct {
	ID          string          `json:"id"`
	Order       int             `json:"order"`
	Completed   bool            `json:"completed"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Workflow is the ContentWorkflow aggregate.
type Workflow struct {
	ID               string    `json:"id"`
	StudentID        string    `json:"student_id"`
	Title            string    `json:"title"`
	Steps            []Step    `json:"steps"`
	CurrentStepIndex int       `json:"current_step_index"`
	Status           Status    `json:"status"`
	PublishedURL     string    `json:"published_url,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// New creates an in-progress workflow with the given step ids in order.
func New(id, studentID, title string, stepIDs []string, now time.Time) (*Workflow, error) {
	const op = "New"
	if strings.TrimSpace(id) == "" {
		return nil, shared.Validation("workflow", op, "workflow id is required")
	}
	if strings.TrimSpace(studentID) == "" {
		return nil, shared.Validation("workflow", op, "student id is required")
	}
	if len(stepIDs) == 0 {
		return nil, shared.Validation("workflow", op, "workflow needs at least one step")
	}
	seen := make(map[string]struct{}, len(stepIDs))
	steps := make([]Step, 0, len(stepIDs))
	for i, sid := range stepIDs {
		if strings.TrimSpace(sid) == "" {
			return nil, shared.Validation("workflow", op, "step %d has an empty id", i)
		}
		if _, dup := seen[sid]; dup {
			return nil, shared.Validation("workflow", op, "duplicate step id %q", sid)
		}
		seen[sid] = struct{}{}
		steps = append(steps, Step{ID: sid, Order: i})
	}
	now = now.UTC()
	return &Workflow{
		ID:        id,
		StudentID: studentID,
		Title:     title,
		Steps:     steps,
		Status:    StatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CurrentStep returns the step awaiting completion, or nil when none remains.
func (w *Workflow) CurrentStep() *Step {
	if w.CurrentStepIndex < 0 || w.CurrentStepIndex >= len(w.Steps) {
		return nil
	}
	return &w.Steps[w.CurrentStepIndex]
}

// IsFinalStep reports whether stepID is the last step.
func (w *Workflow) IsFinalStep(stepID string) bool {
	return len(w.Steps) > 0 && w.Steps[len(w.Steps)-1].ID == stepID
}

// Transition describes the effect of a successful CompleteStep.
type Transition struct {
	StepID    string
	StepIndex int
	// ExpectedIndex is the CurrentStepIndex the transition was computed from.
	// Persisting it is a compare-and-set against this value.
	ExpectedIndex int
	Final         bool
}

// CompleteStep completes stepID if it is the current step. Out-of-order ids
// and terminal workflows are rejected with ErrInvalidTransition and the
// workflow is left untouched.
func (w *Workflow) CompleteStep(stepID string, data json.RawMessage, now time.Time) (Transition, error) {
	const op = "CompleteStep"
	if w.Status.IsTerminal() {
		return Transition{}, shared.InvalidTransition("workflow", op, "workflow %s is %s", w.ID, w.Status)
	}
	cur := w.CurrentStep()
	if cur == nil {
		return Transition{}, shared.InvalidTransition("workflow", op, "workflow %s has no pending step", w.ID)
	}
	if cur.ID != stepID {
		return Transition{}, shared.InvalidTransition("workflow", op,
			"step %q is not current; expected %q at index %d", stepID, cur.ID, w.CurrentStepIndex)
	}
	if len(data) > 0 && !json.Valid(data) {
		return Transition{}, shared.Validation("workflow", op, "step data must be valid JSON")
	}

	now = now.UTC()
	t := Transition{
		StepID:        stepID,
		StepIndex:     w.CurrentStepIndex,
		ExpectedIndex: w.CurrentStepIndex,
	}

	cur.Completed = true
	cur.CompletedAt = &now
	cur.Data = append(json.RawMessage(nil), data...)
	w.CurrentStepIndex++
	w.UpdatedAt = now

	if w.CurrentStepIndex == len(w.Steps) {
		w.Status = StatusCompleted
		t.Final = true
	}
	return t, nil
}

// Abandon moves an in-progress workflow to abandoned.
func (w *Workflow) Abandon(now time.Time) error {
	if w.Status != StatusInProgress {
		return shared.InvalidTransition("workflow", "Abandon", "workflow %s is %s", w.ID, w.Status)
	}
	w.Status = StatusAbandoned
	w.UpdatedAt = now.UTC()
	return nil
}

// FinalStepData returns the data stored on the last step.
func (w *Workflow) FinalStepData() json.RawMessage {
	if len(w.Steps) == 0 {
		return nil
	}
	return w.Steps[len(w.Steps)-1].Data
}

// Clone returns a deep copy.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Steps = make([]Step, len(w.Steps))
	for i, s := range w.Steps {
		c.Steps[i] = s
		c.Steps[i].Data = append(json.RawMessage(nil), s.Data...)
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			c.Steps[i].CompletedAt = &t
		}
	}
	return &c
}

// Repository persists workflows.
type Repository interface {
	Create(ctx context.Context, w *Workflow) error
	Get(ctx context.Context, id string) (*Workflow, error)

	// SaveTransition stores w only if the stored CurrentStepIndex still equals
	// expectedIndex and the stored status is in_progress. Otherwise it returns
	// shared.ErrStaleWrite and stores nothing.
	SaveTransition(ctx context.Context, w *Workflow, expectedIndex int) error

	// SetPublishedURL records the publication result on a completed workflow.
	SetPublishedURL(ctx context.Context, id, url string) error

	ListByStudent(ctx context.Context, studentID string) ([]*Workflow, error)

	// ListUnpublished returns completed workflows without a published URL,
	// oldest first.
	ListUnpublished(ctx context.Context, limit int) ([]*Workflow, error)
}

// ContentPublisher publishes the output of a completed workflow.
type ContentPublisher interface {
	Publish(ctx context.Context, workflowID string, finalStepData json.RawMessage) (publishedURL string, err error)
}
