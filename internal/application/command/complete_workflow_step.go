package command

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/alem-hub/progress-engine/internal/application/effects"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/workflow"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// COMPLETE WORKFLOW STEP COMMAND
// Advances a workflow by exactly one step. The transition is a compare-and-set
// on the step index, so of two concurrent completions of the same step only
// one succeeds. Completing the final step queues exactly one publication.
// ══════════════════════════════════════════════════════════════════════════════

// CompleteWorkflowStepCommand contains the data to complete a step.
type CompleteWorkflowStepCommand struct {
	WorkflowID string          `json:"workflow_id" validate:"required"`
	StepID     string          `json:"step_id" validate:"required"`
	Data       json.RawMessage `json:"data" validate:"jsondoc"`
}

// CompleteWorkflowStepResult contains the new workflow state.
type CompleteWorkflowStepResult struct {
	Workflow *workflow.Workflow `json:"workflow"`
	// PublishQueued is true when this call completed the final step.
	PublishQueued bool `json:"publish_queued"`
}

// SystemRecorder appends engine-produced events to the ledger.
type SystemRecorder interface {
	RecordSystem(ctx context.Context, ev *ledger.Event) (*RecordActivityResult, error)
}

// CompleteWorkflowStepHandler handles the CompleteWorkflowStepCommand.
type CompleteWorkflowStepHandler struct {
	deps     WorkflowDeps
	recorder SystemRecorder
	effects  *effects.Queue
	log      *logger.Logger
}

// NewCompleteWorkflowStepHandler creates a new CompleteWorkflowStepHandler.
func NewCompleteWorkflowStepHandler(deps WorkflowDeps, recorder SystemRecorder, queue *effects.Queue) *CompleteWorkflowStepHandler {
	deps = deps.withDefaults()
	return &CompleteWorkflowStepHandler{
		deps:     deps,
		recorder: recorder,
		effects:  queue,
		log:      deps.Logger.Named("complete_workflow_step"),
	}
}

// Handle executes the complete step command.
func (h *CompleteWorkflowStepHandler) Handle(ctx context.Context, cmd CompleteWorkflowStepCommand) (*CompleteWorkflowStepResult, error) {
	const op = "CompleteStep"

	if err := validateCommand("workflow", op, cmd); err != nil {
		return nil, err
	}
	w, err := h.deps.Workflows.Get(ctx, cmd.WorkflowID)
	if err != nil {
		return nil, err
	}
	if err := authorizeFor(ctx, h.deps.Identity, "workflow", op, w.StudentID); err != nil {
		return nil, err
	}

	tr, err := w.CompleteStep(cmd.StepID, cmd.Data, h.deps.Clock.Now())
	if err != nil {
		return nil, err
	}
	if err := h.deps.Workflows.SaveTransition(ctx, w, tr.ExpectedIndex); err != nil {
		if errors.Is(err, shared.ErrConcurrentModification) {
			return nil, shared.InvalidTransition("workflow", op,
				"step %q of workflow %s was completed concurrently", cmd.StepID, w.ID)
		}
		return nil, err
	}

	log := h.log.With(logger.WorkflowID(w.ID), logger.String("step_id", tr.StepID), logger.Int("step_index", tr.StepIndex))
	log.Info("workflow step completed", logger.Bool("final", tr.Final))

	events := []shared.Event{shared.NewWorkflowTransitionEvent(
		shared.EventWorkflowStepCompleted, w.ID, w.StudentID, tr.StepID, tr.StepIndex, string(w.Status))}

	// Only the CAS winner gets here. Both writes below are keyed by workflow.
	if h.recorder != nil {
		if _, err := h.recorder.RecordSystem(ctx, StepEvent(w, tr)); err != nil {
			log.Error("record workflow step failed", logger.Err(err))
		}
	}

	res := &CompleteWorkflowStepResult{Workflow: w}
	if tr.Final {
		events = append(events, shared.NewWorkflowTransitionEvent(
			shared.EventWorkflowCompleted, w.ID, w.StudentID, tr.StepID, tr.StepIndex, string(w.Status)))
		if h.effects != nil {
			q, err := h.effects.Enqueue(ctx, outbox.KindContentPublish, outbox.PublishKey(w.ID), w.StudentID,
				outbox.PublishPayload{WorkflowID: w.ID, StudentID: w.StudentID})
			if err != nil {
				// The workflow is completed; the publication reconciler
				// re-queues completed, unpublished workflows.
				log.Error("queue publication failed", logger.Err(err))
			} else {
				res.PublishQueued = true
				events = append(events, q.Event())
			}
		}
	}

	publishAll(h.deps.Publisher, h.log, events...)
	return res, nil
}

// StepEvent builds the ledger event for a completed workflow step. Its key
// depends only on the workflow and step, so replays collapse onto it.
func StepEvent(w *workflow.Workflow, tr workflow.Transition) *ledger.Event {
	occurred := w.UpdatedAt
	if s := w.Steps[tr.StepIndex]; s.CompletedAt != nil {
		occurred = *s.CompletedAt
	}
	return &ledger.Event{
		IdempotencyKey: ledger.SystemKey(ledger.WorkflowStepComplete, w.ID, tr.StepID),
		StudentID:      w.StudentID,
		Type:           ledger.WorkflowStepComplete,
		ResourceID:     tr.StepID,
		OccurredAt:     occurred.UTC().Truncate(time.Millisecond),
		Metadata: ledger.WorkflowStepMeta(ledger.WorkflowStepMetadata{
			WorkflowID: w.ID,
			StepID:     tr.StepID,
			StepIndex:  tr.StepIndex,
			Final:      tr.Final,
		}),
	}
}
