package command

import (
	"context"
	"errors"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/workflow"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// AbandonWorkflowCommand moves an in-progress workflow to abandoned.
type AbandonWorkflowCommand struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
}

// AbandonWorkflowHandler handles the AbandonWorkflowCommand.
type AbandonWorkflowHandler struct {
	deps WorkflowDeps
	log  *logger.Logger
}

// NewAbandonWorkflowHandler creates a new AbandonWorkflowHandler.
func NewAbandonWorkflowHandler(deps WorkflowDeps) *AbandonWorkflowHandler {
	deps = deps.withDefaults()
	return &AbandonWorkflowHandler{deps: deps, log: deps.Logger.Named("abandon_workflow")}
}

// Handle executes the abandon command. Abandoning a completed or already
// abandoned workflow is an invalid transition.
func (h *AbandonWorkflowHandler) Handle(ctx context.Context, cmd AbandonWorkflowCommand) (*workflow.Workflow, error) {
	const op = "Abandon"

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
	expected := w.CurrentStepIndex
	if err := w.Abandon(h.deps.Clock.Now()); err != nil {
		return nil, err
	}
	if err := h.deps.Workflows.SaveTransition(ctx, w, expected); err != nil {
		if errors.Is(err, shared.ErrConcurrentModification) {
			return nil, shared.InvalidTransition("workflow", op, "workflow %s changed concurrently", w.ID)
		}
		return nil, err
	}

	h.log.Info("workflow abandoned", logger.WorkflowID(w.ID), logger.Int("step_index", w.CurrentStepIndex))
	publishAll(h.deps.Publisher, h.log, shared.NewWorkflowTransitionEvent(
		shared.EventWorkflowAbandoned, w.ID, w.StudentID, "", w.CurrentStepIndex, string(w.Status)))
	return w, nil
}
