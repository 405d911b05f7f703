package command

import (
	"context"

	"github.com/google/uuid"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/workflow"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// StartWorkflowCommand opens a content workflow with an ordered list of steps.
type StartWorkflowCommand struct {
	StudentID string   `json:"student_id" validate:"required"`
	Title     string   `json:"title" validate:"required,max=200"`
	StepIDs   []string `json:"step_ids" validate:"required,min=1,dive,required"`
}

// WorkflowDeps are shared by the workflow command handlers.
type WorkflowDeps struct {
	Workflows workflow.Repository
	Identity  shared.IdentityProvider
	Publisher shared.EventPublisher
	Clock     timeutil.Clock
	Logger    *logger.Logger
}

func (d WorkflowDeps) withDefaults() WorkflowDeps {
	if d.Identity == nil {
		d.Identity = shared.ContextIdentityProvider{}
	}
	if d.Publisher == nil {
		d.Publisher = shared.NopPublisher{}
	}
	if d.Clock == nil {
		d.Clock = timeutil.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	return d
}

// StartWorkflowHandler handles the StartWorkflowCommand.
type StartWorkflowHandler struct {
	deps  WorkflowDeps
	log   *logger.Logger
	newID func() string
}

// NewStartWorkflowHandler creates a new StartWorkflowHandler.
func NewStartWorkflowHandler(deps WorkflowDeps) *StartWorkflowHandler {
	deps = deps.withDefaults()
	return &StartWorkflowHandler{deps: deps, log: deps.Logger.Named("start_workflow"), newID: uuid.NewString}
}

// Handle executes the start command.
func (h *StartWorkflowHandler) Handle(ctx context.Context, cmd StartWorkflowCommand) (*workflow.Workflow, error) {
	const op = "Start"

	if err := validateCommand("workflow", op, cmd); err != nil {
		return nil, err
	}
	if err := authorizeFor(ctx, h.deps.Identity, "workflow", op, cmd.StudentID); err != nil {
		return nil, err
	}
	w, err := workflow.New(h.newID(), cmd.StudentID, cmd.Title, cmd.StepIDs, h.deps.Clock.Now())
	if err != nil {
		return nil, err
	}
	if err := h.deps.Workflows.Create(ctx, w); err != nil {
		return nil, err
	}
	h.log.Info("workflow started", logger.WorkflowID(w.ID), logger.StudentID(w.StudentID), logger.Int("steps", len(w.Steps)))
	return w, nil
}
