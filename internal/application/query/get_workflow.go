package query

import (
	"context"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/workflow"
)

// GetWorkflowHandler reads workflows.
type GetWorkflowHandler struct {
	workflows workflow.Repository
	identity  shared.IdentityProvider
}

// NewGetWorkflowHandler creates a new GetWorkflowHandler.
func NewGetWorkflowHandler(workflows workflow.Repository, identity shared.IdentityProvider) *GetWorkflowHandler {
	return &GetWorkflowHandler{workflows: workflows, identity: orDefault(identity)}
}

// Get returns one workflow.
func (h *GetWorkflowHandler) Get(ctx context.Context, workflowID string) (*workflow.Workflow, error) {
	if workflowID == "" {
		return nil, shared.Validation("workflow", "Get", "workflow id is required")
	}
	w, err := h.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := authorizeFor(ctx, h.identity, "workflow", "Get", w.StudentID); err != nil {
		return nil, err
	}
	return w, nil
}

// ListByStudent returns a student's workflows, oldest first.
func (h *GetWorkflowHandler) ListByStudent(ctx context.Context, studentID string) ([]*workflow.Workflow, error) {
	if studentID == "" {
		return nil, shared.Validation("workflow", "List", "student id is required")
	}
	if err := authorizeFor(ctx, h.identity, "workflow", "List", studentID); err != nil {
		return nil, err
	}
	return h.workflows.ListByStudent(ctx, studentID)
}
