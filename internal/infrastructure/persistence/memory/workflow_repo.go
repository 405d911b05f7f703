package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/workflow"
)

// WorkflowRepository implements workflow.Repository.
type WorkflowRepository struct {
	mu   sync.RWMutex
	rows map[string]*workflow.Workflow
}

// NewWorkflowRepository creates an empty repository.
func NewWorkflowRepository() *WorkflowRepository {
	return &WorkflowRepository{rows: make(map[string]*workflow.Workflow)}
}

// Create implements workflow.Repository.
func (r *WorkflowRepository) Create(_ context.Context, w *workflow.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[w.ID]; ok {
		return shared.NewDomainError("workflow", "Create", shared.ErrAlreadyExists, "workflow "+w.ID+" exists")
	}
	r.rows[w.ID] = w.Clone()
	return nil
}

// Get implements workflow.Repository.
func (r *WorkflowRepository) Get(_ context.Context, id string) (*workflow.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.rows[id]
	if !ok {
		return nil, shared.ErrWorkflowNotFound
	}
	return w.Clone(), nil
}

// SaveTransition implements workflow.Repository.
func (r *WorkflowRepository) SaveTransition(_ context.Context, w *workflow.Workflow, expectedIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rows[w.ID]
	if !ok {
		return shared.ErrWorkflowNotFound
	}
	if cur.CurrentStepIndex != expectedIndex || cur.Status != workflow.StatusInProgress {
		return shared.ErrStaleWrite
	}
	r.rows[w.ID] = w.Clone()
	return nil
}

// SetPublishedURL implements workflow.Repository.
func (r *WorkflowRepository) SetPublishedURL(_ context.Context, id, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rows[id]
	if !ok {
		return shared.ErrWorkflowNotFound
	}
	cur.PublishedURL = url
	return nil
}

// ListByStudent implements workflow.Repository.
func (r *WorkflowRepository) ListByStudent(_ context.Context, studentID string) ([]*workflow.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*workflow.Workflow
	for _, w := range r.rows {
		if w.StudentID == studentID {
			out = append(out, w.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListUnpublished implements workflow.Repository.
func (r *WorkflowRepository) ListUnpublished(_ context.Context, limit int) ([]*workflow.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*workflow.Workflow
	for _, w := range r.rows {
		if w.Status == workflow.StatusCompleted && w.PublishedURL == "" {
			out = append(out, w.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
