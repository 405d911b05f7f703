package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/workflow"
)

// WorkflowRepository implements workflow.Repository.
type WorkflowRepository struct {
	conn *Connection
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(conn *Connection) *WorkflowRepository {
	return &WorkflowRepository{conn: conn}
}

const workflowColumns = `id, student_id, title, steps, current_step_index, status, published_url, created_at, updated_at`

// Create implements workflow.Repository.
func (r *WorkflowRepository) Create(ctx context.Context, w *workflow.Workflow) error {
	steps, err := json.Marshal(w.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	_, err = r.conn.Exec(ctx, `
		INSERT INTO content_workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, w.ID, w.StudentID, w.Title, steps, w.CurrentStepIndex, string(w.Status), w.PublishedURL,
		w.CreatedAt.UTC(), w.UpdatedAt.UTC())
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.NewDomainError("workflow", "Create", shared.ErrAlreadyExists, "workflow "+w.ID+" exists")
		}
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

// Get implements workflow.Repository.
func (r *WorkflowRepository) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	w, err := scanWorkflow(r.conn.QueryRow(ctx, `SELECT `+workflowColumns+` FROM content_workflows WHERE id = $1`, id))
	if IsNoRows(err) {
		return nil, shared.ErrWorkflowNotFound
	}
	return w, err
}

// SaveTransition implements workflow.Repository. The WHERE clause is the
// compare-and-set: of two writers that read the same index only one matches.
func (r *WorkflowRepository) SaveTransition(ctx context.Context, w *workflow.Workflow, expectedIndex int) error {
	steps, err := json.Marshal(w.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	tag, err := r.conn.Exec(ctx, `
		UPDATE content_workflows SET
			steps = $1,
			current_step_index = $2,
			status = $3,
			updated_at = $4
		WHERE id = $5 AND current_step_index = $6 AND status = 'in_progress'
	`, steps, w.CurrentStepIndex, string(w.Status), w.UpdatedAt.UTC(), w.ID, expectedIndex)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, w.ID); err != nil {
			return err
		}
		return shared.ErrStaleWrite
	}
	return nil
}

// SetPublishedURL implements workflow.Repository. The first URL stored wins.
func (r *WorkflowRepository) SetPublishedURL(ctx context.Context, id, url string) error {
	tag, err := r.conn.Exec(ctx, `
		UPDATE content_workflows
		SET published_url = CASE WHEN published_url = '' THEN $1 ELSE published_url END
		WHERE id = $2
	`, url, id)
	if err != nil {
		return fmt.Errorf("failed to set published url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrWorkflowNotFound
	}
	return nil
}

// ListByStudent implements workflow.Repository.
func (r *WorkflowRepository) ListByStudent(ctx context.Context, studentID string) ([]*workflow.Workflow, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+workflowColumns+` FROM content_workflows
		WHERE student_id = $1 ORDER BY created_at
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return collect(rows, scanWorkflow)
}

// ListUnpublished implements workflow.Repository.
func (r *WorkflowRepository) ListUnpublished(ctx context.Context, limit int) ([]*workflow.Workflow, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+workflowColumns+` FROM content_workflows
		WHERE status = 'completed' AND published_url = ''
		ORDER BY updated_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpublished workflows: %w", err)
	}
	return collect(rows, scanWorkflow)
}

func scanWorkflow(row pgx.Row) (*workflow.Workflow, error) {
	var (
		w      workflow.Workflow
		steps  []byte
		status string
	)
	if err := row.Scan(&w.ID, &w.StudentID, &w.Title, &steps, &w.CurrentStepIndex, &status,
		&w.PublishedURL, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &w.Steps); err != nil {
		return nil, fmt.Errorf("workflow %s: malformed steps: %w", w.ID, err)
	}
	w.Status = workflow.Status(status)
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return &w, nil
}
