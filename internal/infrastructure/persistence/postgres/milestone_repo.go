package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/milestone"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// MilestoneRepository implements milestone.Repository.
type MilestoneRepository struct {
	conn *Connection
}

// NewMilestoneRepository creates a new MilestoneRepository.
func NewMilestoneRepository(conn *Connection) *MilestoneRepository {
	return &MilestoneRepository{conn: conn}
}

const milestoneColumns = `id, student_id, learning_path_id, kind, crossing, triggered_at,
	acknowledged, acknowledged_at, resolved_at`

// Create implements milestone.Repository.
func (r *MilestoneRepository) Create(ctx context.Context, m *milestone.Milestone) (*milestone.Milestone, bool, error) {
	tag, err := r.conn.Exec(ctx, `
		INSERT INTO milestones (id, student_id, learning_path_id, kind, crossing, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (student_id, learning_path_id, kind, crossing) DO NOTHING
	`, m.ID, m.StudentID, m.LearningPathID, string(m.Kind), m.Crossing, m.TriggeredAt.UTC())
	if err != nil {
		return nil, false, fmt.Errorf("failed to create milestone: %w", err)
	}
	inserted := tag.RowsAffected() == 1

	row := r.conn.QueryRow(ctx, `
		SELECT `+milestoneColumns+` FROM milestones
		WHERE student_id = $1 AND learning_path_id = $2 AND kind = $3 AND crossing = $4
	`, m.StudentID, m.LearningPathID, string(m.Kind), m.Crossing)
	stored, err := scanMilestone(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read milestone: %w", err)
	}
	return stored, inserted, nil
}

// Get implements milestone.Repository.
func (r *MilestoneRepository) Get(ctx context.Context, id string) (*milestone.Milestone, error) {
	m, err := scanMilestone(r.conn.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id))
	if IsNoRows(err) {
		return nil, shared.ErrMilestoneNotFound
	}
	return m, err
}

// ListByEnrollment implements milestone.Repository.
func (r *MilestoneRepository) ListByEnrollment(ctx context.Context, studentID, pathID string) ([]*milestone.Milestone, error) {
	return r.list(ctx, `WHERE student_id = $1 AND learning_path_id = $2`, studentID, pathID)
}

// ListByStudent implements milestone.Repository.
func (r *MilestoneRepository) ListByStudent(ctx context.Context, studentID string) ([]*milestone.Milestone, error) {
	return r.list(ctx, `WHERE student_id = $1`, studentID)
}

// Acknowledge implements milestone.Repository. The domain rule runs on the
// row locked FOR UPDATE.
func (r *MilestoneRepository) Acknowledge(ctx context.Context, id string, at time.Time) (*milestone.Milestone, error) {
	var out *milestone.Milestone
	err := r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		m, err := scanMilestone(tx.QueryRow(ctx,
			`SELECT `+milestoneColumns+` FROM milestones WHERE id = $1 FOR UPDATE`, id))
		if IsNoRows(err) {
			return shared.ErrMilestoneNotFound
		}
		if err != nil {
			return err
		}
		if err := m.Acknowledge(at); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE milestones SET acknowledged = TRUE, acknowledged_at = $1 WHERE id = $2`,
			m.AcknowledgedAt, id); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// Resolve implements milestone.Repository. Resolving twice keeps the first time.
func (r *MilestoneRepository) Resolve(ctx context.Context, id string, at time.Time) error {
	tag, err := r.conn.Exec(ctx,
		`UPDATE milestones SET resolved_at = COALESCE(resolved_at, $1) WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve milestone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrMilestoneNotFound
	}
	return nil
}

func (r *MilestoneRepository) list(ctx context.Context, where string, args ...any) ([]*milestone.Milestone, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones `+where+
		` ORDER BY triggered_at, student_id, learning_path_id, kind, crossing`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list milestones: %w", err)
	}
	return collect(rows, scanMilestone)
}

func scanMilestone(row pgx.Row) (*milestone.Milestone, error) {
	var (
		m    milestone.Milestone
		kind string
	)
	if err := row.Scan(&m.ID, &m.StudentID, &m.LearningPathID, &kind, &m.Crossing, &m.TriggeredAt,
		&m.Acknowledged, &m.AcknowledgedAt, &m.ResolvedAt); err != nil {
		return nil, err
	}
	m.Kind = milestone.Kind(kind)
	m.TriggeredAt = m.TriggeredAt.UTC()
	return &m, nil
}
