package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENROLLMENT REPOSITORY
// Queryable fields are columns; the rest of the aggregate lives in one JSONB
// document. Save is a compare-and-set on revision.
// ══════════════════════════════════════════════════════════════════════════════

// EnrollmentRepository implements progress.Repository.
type EnrollmentRepository struct {
	conn *Connection
}

// NewEnrollmentRepository creates a new EnrollmentRepository.
func NewEnrollmentRepository(conn *Connection) *EnrollmentRepository {
	return &EnrollmentRepository{conn: conn}
}

type enrollmentState struct {
	Syllabus         progress.Syllabus  `json:"syllabus"`
	CurrentLessonID  string             `json:"current_lesson_id,omitempty"`
	LastAccessedAt   time.Time          `json:"last_accessed_at"`
	TimeSpentNS      int64              `json:"time_spent_ns"`
	PerformanceScore float64            `json:"performance_score"`
	ScoredCount      int                `json:"scored_count"`
	BestScores       map[string]float64 `json:"best_scores,omitempty"`
	Counted          []string           `json:"counted,omitempty"`
	BehindCrossings  int                `json:"behind_crossings"`
	BaseSeq          int64              `json:"base_seq"`
	WithdrawnSeq     int64              `json:"withdrawn_seq,omitempty"`
}

func stateOf(e *progress.Enrollment) ([]byte, error) {
	counted := make([]string, 0, len(e.Counted))
	for id := range e.Counted {
		counted = append(counted, id)
	}
	sort.Strings(counted)
	return json.Marshal(enrollmentState{
		Syllabus:         e.Syllabus,
		CurrentLessonID:  e.CurrentLessonID,
		LastAccessedAt:   e.LastAccessedAt,
		TimeSpentNS:      int64(e.TimeSpent),
		PerformanceScore: e.PerformanceScore,
		ScoredCount:      e.ScoredCount,
		BestScores:       e.BestScores,
		Counted:          counted,
		BehindCrossings:  e.BehindCrossings,
		BaseSeq:          e.BaseSeq,
		WithdrawnSeq:     e.WithdrawnSeq,
	})
}

const enrollmentColumns = `student_id, learning_path_id, class_id, status, enrolled_at, total_lessons,
	lessons_completed, behind_schedule, completed_at, last_applied_seq, state, revision, updated_at`

// Create implements progress.Repository.
func (r *EnrollmentRepository) Create(ctx context.Context, e *progress.Enrollment) error {
	state, err := stateOf(e)
	if err != nil {
		return fmt.Errorf("failed to marshal enrollment: %w", err)
	}
	now := time.Now().UTC()
	_, err = r.conn.Exec(ctx, `
		INSERT INTO enrollments (`+enrollmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12)
	`,
		e.StudentID, e.LearningPathID, e.ClassID, string(e.Status), e.EnrolledAt.UTC(), e.TotalLessons,
		e.LessonsCompleted, e.BehindSchedule, e.CompletedAt, e.LastAppliedSeq, state, now,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrEnrollmentExists
		}
		return fmt.Errorf("failed to create enrollment: %w", err)
	}
	e.Revision = 1
	e.UpdatedAt = now
	return nil
}

// Get implements progress.Repository.
func (r *EnrollmentRepository) Get(ctx context.Context, key progress.Key) (*progress.Enrollment, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE student_id = $1 AND learning_path_id = $2
	`, key.StudentID, key.LearningPathID)
	e, err := scanEnrollment(row)
	if IsNoRows(err) {
		return nil, shared.ErrEnrollmentNotFound
	}
	return e, err
}

// Save implements progress.Repository.
func (r *EnrollmentRepository) Save(ctx context.Context, e *progress.Enrollment) error {
	state, err := stateOf(e)
	if err != nil {
		return fmt.Errorf("failed to marshal enrollment: %w", err)
	}
	now := time.Now().UTC()
	tag, err := r.conn.Exec(ctx, `
		UPDATE enrollments SET
			class_id = $1,
			status = $2,
			total_lessons = $3,
			lessons_completed = $4,
			behind_schedule = $5,
			completed_at = $6,
			last_applied_seq = $7,
			state = $8,
			revision = revision + 1,
			updated_at = $9
		WHERE student_id = $10 AND learning_path_id = $11 AND revision = $12
	`,
		e.ClassID, string(e.Status), e.TotalLessons, e.LessonsCompleted, e.BehindSchedule,
		e.CompletedAt, e.LastAppliedSeq, state, now,
		e.StudentID, e.LearningPathID, e.Revision,
	)
	if err != nil {
		return fmt.Errorf("failed to save enrollment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, e.Key()); err != nil {
			return err
		}
		return shared.ErrStaleWrite
	}
	e.Revision++
	e.UpdatedAt = now
	return nil
}

// ListByStudent implements progress.Repository.
func (r *EnrollmentRepository) ListByStudent(ctx context.Context, studentID string) ([]*progress.Enrollment, error) {
	return r.list(ctx, `WHERE student_id = $1`, studentID)
}

// ListByClass implements progress.Repository.
func (r *EnrollmentRepository) ListByClass(ctx context.Context, classID string) ([]*progress.Enrollment, error) {
	return r.list(ctx, `WHERE class_id = $1`, classID)
}

// ListActiveByPath implements progress.Repository.
func (r *EnrollmentRepository) ListActiveByPath(ctx context.Context, pathID string) ([]*progress.Enrollment, error) {
	return r.list(ctx, `WHERE learning_path_id = $1 AND status = 'active'`, pathID)
}

// ListActive implements progress.Repository.
func (r *EnrollmentRepository) ListActive(ctx context.Context) ([]*progress.Enrollment, error) {
	return r.list(ctx, `WHERE status = 'active'`)
}

// ListAll implements progress.Repository.
func (r *EnrollmentRepository) ListAll(ctx context.Context) ([]*progress.Enrollment, error) {
	return r.list(ctx, ``)
}

func (r *EnrollmentRepository) list(ctx context.Context, where string, args ...any) ([]*progress.Enrollment, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+enrollmentColumns+` FROM enrollments `+where+
		` ORDER BY student_id, learning_path_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	return collect(rows, scanEnrollment)
}

func scanEnrollment(row pgx.Row) (*progress.Enrollment, error) {
	var (
		e      progress.Enrollment
		status string
		raw    []byte
	)
	err := row.Scan(
		&e.StudentID, &e.LearningPathID, &e.ClassID, &status, &e.EnrolledAt, &e.TotalLessons,
		&e.LessonsCompleted, &e.BehindSchedule, &e.CompletedAt, &e.LastAppliedSeq, &raw, &e.Revision, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	var st enrollmentState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("enrollment %s/%s: malformed state: %w", e.StudentID, e.LearningPathID, err)
	}

	e.Status = progress.Status(status)
	e.EnrolledAt = e.EnrolledAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if e.CompletedAt != nil {
		t := e.CompletedAt.UTC()
		e.CompletedAt = &t
	}
	e.Syllabus = st.Syllabus
	e.CurrentLessonID = st.CurrentLessonID
	e.LastAccessedAt = st.LastAccessedAt.UTC()
	e.TimeSpent = time.Duration(st.TimeSpentNS)
	e.PerformanceScore = st.PerformanceScore
	e.ScoredCount = st.ScoredCount
	e.BestScores = st.BestScores
	if e.BestScores == nil {
		e.BestScores = make(map[string]float64)
	}
	e.Counted = make(map[string]struct{}, len(st.Counted))
	for _, id := range st.Counted {
		e.Counted[id] = struct{}{}
	}
	e.BehindCrossings = st.BehindCrossings
	e.BaseSeq = st.BaseSeq
	e.WithdrawnSeq = st.WithdrawnSeq
	return &e, nil
}
