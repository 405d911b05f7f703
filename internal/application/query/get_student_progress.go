package query

import (
	"context"
	"sort"

	"github.com/alem-hub/progress-engine/internal/domain/milestone"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET STUDENT PROGRESS QUERY
// Reads a student's enrollments and milestones from the derived tables.
// ══════════════════════════════════════════════════════════════════════════════

// GetStudentProgressQuery contains the parameters of the query.
type GetStudentProgressQuery struct {
	StudentID string
	// IncludeWithdrawn also returns withdrawn enrollments.
	IncludeWithdrawn bool
}

// Validate checks the query.
func (q GetStudentProgressQuery) Validate() error {
	if q.StudentID == "" {
		return shared.Validation("progress", "GetStudentProgress", "student id is required")
	}
	return nil
}

// StudentProgressDTO is the StudentProgressSnapshot read model.
type StudentProgressDTO struct {
	StudentID   string                  `json:"student_id"`
	Enrollments []EnrollmentProgressDTO `json:"enrollments"`
	Milestones  []MilestoneDTO          `json:"milestones"`

	// Totals across the returned enrollments.
	TotalLessons     int     `json:"total_lessons"`
	LessonsCompleted int     `json:"lessons_completed"`
	PathsCompleted   int     `json:"paths_completed"`
	BehindSchedule   int     `json:"behind_schedule"`
	AverageScore     float64 `json:"average_score"`
}

// GetStudentProgressHandler handles the query.
type GetStudentProgressHandler struct {
	enrollments progress.Repository
	milestones  milestone.Repository
	identity    shared.IdentityProvider
}

// NewGetStudentProgressHandler creates a new GetStudentProgressHandler.
func NewGetStudentProgressHandler(enrollments progress.Repository, milestones milestone.Repository, identity shared.IdentityProvider) *GetStudentProgressHandler {
	return &GetStudentProgressHandler{enrollments: enrollments, milestones: milestones, identity: orDefault(identity)}
}

// Handle executes the query.
func (h *GetStudentProgressHandler) Handle(ctx context.Context, q GetStudentProgressQuery) (*StudentProgressDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := authorizeFor(ctx, h.identity, "progress", "GetStudentProgress", q.StudentID); err != nil {
		return nil, err
	}

	enrollments, err := h.enrollments.ListByStudent(ctx, q.StudentID)
	if err != nil {
		return nil, err
	}
	ms, err := h.milestones.ListByStudent(ctx, q.StudentID)
	if err != nil {
		return nil, err
	}

	dto := &StudentProgressDTO{
		StudentID:   q.StudentID,
		Enrollments: make([]EnrollmentProgressDTO, 0, len(enrollments)),
		Milestones:  make([]MilestoneDTO, 0, len(ms)),
	}
	var scoreSum float64
	var scored int
	for _, e := range enrollments {
		if !q.IncludeWithdrawn && e.Status == progress.StatusWithdrawn {
			continue
		}
		dto.Enrollments = append(dto.Enrollments, EnrollmentView(e))
		dto.TotalLessons += e.TotalLessons
		dto.LessonsCompleted += e.LessonsCompleted
		if e.CompletedAt != nil {
			dto.PathsCompleted++
		}
		if e.BehindSchedule {
			dto.BehindSchedule++
		}
		if e.ScoredCount > 0 {
			scoreSum += e.PerformanceScore
			scored++
		}
	}
	if scored > 0 {
		dto.AverageScore = scoreSum / float64(scored)
	}

	for _, m := range ms {
		dto.Milestones = append(dto.Milestones, MilestoneView(m))
	}
	sort.SliceStable(dto.Milestones, func(i, j int) bool {
		return dto.Milestones[i].TriggeredAt.Before(dto.Milestones[j].TriggeredAt)
	})
	return dto, nil
}
