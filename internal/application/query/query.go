// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/milestone"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

func authorizeFor(ctx context.Context, identity shared.IdentityProvider, domain, op, studentID string) error {
	caller, err := identity.CurrentUser(ctx)
	if err != nil {
		return err
	}
	if !caller.CanActFor(studentID) {
		return shared.NewDomainError(domain, op, shared.ErrForbidden,
			fmt.Sprintf("%s may not read data of %s", caller.ID, studentID))
	}
	return nil
}

func authorizePrivileged(ctx context.Context, identity shared.IdentityProvider, domain, op string) error {
	caller, err := identity.CurrentUser(ctx)
	if err != nil {
		return err
	}
	if !caller.IsPrivileged() {
		return shared.NewDomainError(domain, op, shared.ErrForbidden,
			fmt.Sprintf("%s requires an instructor or admin role", op))
	}
	return nil
}

func orDefault(identity shared.IdentityProvider) shared.IdentityProvider {
	if identity == nil {
		return shared.ContextIdentityProvider{}
	}
	return identity
}

// ══════════════════════════════════════════════════════════════════════════════
// SHARED DTOs
// ══════════════════════════════════════════════════════════════════════════════

// EnrollmentProgressDTO is the read model of one enrollment.
type EnrollmentProgressDTO struct {
	StudentID      string `json:"student_id"`
	LearningPathID string `json:"learning_path_id"`
	ClassID        string `json:"class_id,omitempty"`
	Status         string `json:"status"`

	// ─────────────────────────────────────────────────────────────────────────
	// Counters
	// ─────────────────────────────────────────────────────────────────────────

	TotalLessons     int     `json:"total_lessons"`
	LessonsCompleted int     `json:"lessons_completed"`
	CompletionRate   float64 `json:"completion_rate"`
	CurrentLessonID  string  `json:"current_lesson_id,omitempty"`
	PerformanceScore float64 `json:"performance_score"`
	TimeSpentSeconds int64   `json:"time_spent_seconds"`
	SyllabusVersion  int     `json:"syllabus_version"`

	// ─────────────────────────────────────────────────────────────────────────
	// Timeline
	// ─────────────────────────────────────────────────────────────────────────

	EnrolledAt     time.Time  `json:"enrolled_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	BehindSchedule bool       `json:"behind_schedule"`
}

// EnrollmentView projects an enrollment to its read model.
func EnrollmentView(e *progress.Enrollment) EnrollmentProgressDTO {
	dto := EnrollmentProgressDTO{
		StudentID:        e.StudentID,
		LearningPathID:   e.LearningPathID,
		ClassID:          e.ClassID,
		Status:           string(e.Status),
		TotalLessons:     e.TotalLessons,
		LessonsCompleted: e.LessonsCompleted,
		CompletionRate:   e.CompletionRate(),
		CurrentLessonID:  e.CurrentLessonID,
		PerformanceScore: e.PerformanceScore,
		TimeSpentSeconds: int64(e.TimeSpent / time.Second),
		SyllabusVersion:  e.Syllabus.Version,
		EnrolledAt:       e.EnrolledAt,
		CompletedAt:      e.CompletedAt,
		BehindSchedule:   e.BehindSchedule,
	}
	if !e.LastAccessedAt.IsZero() {
		t := e.LastAccessedAt
		dto.LastAccessedAt = &t
	}
	return dto
}

// MilestoneDTO is the read model of a milestone.
type MilestoneDTO struct {
	ID             string     `json:"id"`
	LearningPathID string     `json:"learning_path_id"`
	Kind           string     `json:"kind"`
	Crossing       int        `json:"crossing"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// MilestoneView projects a milestone to its read model.
func MilestoneView(m *milestone.Milestone) MilestoneDTO {
	return MilestoneDTO{
		ID:             m.ID,
		LearningPathID: m.LearningPathID,
		Kind:           string(m.Kind),
		Crossing:       m.Crossing,
		TriggeredAt:    m.TriggeredAt,
		AcknowledgedAt: m.AcknowledgedAt,
		ResolvedAt:     m.ResolvedAt,
	}
}
