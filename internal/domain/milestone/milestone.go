// Package milestone contains one-time derived trigger facts and the policy
// that decides when an enrollment crosses a threshold.
package milestone

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Kind of milestone.
type Kind string

const (
	BehindSchedule      Kind = "behind_schedule"
	PathCompleted       Kind = "path_completed"
	CertificateEligible Kind = "certificate_eligible"
)

// IsValid checks if the kind is known.
func (k Kind) IsValid() bool {
	switch k {
	case BehindSchedule, PathCompleted, CertificateEligible:
		return true
	}
	return false
}

// Milestone is created at most once per (student, path, kind, crossing).
type Milestone struct {
	ID             string     `json:"id"`
	StudentID      string     `json:"student_id"`
	LearningPathID string     `json:"learning_path_id"`
	Kind           Kind       `json:"kind"`
	Crossing       int        `json:"crossing"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	// ResolvedAt is set when the condition that triggered the milestone ended.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// IsOpen reports whether the milestone still suppresses new triggers of its kind.
func (m *Milestone) IsOpen() bool {
	return !m.Acknowledged && m.ResolvedAt == nil
}

// Acknowledge marks the milestone as seen.
func (m *Milestone) Acknowledge(at time.Time) error {
	if m.Acknowledged {
		return shared.InvalidTransition("milestone", "Acknowledge", "milestone %s already acknowledged", m.ID)
	}
	at = at.UTC()
	m.Acknowledged = true
	m.AcknowledgedAt = &at
	return nil
}

// DedupKey identifies the milestone's notification in the outbox.
func (m *Milestone) DedupKey() string {
	return fmt.Sprintf("milestone:%s:%s:%s:%d", m.StudentID, m.LearningPathID, m.Kind, m.Crossing)
}

// Repository persists milestones. Create is atomic on
// (student, path, kind, crossing): a second create returns the stored one.
type Repository interface {
	Create(ctx context.Context, m *Milestone) (stored *Milestone, inserted bool, err error)
	Get(ctx context.Context, id string) (*Milestone, error)
	ListByEnrollment(ctx context.Context, studentID, pathID string) ([]*Milestone, error)
	ListByStudent(ctx context.Context, studentID string) ([]*Milestone, error)
	Acknowledge(ctx context.Context, id string, at time.Time) (*Milestone, error)
	Resolve(ctx context.Context, id string, at time.Time) error
}
