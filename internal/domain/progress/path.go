package progress

import (
	"context"
	"time"
)

// Path is the read-only view of a learning path supplied by the catalog.
// Only the fields progress computation needs are modeled.
type Path struct {
	ID      string
	Title   string
	Version int

	// LessonIDs are the required units in order. An assessment is a unit too.
	LessonIDs []string

	// AssessmentIDs are the required assessments gating certificate eligibility.
	AssessmentIDs []string

	// PassingScore is the minimum best score per required assessment.
	PassingScore float64

	// EstimatedDuration is the nominal time to finish the path from enrollment.
	EstimatedDuration time.Duration

	// PaceSchedule optionally gives, per lesson index, the offset from
	// enrollment by which that lesson should be completed. It overrides
	// linear pacing for the indices it covers.
	PaceSchedule []time.Duration

	Prerequisites []string
}

// TotalLessons is the number of required units.
func (p Path) TotalLessons() int {
	return len(p.LessonIDs)
}

// Syllabus snapshots the parts of the path an enrollment keeps.
func (p Path) Syllabus() Syllabus {
	return Syllabus{
		Version:       p.Version,
		LessonIDs:     append([]string(nil), p.LessonIDs...),
		AssessmentIDs: append([]string(nil), p.AssessmentIDs...),
	}
}

// Deadline returns the instant by which lesson index n (zero-based) should be
// complete for a learner who enrolled at enrolledAt and whose syllabus has
// total lessons. With no schedule entry and no estimated duration there is
// no deadline and ok is false.
func (p Path) Deadline(enrolledAt time.Time, n, total int) (deadline time.Time, ok bool) {
	if n < 0 || total <= 0 || n >= total {
		return time.Time{}, false
	}
	if n < len(p.PaceSchedule) {
		return enrolledAt.Add(p.PaceSchedule[n]), true
	}
	if p.EstimatedDuration <= 0 {
		return time.Time{}, false
	}
	perLesson := p.EstimatedDuration / time.Duration(total)
	return enrolledAt.Add(perLesson * time.Duration(n+1)), true
}

// PathCatalog is the read-only source of path definitions.
type PathCatalog interface {
	GetPath(ctx context.Context, pathID string) (Path, error)
}

// Syllabus is the snapshot of a path's required units held by an enrollment.
// It changes only on enrollment and on an explicit re-sync.
type Syllabus struct {
	Version       int      `json:"version"`
	LessonIDs     []string `json:"lesson_ids"`
	AssessmentIDs []string `json:"assessment_ids"`
}

// HasLesson reports whether resourceID is a required unit.
func (s Syllabus) HasLesson(resourceID string) bool {
	for _, id := range s.LessonIDs {
		if id == resourceID {
			return true
		}
	}
	return false
}

// HasAssessment reports whether resourceID is a required assessment.
func (s Syllabus) HasAssessment(resourceID string) bool {
	for _, id := range s.AssessmentIDs {
		if id == resourceID {
			return true
		}
	}
	return false
}
