// Package progress contains the enrollment aggregate: per (student, path)
// counters derived from the activity ledger. Enrollments are mutated only
// through Apply and Resync, which the aggregator calls inside the
// enrollment's serialized unit.
package progress

import (
	"sort"
	"strings"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Status of an enrollment.
type Status string

const (
	StatusActive    Status = "active"
	StatusWithdrawn Status = "withdrawn"
)

// Key identifies an enrollment.
type Key struct {
	StudentID      string
	LearningPathID string
}

// String renders the key for locks and logs.
func (k Key) String() string {
	return "enrollment:" + k.StudentID + ":" + k.LearningPathID
}

// Enrollment is the EnrollmentProgress aggregate.
type Enrollment struct {
	StudentID      string
	LearningPathID string
	ClassID        string
	Status         Status
	EnrolledAt     time.Time

	Syllabus         Syllabus
	TotalLessons     int
	LessonsCompleted int
	CurrentLessonID  string
	LastAccessedAt   time.Time
	TimeSpent        time.Duration

	// PerformanceScore is the running mean of every scored activity applied.
	PerformanceScore float64
	ScoredCount      int
	// BestScores holds the best score per required assessment.
	BestScores map[string]float64

	// Counted holds every resource that advanced LessonsCompleted. It keeps
	// resources dropped by a re-sync so a later re-sync can recount them.
	Counted map[string]struct{}

	// BehindSchedule is true while the current behind-schedule crossing lasts.
	BehindSchedule  bool
	BehindCrossings int
	CompletedAt     *time.Time

	// LastAppliedSeq is the highest ledger Seq absorbed. Lower Seqs are skipped.
	LastAppliedSeq int64
	// BaseSeq is the ledger head when the enrollment was created. Events at or
	// below it predate the enrollment and are never absorbed, even on replay.
	BaseSeq int64
	// WithdrawnSeq is LastAppliedSeq at withdrawal. A withdrawn enrollment
	// absorbs events up to it on replay and nothing after.
	WithdrawnSeq int64

	// Revision guards concurrent saves.
	Revision  int64
	UpdatedAt time.Time
}

// NewEnrollment creates an active enrollment from the path's current syllabus.
func NewEnrollment(studentID, classID string, path Path, enrolledAt time.Time) (*Enrollment, error) {
	return NewEnrollmentAt(studentID, classID, path, enrolledAt, 0)
}

// NewEnrollmentAt is NewEnrollment with the ledger head observed at creation.
func NewEnrollmentAt(studentID, classID string, path Path, enrolledAt time.Time, baseSeq int64) (*Enrollment, error) {
	if strings.TrimSpace(studentID) == "" {
		return nil, shared.Validation("progress", "Enroll", "student id is required")
	}
	if path.ID == "" {
		return nil, shared.Validation("progress", "Enroll", "learning path id is required")
	}
	e := &Enrollment{
		StudentID:      studentID,
		LearningPathID: path.ID,
		ClassID:        classID,
		Status:         StatusActive,
		EnrolledAt:     enrolledAt.UTC(),
		Syllabus:       path.Syllabus(),
		TotalLessons:   path.TotalLessons(),
		BestScores:     make(map[string]float64),
		Counted:        make(map[string]struct{}),
		LastAppliedSeq: baseSeq,
		BaseSeq:        baseSeq,
		UpdatedAt:      enrolledAt.UTC(),
	}
	if len(e.Syllabus.LessonIDs) > 0 {
		e.CurrentLessonID = e.Syllabus.LessonIDs[0]
	}
	return e, nil
}

// Key returns the enrollment key.
func (e *Enrollment) Key() Key {
	return Key{StudentID: e.StudentID, LearningPathID: e.LearningPathID}
}

// IsActive reports whether the enrollment still absorbs events.
func (e *Enrollment) IsActive() bool {
	return e.Status == StatusActive
}

// IsComplete reports whether every required lesson has been counted.
func (e *Enrollment) IsComplete() bool {
	return e.TotalLessons > 0 && e.LessonsCompleted >= e.TotalLessons
}

// CompletionRate is LessonsCompleted / TotalLessons, capped at 1.
func (e *Enrollment) CompletionRate() float64 {
	if e.TotalLessons == 0 {
		return 0
	}
	r := float64(e.LessonsCompleted) / float64(e.TotalLessons)
	if r > 1 {
		return 1
	}
	return r
}

// HasCounted reports whether resourceID already advanced the counter.
func (e *Enrollment) HasCounted(resourceID string) bool {
	_, ok := e.Counted[resourceID]
	return ok
}

// CountedResources returns the counted set sorted, for storage.
func (e *Enrollment) CountedResources() []string {
	out := make([]string, 0, len(e.Counted))
	for id := range e.Counted {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Accepts reports whether the enrollment's status lets it absorb ev.
func (e *Enrollment) Accepts(ev *ledger.Event) bool {
	switch e.Status {
	case StatusActive:
		return true
	case StatusWithdrawn:
		return ev.Seq > 0 && ev.Seq <= e.WithdrawnSeq
	default:
		return false
	}
}

// Applies reports whether ev is routed to this enrollment. An explicit path
// on the event wins; otherwise the resource must be part of the syllabus.
func (e *Enrollment) Applies(ev *ledger.Event) bool {
	if ev.StudentID != e.StudentID || !e.Accepts(ev) {
		return false
	}
	if ev.LearningPathID != "" {
		return ev.LearningPathID == e.LearningPathID
	}
	return e.Syllabus.HasLesson(ev.ResourceID) || e.Syllabus.HasAssessment(ev.ResourceID)
}

// Apply absorbs a ledger event. It returns false when the event was already
// absorbed (Seq not newer than LastAppliedSeq) or does not route here.
func (e *Enrollment) Apply(ev *ledger.Event) bool {
	if ev.Seq <= e.LastAppliedSeq || !e.Applies(ev) {
		return false
	}
	e.LastAppliedSeq = ev.Seq

	if ev.OccurredAt.After(e.LastAccessedAt) {
		e.LastAccessedAt = ev.OccurredAt.UTC()
	}
	e.TimeSpent += ev.DurationOrZero()

	if ev.Type.CountsTowardProgress() && e.Syllabus.HasLesson(ev.ResourceID) && !e.HasCounted(ev.ResourceID) {
		e.Counted[ev.ResourceID] = struct{}{}
		e.LessonsCompleted++
	}

	if ev.Score != nil {
		n := float64(e.ScoredCount)
		e.PerformanceScore = (e.PerformanceScore*n + *ev.Score) / (n + 1)
		e.ScoredCount++
		if ev.Type == ledger.AssessmentSubmit {
			if best, ok := e.BestScores[ev.ResourceID]; !ok || *ev.Score > best {
				e.BestScores[ev.ResourceID] = *ev.Score
			}
		}
	}

	e.CurrentLessonID = e.nextLesson(ev)
	return true
}

func (e *Enrollment) nextLesson(ev *ledger.Event) string {
	if ev.Metadata.Lesson != nil && ev.Metadata.Lesson.NextLessonID != "" {
		return ev.Metadata.Lesson.NextLessonID
	}
	for _, id := range e.Syllabus.LessonIDs {
		if !e.HasCounted(id) {
			return id
		}
	}
	return ""
}

// Resync replaces the syllabus with the path's current one and recounts
// LessonsCompleted against it. It is only called for updates flagged as
// re-syncing.
func (e *Enrollment) Resync(path Path) {
	e.Syllabus = path.Syllabus()
	e.TotalLessons = path.TotalLessons()
	count := 0
	for _, id := range e.Syllabus.LessonIDs {
		if e.HasCounted(id) {
			count++
		}
	}
	e.LessonsCompleted = count
	if !e.IsComplete() {
		e.CompletedAt = nil
	}
	e.CurrentLessonID = ""
	for _, id := range e.Syllabus.LessonIDs {
		if !e.HasCounted(id) {
			e.CurrentLessonID = id
			break
		}
	}
}

// MeetsPassingScores reports whether every required assessment has a best
// score at or above passing.
func (e *Enrollment) MeetsPassingScores(passing float64) bool {
	for _, id := range e.Syllabus.AssessmentIDs {
		best, ok := e.BestScores[id]
		if !ok || best < passing {
			return false
		}
	}
	return true
}

// IsBehind reports whether the enrollment is behind pace at asOf.
// The next lesson due is index LessonsCompleted; grace is added to its deadline.
func (e *Enrollment) IsBehind(path Path, asOf time.Time, grace time.Duration) bool {
	if !e.IsActive() || e.IsComplete() {
		return false
	}
	deadline, ok := path.Deadline(e.EnrolledAt, e.LessonsCompleted, e.TotalLessons)
	if !ok {
		return false
	}
	return asOf.After(deadline.Add(grace))
}

// ResetDerived clears everything derived from the ledger, keeping identity,
// enrollment date and the current syllabus. Used before a replay.
func (e *Enrollment) ResetDerived() {
	e.TotalLessons = len(e.Syllabus.LessonIDs)
	e.LessonsCompleted = 0
	e.CurrentLessonID = ""
	if len(e.Syllabus.LessonIDs) > 0 {
		e.CurrentLessonID = e.Syllabus.LessonIDs[0]
	}
	e.LastAccessedAt = time.Time{}
	e.TimeSpent = 0
	e.PerformanceScore = 0
	e.ScoredCount = 0
	e.BestScores = make(map[string]float64)
	e.Counted = make(map[string]struct{})
	e.BehindSchedule = false
	e.BehindCrossings = 0
	e.CompletedAt = nil
	e.LastAppliedSeq = e.BaseSeq
}

// Withdraw stops the enrollment from absorbing further events. Everything it
// has absorbed so far stays reproducible by replay.
func (e *Enrollment) Withdraw() error {
	if e.Status != StatusActive {
		return shared.InvalidTransition("progress", "Withdraw", "enrollment is %s", e.Status)
	}
	e.Status = StatusWithdrawn
	e.WithdrawnSeq = e.LastAppliedSeq
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing storage.
func (e *Enrollment) Clone() *Enrollment {
	c := *e
	c.Syllabus = Syllabus{
		Version:       e.Syllabus.Version,
		LessonIDs:     append([]string(nil), e.Syllabus.LessonIDs...),
		AssessmentIDs: append([]string(nil), e.Syllabus.AssessmentIDs...),
	}
	c.BestScores = make(map[string]float64, len(e.BestScores))
	for k, v := range e.BestScores {
		c.BestScores[k] = v
	}
	c.Counted = make(map[string]struct{}, len(e.Counted))
	for k := range e.Counted {
		c.Counted[k] = struct{}{}
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
