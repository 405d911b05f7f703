package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testPath() Path {
	return Path{
		ID:                "go-basics",
		Version:           1,
		LessonIDs:         []string{"l1", "l2", "l3", "quiz"},
		AssessmentIDs:     []string{"quiz"},
		PassingScore:      70,
		EstimatedDuration: 8 * 24 * time.Hour,
	}
}

func lesson(seq int64, resource string, at time.Time) *ledger.Event {
	return &ledger.Event{
		Seq:        seq,
		StudentID:  "s1",
		Type:       ledger.LessonComplete,
		ResourceID: resource,
		OccurredAt: at,
	}
}

func newEnrollment(t *testing.T) *Enrollment {
	t.Helper()
	e, err := NewEnrollment("s1", "c1", testPath(), t0)
	require.NoError(t, err)
	return e
}

func TestNewEnrollment(t *testing.T) {
	e := newEnrollment(t)
	assert.Equal(t, 4, e.TotalLessons)
	assert.Equal(t, "l1", e.CurrentLessonID)
	assert.True(t, e.IsActive())
	assert.Equal(t, "enrollment:s1:go-basics", e.Key().String())

	_, err := NewEnrollment("", "c1", testPath(), t0)
	assert.True(t, shared.IsValidation(err))
}

func TestApplyCountsEachResourceOnce(t *testing.T) {
	e := newEnrollment(t)

	assert.True(t, e.Apply(lesson(1, "l1", t0.Add(time.Hour))))
	assert.True(t, e.Apply(lesson(2, "l1", t0.Add(2*time.Hour))))
	assert.Equal(t, 1, e.LessonsCompleted)
	assert.Equal(t, "l2", e.CurrentLessonID)

	// Seq at or below the watermark is skipped entirely.
	assert.False(t, e.Apply(lesson(2, "l2", t0.Add(3*time.Hour))))
	assert.Equal(t, 1, e.LessonsCompleted)
}

func TestApplyIgnoresResourcesOutsideSyllabus(t *testing.T) {
	e := newEnrollment(t)
	ev := lesson(1, "other", t0)
	ev.LearningPathID = "go-basics"

	assert.True(t, e.Apply(ev))
	assert.Equal(t, 0, e.LessonsCompleted)
	assert.Equal(t, int64(1), e.LastAppliedSeq)
}

func TestApplyKeepsMaxLastAccessed(t *testing.T) {
	e := newEnrollment(t)
	late := t0.Add(5 * time.Hour)
	early := t0.Add(time.Hour)

	e.Apply(lesson(1, "l1", late))
	e.Apply(lesson(2, "l2", early))

	assert.Equal(t, late, e.LastAccessedAt)
}

func TestApplyScoresAndTime(t *testing.T) {
	e := newEnrollment(t)
	d := 30 * time.Minute

	for i, s := range []float64{60, 90} {
		score := s
		ev := &ledger.Event{
			Seq:        int64(i + 1),
			StudentID:  "s1",
			Type:       ledger.AssessmentSubmit,
			ResourceID: "quiz",
			OccurredAt: t0.Add(time.Duration(i) * time.Hour),
			Duration:   &d,
			Score:      &score,
		}
		e.Apply(ev)
	}

	assert.InDelta(t, 75.0, e.PerformanceScore, 0.0001)
	assert.Equal(t, 2, e.ScoredCount)
	assert.Equal(t, 90.0, e.BestScores["quiz"])
	assert.Equal(t, time.Hour, e.TimeSpent)
	assert.Equal(t, 1, e.LessonsCompleted)
	assert.True(t, e.MeetsPassingScores(70))
	assert.False(t, e.MeetsPassingScores(95))
}

func TestAppliesRouting(t *testing.T) {
	e := newEnrollment(t)

	explicit := lesson(1, "l1", t0)
	explicit.LearningPathID = "another"
	assert.False(t, e.Applies(explicit))

	otherStudent := lesson(1, "l1", t0)
	otherStudent.StudentID = "s2"
	assert.False(t, e.Applies(otherStudent))

	require.NoError(t, e.Withdraw())
	assert.False(t, e.Applies(lesson(1, "l1", t0)))
	assert.True(t, shared.IsInvalidTransition(e.Withdraw()))
}

func TestResyncRecountsAgainstNewSyllabus(t *testing.T) {
	e := newEnrollment(t)
	e.Apply(lesson(1, "l1", t0))
	e.Apply(lesson(2, "l2", t0))

	p := testPath()
	p.Version = 2
	p.LessonIDs = []string{"l2", "l4", "quiz"}
	e.Resync(p)

	assert.Equal(t, 3, e.TotalLessons)
	assert.Equal(t, 1, e.LessonsCompleted)
	assert.Equal(t, "l4", e.CurrentLessonID)
	assert.Equal(t, 2, e.Syllabus.Version)

	// l1 is remembered, so restoring it recounts.
	e.Resync(testPath())
	assert.Equal(t, 2, e.LessonsCompleted)
}

func TestIsBehindLinearPacing(t *testing.T) {
	e := newEnrollment(t)
	p := testPath()
	grace := 48 * time.Hour

	// Lesson 1 is due 2 days in, so behind only after day 4.
	assert.False(t, e.IsBehind(p, t0.Add(4*24*time.Hour), grace))
	assert.True(t, e.IsBehind(p, t0.Add(4*24*time.Hour+time.Minute), grace))

	e.Apply(lesson(1, "l1", t0.Add(time.Hour)))
	assert.False(t, e.IsBehind(p, t0.Add(5*24*time.Hour), grace))
}

func TestIsBehindUsesPaceSchedule(t *testing.T) {
	e := newEnrollment(t)
	p := testPath()
	p.PaceSchedule = []time.Duration{time.Hour, 2 * time.Hour, 3 * time.Hour, 4 * time.Hour}

	assert.True(t, e.IsBehind(p, t0.Add(2*time.Hour), 0))
	assert.False(t, e.IsBehind(p, t0.Add(30*time.Minute), 0))
}

func TestIsBehindNoDeadline(t *testing.T) {
	e := newEnrollment(t)
	p := testPath()
	p.EstimatedDuration = 0
	assert.False(t, e.IsBehind(p, t0.Add(1000*time.Hour), 0))
}

func TestResetDerivedAndReplay(t *testing.T) {
	e := newEnrollment(t)
	events := []*ledger.Event{lesson(1, "l1", t0), lesson(2, "l2", t0.Add(time.Hour))}
	for _, ev := range events {
		e.Apply(ev)
	}
	before := e.Clone()

	e.ResetDerived()
	assert.Equal(t, 0, e.LessonsCompleted)
	assert.Equal(t, int64(0), e.LastAppliedSeq)

	for _, ev := range events {
		e.Apply(ev)
	}
	assert.Equal(t, before.LessonsCompleted, e.LessonsCompleted)
	assert.Equal(t, before.LastAccessedAt, e.LastAccessedAt)
	assert.Equal(t, before.CountedResources(), e.CountedResources())
}

func TestCloneDoesNotAlias(t *testing.T) {
	e := newEnrollment(t)
	e.Apply(lesson(1, "l1", t0))
	c := e.Clone()
	c.Counted["l2"] = struct{}{}
	c.Syllabus.LessonIDs[0] = "changed"

	assert.False(t, e.HasCounted("l2"))
	assert.Equal(t, "l1", e.Syllabus.LessonIDs[0])
}

func TestBaseSeqSurvivesReset(t *testing.T) {
	e, err := NewEnrollmentAt("s1", "c1", testPath(), t0, 10)
	require.NoError(t, err)

	assert.False(t, e.Apply(lesson(7, "l1", t0)))
	assert.True(t, e.Apply(lesson(11, "l1", t0)))

	e.ResetDerived()
	assert.Equal(t, int64(10), e.LastAppliedSeq)
	assert.False(t, e.Apply(lesson(9, "l2", t0)))
}

func TestWithdrawnReplaysUpToWithdrawal(t *testing.T) {
	e := newEnrollment(t)
	events := []*ledger.Event{lesson(1, "l1", t0), lesson(2, "l2", t0.Add(time.Hour))}
	for _, ev := range events {
		require.True(t, e.Apply(ev))
	}
	require.NoError(t, e.Withdraw())
	assert.Equal(t, int64(2), e.WithdrawnSeq)
	assert.False(t, e.Apply(lesson(3, "l3", t0.Add(2*time.Hour))))

	e.ResetDerived()
	for _, ev := range append(events, lesson(3, "l3", t0.Add(2*time.Hour))) {
		e.Apply(ev)
	}
	assert.Equal(t, 2, e.LessonsCompleted)
	assert.Equal(t, int64(2), e.LastAppliedSeq)
	assert.False(t, e.HasCounted("l3"))
}

func TestResyncClearsCompletionWhenSyllabusGrows(t *testing.T) {
	e := newEnrollment(t)
	for i, id := range testPath().LessonIDs {
		e.Apply(lesson(int64(i+1), id, t0))
	}
	require.True(t, e.IsComplete())
	done := t0
	e.CompletedAt = &done

	p := testPath()
	p.Version = 2
	p.LessonIDs = append(p.LessonIDs, "l5")
	e.Resync(p)

	assert.False(t, e.IsComplete())
	assert.Nil(t, e.CompletedAt)
}
