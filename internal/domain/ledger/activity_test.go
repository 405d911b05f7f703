package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

func validEvent() *Event {
	return &Event{
		IdempotencyKey: "k1",
		StudentID:      "s1",
		Type:           LessonComplete,
		ResourceID:     "l1",
		OccurredAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestEventValidate(t *testing.T) {
	score := 80.0
	badScore := 120.0
	neg := -time.Minute

	tests := []struct {
		name    string
		mutate  func(e *Event)
		wantErr bool
	}{
		{"lesson without metadata", func(e *Event) {}, false},
		{"missing key", func(e *Event) { e.IdempotencyKey = " " }, true},
		{"missing student", func(e *Event) { e.StudentID = "" }, true},
		{"unknown type", func(e *Event) { e.Type = "watch_video" }, true},
		{"missing resource", func(e *Event) { e.ResourceID = "" }, true},
		{"missing timestamp", func(e *Event) { e.OccurredAt = time.Time{} }, true},
		{"negative duration", func(e *Event) { e.Duration = &neg }, true},
		{"score out of range", func(e *Event) { e.Score = &badScore }, true},
		{"assessment with metadata", func(e *Event) {
			e.Type = AssessmentSubmit
			e.Score = &score
			e.Metadata = AssessmentMeta(AssessmentMetadata{Attempt: 1, QuestionCount: 10, CorrectCount: 8})
		}, false},
		{"assessment without metadata", func(e *Event) { e.Type = AssessmentSubmit }, true},
		{"metadata of another type", func(e *Event) {
			e.Type = PeerReview
			e.Metadata = ContentMeta(ContentMetadata{ContentKind: "essay"})
		}, true},
		{"two variants", func(e *Event) {
			e.Type = ContentCreate
			e.Metadata = ContentMeta(ContentMetadata{ContentKind: "essay"})
			e.Metadata.Lesson = &LessonMetadata{}
		}, true},
		{"peer review rating", func(e *Event) {
			e.Type = PeerReview
			e.Metadata = PeerReviewMeta(PeerReviewMetadata{RevieweeID: "s2", Rating: 6})
		}, true},
		{"publish needs url", func(e *Event) {
			e.Type = ContentPublish
			e.Metadata = PublishMeta(PublishMetadata{WorkflowID: "w1"})
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			tt.mutate(e)
			err := e.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, shared.ErrValidation))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDeriveKey(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 12, 0, time.UTC)

	k1 := DeriveKey("s1", "l1", LessonComplete, at, time.Minute)
	k2 := DeriveKey("s1", "l1", LessonComplete, at.Add(30*time.Second), time.Minute)
	k3 := DeriveKey("s1", "l1", LessonComplete, at.Add(time.Minute), time.Minute)
	k4 := DeriveKey("s1", "l2", LessonComplete, at, time.Minute)

	assert.Equal(t, k1, k2, "same bucket collapses")
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
	assert.Len(t, k1, 64)
}

func TestSystemKeyIsStable(t *testing.T) {
	assert.Equal(t, SystemKey(ContentPublish, "w1"), SystemKey(ContentPublish, "w1"))
	assert.NotEqual(t, SystemKey(ContentPublish, "w1"), SystemKey(WorkflowStepComplete, "w1"))
}

func TestParseActivityType(t *testing.T) {
	got, ok := ParseActivityType(" Lesson_Complete ")
	assert.True(t, ok)
	assert.Equal(t, LessonComplete, got)

	_, ok = ParseActivityType("nope")
	assert.False(t, ok)

	assert.True(t, ContentPublish.SystemOnly())
	assert.False(t, WorkflowStepComplete.CountsTowardProgress())
}
