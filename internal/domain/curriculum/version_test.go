package curriculum

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

func TestContentValidate(t *testing.T) {
	ok := Content{Lessons: []Lesson{{ID: "l1"}, {ID: "l2"}}, PassingScore: 70}
	assert.NoError(t, ok.Validate())

	assert.True(t, shared.IsValidation(Content{}.Validate()))
	assert.True(t, shared.IsValidation(Content{Lessons: []Lesson{{ID: "l1"}, {ID: "l1"}}}.Validate()))
	assert.True(t, shared.IsValidation(Content{Lessons: []Lesson{{ID: "l1"}}, PassingScore: 101}.Validate()))
}

func TestContentPath(t *testing.T) {
	c := Content{
		Title:             "Go",
		Lessons:           []Lesson{{ID: "l1"}, {ID: "quiz", Assessment: true}},
		PassingScore:      60,
		EstimatedDuration: 48 * time.Hour,
	}
	p := c.Path("go", 3)

	assert.Equal(t, []string{"l1", "quiz"}, p.LessonIDs)
	assert.Equal(t, []string{"quiz"}, p.AssessmentIDs)
	assert.Equal(t, 3, p.Version)
	assert.Nil(t, p.PaceSchedule)

	c.Lessons[0].DueAfter = time.Hour
	c.Lessons[1].DueAfter = 2 * time.Hour
	p = c.Path("go", 3)
	assert.Equal(t, []time.Duration{time.Hour, 2 * time.Hour}, p.PaceSchedule)
}

func TestCheckChain(t *testing.T) {
	assert.NoError(t, CheckChain("p", []*Version{{Number: 1}, {Number: 2}}))
	assert.True(t, shared.IsConsistencyViolation(CheckChain("p", []*Version{{Number: 1}, {Number: 3}})))
	assert.True(t, shared.IsConsistencyViolation(CheckChain("p", []*Version{{Number: 2}})))
}

func TestKeys(t *testing.T) {
	v := &Version{LearningPathID: "go", Number: 4}
	assert.Equal(t, "fanout:go:4", v.FanoutKey())
	assert.Equal(t, "curriculum:go:4:s1", v.NotificationKey("s1"))
}
