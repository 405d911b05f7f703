// Package curriculum contains the gapless version chain of a learning path's content.
package curriculum

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Lesson is one unit in a content snapshot.
type Lesson struct {
	ID         string `json:"id" yaml:"id"`
	Title      string `json:"title" yaml:"title"`
	Assessment bool   `json:"assessment,omitempty" yaml:"assessment,omitempty"`
	// DueAfter is the offset from enrollment by which the lesson is due.
	DueAfter time.Duration `json:"due_after,omitempty" yaml:"due_after,omitempty"`
}

// Content is the snapshot of a path's content at one version. Only the parts
// progress computation needs are interpreted; Body is carried opaquely.
type Content struct {
	Title             string        `json:"title"`
	Lessons           []Lesson      `json:"lessons"`
	PassingScore      float64       `json:"passing_score"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Prerequisites     []string      `json:"prerequisites,omitempty"`
	Body              []byte        `json:"body,omitempty"`
}

// Validate checks the snapshot.
func (c Content) Validate() error {
	const op = "ValidateContent"
	if len(c.Lessons) == 0 {
		return shared.Validation("curriculum", op, "content needs at least one lesson")
	}
	seen := make(map[string]struct{}, len(c.Lessons))
	for i, l := range c.Lessons {
		if strings.TrimSpace(l.ID) == "" {
			return shared.Validation("curriculum", op, "lesson %d has an empty id", i)
		}
		if _, dup := seen[l.ID]; dup {
			return shared.Validation("curriculum", op, "duplicate lesson id %q", l.ID)
		}
		seen[l.ID] = struct{}{}
		if l.DueAfter < 0 {
			return shared.Validation("curriculum", op, "lesson %q has a negative due offset", l.ID)
		}
	}
	if c.PassingScore < 0 || c.PassingScore > 100 {
		return shared.Validation("curriculum", op, "passing score out of range")
	}
	if c.EstimatedDuration < 0 {
		return shared.Validation("curriculum", op, "estimated duration cannot be negative")
	}
	return nil
}

// Path projects the content into the progress view of the path.
func (c Content) Path(pathID string, version int) progress.Path {
	p := progress.Path{
		ID:                pathID,
		Title:             c.Title,
		Version:           version,
		PassingScore:      c.PassingScore,
		EstimatedDuration: c.EstimatedDuration,
		Prerequisites:     append([]string(nil), c.Prerequisites...),
	}
	schedule := make([]time.Duration, 0, len(c.Lessons))
	scheduled := true
	for _, l := range c.Lessons {
		p.LessonIDs = append(p.LessonIDs, l.ID)
		if l.Assessment {
			p.AssessmentIDs = append(p.AssessmentIDs, l.ID)
		}
		if l.DueAfter == 0 {
			scheduled = false
		}
		schedule = append(schedule, l.DueAfter)
	}
	if scheduled {
		p.PaceSchedule = schedule
	}
	return p
}

// Version is one entry of a path's version chain.
type Version struct {
	LearningPathID string    `json:"learning_path_id"`
	Number         int       `json:"version_number"`
	Content        Content   `json:"content"`
	Resync         bool      `json:"resync"`
	PublishedAt    time.Time `json:"published_at"`
}

// FanoutKey identifies the fan-out job for this version.
func (v *Version) FanoutKey() string {
	return "fanout:" + v.LearningPathID + ":" + strconv.Itoa(v.Number)
}

// NotificationKey identifies one enrollee's change notification.
func (v *Version) NotificationKey(studentID string) string {
	return "curriculum:" + v.LearningPathID + ":" + strconv.Itoa(v.Number) + ":" + studentID
}

// CheckChain verifies that versions (ordered by Number) start at 1 and have no gaps.
func CheckChain(pathID string, versions []*Version) error {
	for i, v := range versions {
		if v.Number != i+1 {
			return shared.ConsistencyViolation("curriculum", "CheckChain",
				"path %s: expected version %d at position %d, found %d", pathID, i+1, i, v.Number)
		}
	}
	return nil
}

// Repository persists version chains.
type Repository interface {
	// Append stores v. It fails with shared.ErrVersionTaken when the number exists.
	Append(ctx context.Context, v *Version) error
	Latest(ctx context.Context, pathID string) (*Version, error)
	Get(ctx context.Context, pathID string, number int) (*Version, error)
	List(ctx context.Context, pathID string) ([]*Version, error)
	ListPaths(ctx context.Context) ([]string, error)
}
