package ledger

import (
	"strings"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Metadata is a closed tagged variant: Schema names the activity type and
// exactly the matching field is set.
type Metadata struct {
	Schema       ActivityType          `json:"schema"`
	Lesson       *LessonMetadata       `json:"lesson,omitempty"`
	Assessment   *AssessmentMetadata   `json:"assessment,omitempty"`
	Content      *ContentMetadata      `json:"content,omitempty"`
	PeerReview   *PeerReviewMetadata   `json:"peer_review,omitempty"`
	WorkflowStep *WorkflowStepMetadata `json:"workflow_step,omitempty"`
	Publish      *PublishMetadata      `json:"publish,omitempty"`
}

// LessonMetadata describes a completed lesson.
type LessonMetadata struct {
	ModuleID string `json:"module_id,omitempty"`
	// NextLessonID is the lesson the learner moves to, if known.
	NextLessonID string `json:"next_lesson_id,omitempty"`
}

// AssessmentMetadata describes a submitted assessment.
type AssessmentMetadata struct {
	Attempt       int `json:"attempt"`
	QuestionCount int `json:"question_count,omitempty"`
	CorrectCount  int `json:"correct_count,omitempty"`
}

// ContentMetadata describes a piece of learner-created content.
type ContentMetadata struct {
	ContentKind string `json:"content_kind"`
	WorkflowID  string `json:"workflow_id,omitempty"`
}

// PeerReviewMetadata describes a review given to another learner.
type PeerReviewMetadata struct {
	RevieweeID string `json:"reviewee_id"`
	Rating     int    `json:"rating"`
}

// WorkflowStepMetadata is emitted by the workflow state machine.
type WorkflowStepMetadata struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
	StepIndex  int    `json:"step_index"`
	Final      bool   `json:"final"`
}

// PublishMetadata is emitted after content was published.
type PublishMetadata struct {
	WorkflowID   string `json:"workflow_id"`
	PublishedURL string `json:"published_url"`
}

// Constructors keep Schema and the populated variant in sync.

func LessonMeta(m LessonMetadata) Metadata {
	return Metadata{Schema: LessonComplete, Lesson: &m}
}

func AssessmentMeta(m AssessmentMetadata) Metadata {
	return Metadata{Schema: AssessmentSubmit, Assessment: &m}
}

func ContentMeta(m ContentMetadata) Metadata {
	return Metadata{Schema: ContentCreate, Content: &m}
}

func PeerReviewMeta(m PeerReviewMetadata) Metadata {
	return Metadata{Schema: PeerReview, PeerReview: &m}
}

func WorkflowStepMeta(m WorkflowStepMetadata) Metadata {
	return Metadata{Schema: WorkflowStepComplete, WorkflowStep: &m}
}

func PublishMeta(m PublishMetadata) Metadata {
	return Metadata{Schema: ContentPublish, Publish: &m}
}

func (m Metadata) populated() int {
	n := 0
	for _, set := range []bool{
		m.Lesson != nil, m.Assessment != nil, m.Content != nil,
		m.PeerReview != nil, m.WorkflowStep != nil, m.Publish != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// validateFor checks that the variant matches t. Lesson metadata may be
// omitted entirely since none of its fields are required.
func (m Metadata) validateFor(t ActivityType) error {
	const op = "ValidateMetadata"

	if m.Schema == "" && m.populated() == 0 && t == LessonComplete {
		return nil
	}
	if m.Schema != t {
		return shared.Validation("ledger", op, "metadata schema %q does not match activity type %q", m.Schema, t)
	}
	if m.populated() != 1 {
		return shared.Validation("ledger", op, "metadata must carry exactly one variant")
	}

	switch t {
	case LessonComplete:
		if m.Lesson == nil {
			return shared.Validation("ledger", op, "lesson metadata missing")
		}
	case AssessmentSubmit:
		if m.Assessment == nil {
			return shared.Validation("ledger", op, "assessment metadata missing")
		}
		if m.Assessment.Attempt < 1 {
			return shared.Validation("ledger", op, "assessment attempt must be >= 1")
		}
		if m.Assessment.CorrectCount > m.Assessment.QuestionCount && m.Assessment.QuestionCount > 0 {
			return shared.Validation("ledger", op, "correct count exceeds question count")
		}
	case ContentCreate:
		if m.Content == nil || strings.TrimSpace(m.Content.ContentKind) == "" {
			return shared.Validation("ledger", op, "content metadata requires content_kind")
		}
	case PeerReview:
		if m.PeerReview == nil || m.PeerReview.RevieweeID == "" {
			return shared.Validation("ledger", op, "peer review metadata requires reviewee_id")
		}
		if m.PeerReview.Rating < 1 || m.PeerReview.Rating > 5 {
			return shared.Validation("ledger", op, "peer review rating must be between 1 and 5")
		}
	case WorkflowStepComplete:
		if m.WorkflowStep == nil || m.WorkflowStep.WorkflowID == "" || m.WorkflowStep.StepID == "" {
			return shared.Validation("ledger", op, "workflow step metadata requires workflow_id and step_id")
		}
	case ContentPublish:
		if m.Publish == nil || m.Publish.WorkflowID == "" || m.Publish.PublishedURL == "" {
			return shared.Validation("ledger", op, "publish metadata requires workflow_id and published_url")
		}
	}
	return nil
}
