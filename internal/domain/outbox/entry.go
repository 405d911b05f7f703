// Package outbox contains the side-effect queue. Every call to an external
// collaborator is recorded here first, after the state change that caused it,
// and delivered at least once by the dispatcher. Dedup keys make enqueueing
// idempotent so one logical trigger yields one entry.
package outbox

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Kind selects the handler that delivers an entry.
type Kind string

const (
	KindNotification     Kind = "notification"
	KindCertificateIssue Kind = "certificate_issue"
	KindContentPublish   Kind = "content_publish"
	KindCurriculumFanout Kind = "curriculum_fanout"
)

// IsValid checks if the kind is known.
func (k Kind) IsValid() bool {
	switch k {
	case KindNotification, KindCertificateIssue, KindContentPublish, KindCurriculumFanout:
		return true
	}
	return false
}

// Status of an entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusDelivered Status = "delivered"
	StatusDead      Status = "dead"
)

// Entry is one queued side effect.
type Entry struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	DedupKey      string          `json:"dedup_key"`
	RecipientID   string          `json:"recipient_id"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LeaseUntil    *time.Time      `json:"lease_until,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	Result        string          `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
}

// NewEntry builds a pending entry, encoding payload as JSON.
func NewEntry(id string, kind Kind, dedupKey, recipientID string, payload any, now time.Time) (*Entry, error) {
	const op = "NewEntry"
	if !kind.IsValid() {
		return nil, shared.Validation("outbox", op, "unknown kind %q", kind)
	}
	if strings.TrimSpace(dedupKey) == "" {
		return nil, shared.Validation("outbox", op, "dedup key is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, shared.WrapError("outbox", op, shared.ErrValidation, "payload is not encodable", err)
	}
	now = now.UTC()
	return &Entry{
		ID:            id,
		Kind:          kind,
		DedupKey:      dedupKey,
		RecipientID:   recipientID,
		Payload:       raw,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Attempted reports whether a delivery was ever tried.
func (e *Entry) Attempted() bool {
	return e.Attempts > 0
}

// Delivered reports whether delivery succeeded.
func (e *Entry) Delivered() bool {
	return e.Status == StatusDelivered
}

// Decode unmarshals the payload into v.
func (e *Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return shared.WrapError("outbox", "Decode", shared.ErrValidation, "payload of "+e.ID+" is malformed", err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PAYLOADS
// ══════════════════════════════════════════════════════════════════════════════

// NotificationPayload is what a NotificationSink receives.
type NotificationPayload struct {
	// Topic is a milestone kind or one of the Topic constants.
	Topic          string    `json:"topic"`
	StudentID      string    `json:"student_id"`
	LearningPathID string    `json:"learning_path_id"`
	MilestoneID    string    `json:"milestone_id,omitempty"`
	Crossing       int       `json:"crossing,omitempty"`
	VersionNumber  int       `json:"version_number,omitempty"`
	CertificateID  string    `json:"certificate_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Notification topics that are not milestone kinds.
const (
	TopicCurriculumUpdated = "curriculum_updated"
	TopicCertificateIssued = "certificate_issued"
)

// CertificatePayload asks the issuer for a certificate.
type CertificatePayload struct {
	StudentID      string    `json:"student_id"`
	LearningPathID string    `json:"learning_path_id"`
	CompletedAt    time.Time `json:"completed_at"`
}

// PublishPayload asks the publisher to release a completed workflow.
type PublishPayload struct {
	WorkflowID string `json:"workflow_id"`
	StudentID  string `json:"student_id"`
}

// FanoutPayload announces a new curriculum version to enrollees.
type FanoutPayload struct {
	LearningPathID string `json:"learning_path_id"`
	VersionNumber  int    `json:"version_number"`
	Resync         bool   `json:"resync"`
}

// CertificateKey is the dedup key of the single certificate request per enrollment.
func CertificateKey(studentID, pathID string) string {
	return "certificate:" + studentID + ":" + pathID
}

// CertificateIssuedKey is the dedup key of the notification sent once a
// certificate exists.
func CertificateIssuedKey(studentID, pathID string) string {
	return "certificate_issued:" + studentID + ":" + pathID
}

// PublishKey is the dedup key of the single publication per workflow.
func PublishKey(workflowID string) string {
	return "publish:" + workflowID
}

// ══════════════════════════════════════════════════════════════════════════════
// PORTS
// ══════════════════════════════════════════════════════════════════════════════

// Repository persists entries.
type Repository interface {
	// Enqueue stores e unless an entry with the same DedupKey exists, in which
	// case the stored entry is returned with inserted=false.
	Enqueue(ctx context.Context, e *Entry) (stored *Entry, inserted bool, err error)

	// Claim leases up to limit due entries: pending ones whose NextAttemptAt has
	// passed, and in-flight ones whose lease expired. Claimed entries move to
	// in_flight with Attempts incremented.
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Entry, error)

	MarkDelivered(ctx context.Context, id, result string, at time.Time) error

	// MarkFailed returns the entry to pending at nextAttemptAt, or to dead.
	MarkFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time, dead bool) error

	// Release returns a claimed entry to pending at nextAttemptAt and gives
	// back the attempt its claim consumed. Used when the collaborator was
	// never called.
	Release(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error

	Get(ctx context.Context, id string) (*Entry, error)
	GetByDedupKey(ctx context.Context, key string) (*Entry, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Entry, error)
}

// NotificationSink delivers notifications.
type NotificationSink interface {
	Send(ctx context.Context, kind, recipientID string, payload json.RawMessage) error
}

// CertificateIssuer issues completion certificates.
type CertificateIssuer interface {
	Issue(ctx context.Context, studentID, pathID string, completedAt time.Time) (certificateID string, err error)
}
