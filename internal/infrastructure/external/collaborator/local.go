package collaborator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progress-engine/pkg/logger"
)

// These implementations stand in for the collaborators when no endpoint is
// configured. They are deterministic so redelivery yields the same result.

// certificateNamespace seeds name-based certificate ids.
var certificateNamespace = uuid.MustParse("6f1c2a4e-8b7d-4c3e-9a51-2d0f7e6b9c10")

// LogSink writes notifications to the log.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.Nop()
	}
	return &LogSink{log: log.Named("notification_sink")}
}

// Send implements outbox.NotificationSink.
func (s *LogSink) Send(_ context.Context, kind, recipientID string, payload json.RawMessage) error {
	s.log.Info("notification",
		logger.String("kind", kind),
		logger.StudentID(recipientID),
		logger.String("payload", string(payload)),
	)
	return nil
}

// LocalIssuer derives certificate ids from the enrollment.
type LocalIssuer struct{}

// Issue implements outbox.CertificateIssuer.
func (LocalIssuer) Issue(_ context.Context, studentID, pathID string, _ time.Time) (string, error) {
	return uuid.NewSHA1(certificateNamespace, []byte(studentID+"/"+pathID)).String(), nil
}

// LocalPublisher derives publication URLs from the workflow id.
type LocalPublisher struct {
	BaseURL string
}

// Publish implements workflow.ContentPublisher.
func (p LocalPublisher) Publish(_ context.Context, workflowID string, _ json.RawMessage) (string, error) {
	base := strings.TrimRight(p.BaseURL, "/")
	if base == "" {
		base = "https://portfolio.local"
	}
	return base + "/published/" + workflowID, nil
}
