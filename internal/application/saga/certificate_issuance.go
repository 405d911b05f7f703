package saga

import (
	"context"

	"github.com/alem-hub/progress-engine/internal/application/effects"
	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CERTIFICATE ISSUANCE SAGA
// Flow: decode → issue certificate → queue the "certificate issued" notification.
// It runs once per (student, path) entry, after the path_completed milestone
// was committed.
// ══════════════════════════════════════════════════════════════════════════════

const (
	StepIssueCertificate Step = "issue_certificate"
	StepNotifyIssued     Step = "notify_issued"
)

// CertificateIssuance calls the certificate issuer for completed paths.
type CertificateIssuance struct {
	issuer outbox.CertificateIssuer
	queue  *effects.Queue
	log    *logger.Logger
}

// NewCertificateIssuance creates a CertificateIssuance.
func NewCertificateIssuance(issuer outbox.CertificateIssuer, queue *effects.Queue, log *logger.Logger) *CertificateIssuance {
	if log == nil {
		log = logger.Nop()
	}
	return &CertificateIssuance{issuer: issuer, queue: queue, log: log.Named("certificate_issuance")}
}

// Kind implements the dispatcher handler contract.
func (s *CertificateIssuance) Kind() outbox.Kind { return outbox.KindCertificateIssue }

// Handle issues one certificate and returns its id. If the issuer succeeded
// but the notification could not be queued, the entry is retried and the
// issuer sees a repeat request for the same (student, path).
func (s *CertificateIssuance) Handle(ctx context.Context, entry *outbox.Entry) (string, error) {
	const name = "certificate_issuance"

	var p outbox.CertificatePayload
	if err := decode(name, entry, &p); err != nil {
		return "", err
	}
	certID, err := s.issuer.Issue(ctx, p.StudentID, p.LearningPathID, p.CompletedAt)
	if err != nil {
		return "", stepError(name, StepIssueCertificate, entry, unavailable("certificate_issuer", err))
	}

	if s.queue != nil {
		_, err := s.queue.Enqueue(ctx, outbox.KindNotification, outbox.CertificateIssuedKey(p.StudentID, p.LearningPathID), p.StudentID,
			outbox.NotificationPayload{
				Topic:          outbox.TopicCertificateIssued,
				StudentID:      p.StudentID,
				LearningPathID: p.LearningPathID,
				CertificateID:  certID,
				OccurredAt:     p.CompletedAt,
			})
		if err != nil {
			return "", stepError(name, StepNotifyIssued, entry, err)
		}
	}

	s.log.Info("certificate issued",
		logger.StudentID(p.StudentID), logger.PathID(p.LearningPathID), logger.String("certificate_id", certID))
	return certID, nil
}
