package collaborator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION SINK
// ══════════════════════════════════════════════════════════════════════════════

// NotificationClient implements outbox.NotificationSink.
type NotificationClient struct {
	c *client
}

// NewNotificationClient creates a NotificationClient.
func NewNotificationClient(cfg ClientConfig) *NotificationClient {
	return &NotificationClient{c: newClient("notification_sink", cfg)}
}

type notificationRequest struct {
	Kind        string          `json:"kind"`
	RecipientID string          `json:"recipient_id"`
	Payload     json.RawMessage `json:"payload"`
}

// Send implements outbox.NotificationSink.
func (n *NotificationClient) Send(ctx context.Context, kind, recipientID string, payload json.RawMessage) error {
	return n.c.post(ctx, "/v1/notifications", "", notificationRequest{
		Kind:        kind,
		RecipientID: recipientID,
		Payload:     payload,
	}, nil)
}

// ══════════════════════════════════════════════════════════════════════════════
// CERTIFICATE ISSUER
// ══════════════════════════════════════════════════════════════════════════════

// CertificateClient implements outbox.CertificateIssuer.
type CertificateClient struct {
	c *client
}

// NewCertificateClient creates a CertificateClient.
func NewCertificateClient(cfg ClientConfig) *CertificateClient {
	return &CertificateClient{c: newClient("certificate_issuer", cfg)}
}

type certificateRequest struct {
	StudentID      string    `json:"student_id"`
	LearningPathID string    `json:"learning_path_id"`
	CompletedAt    time.Time `json:"completed_at"`
}

type certificateResponse struct {
	CertificateID string `json:"certificate_id"`
}

// Issue implements outbox.CertificateIssuer. The issuer receives an
// idempotency key per enrollment, so a redelivered request returns the same
// certificate.
func (i *CertificateClient) Issue(ctx context.Context, studentID, pathID string, completedAt time.Time) (string, error) {
	var resp certificateResponse
	err := i.c.post(ctx, "/v1/certificates", "certificate:"+studentID+":"+pathID, certificateRequest{
		StudentID:      studentID,
		LearningPathID: pathID,
		CompletedAt:    completedAt.UTC(),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.CertificateID == "" {
		return "", fmt.Errorf("certificate_issuer: response has no certificate_id")
	}
	return resp.CertificateID, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CONTENT PUBLISHER
// ══════════════════════════════════════════════════════════════════════════════

// PublisherClient implements workflow.ContentPublisher.
type PublisherClient struct {
	c *client
}

// NewPublisherClient creates a PublisherClient.
func NewPublisherClient(cfg ClientConfig) *PublisherClient {
	return &PublisherClient{c: newClient("content_publisher", cfg)}
}

type publishRequest struct {
	WorkflowID string          `json:"workflow_id"`
	Content    json.RawMessage `json:"content,omitempty"`
}

type publishResponse struct {
	URL string `json:"url"`
}

// Publish implements workflow.ContentPublisher.
func (p *PublisherClient) Publish(ctx context.Context, workflowID string, finalStepData json.RawMessage) (string, error) {
	var resp publishResponse
	err := p.c.post(ctx, "/v1/publications", "publish:"+workflowID, publishRequest{
		WorkflowID: workflowID,
		Content:    finalStepData,
	}, &resp)
	if err != nil {
		return "", err
	}
	if _, perr := url.ParseRequestURI(resp.URL); perr != nil {
		return "", fmt.Errorf("content_publisher: invalid url %q", resp.URL)
	}
	return resp.URL, nil
}
