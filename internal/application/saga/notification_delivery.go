package saga

import (
	"context"

	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// NotificationDelivery hands notification entries to the sink. The sink sees
// each logical notification at least once; the entry's dedup key guarantees
// it is enqueued at most once.
type NotificationDelivery struct {
	sink outbox.NotificationSink
	log  *logger.Logger
}

// NewNotificationDelivery creates a NotificationDelivery.
func NewNotificationDelivery(sink outbox.NotificationSink, log *logger.Logger) *NotificationDelivery {
	if log == nil {
		log = logger.Nop()
	}
	return &NotificationDelivery{sink: sink, log: log.Named("notification_delivery")}
}

// Kind implements the dispatcher handler contract.
func (s *NotificationDelivery) Kind() outbox.Kind { return outbox.KindNotification }

// Handle sends one notification.
func (s *NotificationDelivery) Handle(ctx context.Context, entry *outbox.Entry) (string, error) {
	var p outbox.NotificationPayload
	if err := decode("notification_delivery", entry, &p); err != nil {
		return "", err
	}
	if err := s.sink.Send(ctx, p.Topic, entry.RecipientID, entry.Payload); err != nil {
		return "", stepError("notification_delivery", "send", entry, unavailable("notification_sink", err))
	}
	s.log.Debug("notification sent",
		logger.String("topic", p.Topic), logger.StudentID(entry.RecipientID), logger.String("dedup_key", entry.DedupKey))
	return "sent", nil
}
