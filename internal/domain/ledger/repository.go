package ledger

import (
	"context"
	"time"
)

// Repository persists the activity log. Implementations must make Append
// atomic on the idempotency key: concurrent appends with the same key yield
// exactly one inserted row, and every caller gets the stored event back.
type Repository interface {
	// Append stores the event if its key is new, assigning Seq and AcceptedAt.
	// When the key exists it returns the stored event and inserted=false.
	Append(ctx context.Context, event *Event) (stored *Event, inserted bool, err error)

	// FindByKey returns the event stored under key.
	FindByKey(ctx context.Context, key string) (*Event, error)

	// ListByStudent returns a student's events with OccurredAt in [from, to),
	// ordered by Seq.
	ListByStudent(ctx context.Context, studentID string, from, to time.Time) ([]*Event, error)

	// ListByStudentAfter returns a student's events with Seq > afterSeq, ordered by Seq.
	ListByStudentAfter(ctx context.Context, studentID string, afterSeq int64) ([]*Event, error)

	// ListAfter pages through the whole ledger in acceptance order.
	ListAfter(ctx context.Context, afterSeq int64, limit int) ([]*Event, error)

	// Head returns the highest Seq assigned so far, or 0 for an empty ledger.
	Head(ctx context.Context) (int64, error)
}
