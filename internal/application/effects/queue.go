// Package effects records collaborator side effects in the outbox. State
// owners call it after their own write is durable; delivery happens later in
// the dispatcher, outside any lock.
package effects

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// Queue enqueues deduplicated outbox entries.
type Queue struct {
	repo  outbox.Repository
	clock timeutil.Clock
	log   *logger.Logger
	newID func() string
}

// NewQueue creates a Queue.
func NewQueue(repo outbox.Repository, clock timeutil.Clock, log *logger.Logger) *Queue {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Queue{repo: repo, clock: clock, log: log.Named("effects"), newID: uuid.NewString}
}

// Enqueued is the outcome of one Enqueue call.
type Enqueued struct {
	Entry    *outbox.Entry
	Inserted bool
}

// Event returns the bus event for a newly inserted entry, or nil.
func (q Enqueued) Event() shared.Event {
	if !q.Inserted {
		return nil
	}
	return shared.NewSideEffectQueuedEvent(q.Entry.ID, string(q.Entry.Kind), q.Entry.DedupKey)
}

// Enqueue records one side effect. A second call with the same dedup key is a
// no-op returning the stored entry.
func (q *Queue) Enqueue(ctx context.Context, kind outbox.Kind, dedupKey, recipientID string, payload any) (Enqueued, error) {
	e, err := outbox.NewEntry(q.newID(), kind, dedupKey, recipientID, payload, q.clock.Now())
	if err != nil {
		return Enqueued{}, err
	}
	stored, inserted, err := q.repo.Enqueue(ctx, e)
	if err != nil {
		return Enqueued{}, fmt.Errorf("effects: enqueue %s %s: %w", kind, dedupKey, err)
	}
	if inserted {
		q.log.Debug("side effect queued",
			logger.String("kind", string(kind)),
			logger.String("dedup_key", dedupKey),
			logger.String("entry_id", stored.ID),
		)
	}
	return Enqueued{Entry: stored, Inserted: inserted}, nil
}
