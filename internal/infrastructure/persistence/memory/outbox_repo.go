package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// OutboxRepository implements outbox.Repository.
type OutboxRepository struct {
	mu      sync.Mutex
	byID    map[string]*outbox.Entry
	byDedup map[string]*outbox.Entry
	order   []string
}

// NewOutboxRepository creates an empty outbox.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		byID:    make(map[string]*outbox.Entry),
		byDedup: make(map[string]*outbox.Entry),
	}
}

// Enqueue implements outbox.Repository.
func (r *OutboxRepository) Enqueue(_ context.Context, e *outbox.Entry) (*outbox.Entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byDedup[e.DedupKey]; ok {
		return cloneEntry(existing), false, nil
	}
	stored := cloneEntry(e)
	r.byID[stored.ID] = stored
	r.byDedup[stored.DedupKey] = stored
	r.order = append(r.order, stored.ID)
	return cloneEntry(stored), true, nil
}

// Claim implements outbox.Repository.
func (r *OutboxRepository) Claim(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*outbox.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*outbox.Entry
	for _, id := range r.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := r.byID[id]
		due := e.Status == outbox.StatusPending && !e.NextAttemptAt.After(now)
		expired := e.Status == outbox.StatusInFlight && e.LeaseUntil != nil && e.LeaseUntil.Before(now)
		if !due && !expired {
			continue
		}
		until := now.Add(lease).UTC()
		e.Status = outbox.StatusInFlight
		e.LeaseUntil = &until
		e.Attempts++
		e.UpdatedAt = now.UTC()
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

// MarkDelivered implements outbox.Repository.
func (r *OutboxRepository) MarkDelivered(_ context.Context, id, result string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return shared.ErrOutboxNotFound
	}
	at = at.UTC()
	e.Status = outbox.StatusDelivered
	e.Result = result
	e.LastError = ""
	e.LeaseUntil = nil
	e.DeliveredAt = &at
	e.UpdatedAt = at
	return nil
}

// MarkFailed implements outbox.Repository.
func (r *OutboxRepository) MarkFailed(_ context.Context, id, lastError string, nextAttemptAt time.Time, dead bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return shared.ErrOutboxNotFound
	}
	e.LastError = lastError
	e.LeaseUntil = nil
	e.NextAttemptAt = nextAttemptAt.UTC()
	e.UpdatedAt = time.Now().UTC()
	if dead {
		e.Status = outbox.StatusDead
	} else {
		e.Status = outbox.StatusPending
	}
	return nil
}

// Release implements outbox.Repository.
func (r *OutboxRepository) Release(_ context.Context, id, lastError string, nextAttemptAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return shared.ErrOutboxNotFound
	}
	if e.Attempts > 0 {
		e.Attempts--
	}
	e.Status = outbox.StatusPending
	e.LastError = lastError
	e.LeaseUntil = nil
	e.NextAttemptAt = nextAttemptAt.UTC()
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// Get implements outbox.Repository.
func (r *OutboxRepository) Get(_ context.Context, id string) (*outbox.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, shared.ErrOutboxNotFound
	}
	return cloneEntry(e), nil
}

// GetByDedupKey implements outbox.Repository.
func (r *OutboxRepository) GetByDedupKey(_ context.Context, key string) (*outbox.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byDedup[key]
	if !ok {
		return nil, shared.ErrOutboxNotFound
	}
	return cloneEntry(e), nil
}

// ListByStatus implements outbox.Repository. An empty status lists everything.
func (r *OutboxRepository) ListByStatus(_ context.Context, status outbox.Status, limit int) ([]*outbox.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*outbox.Entry
	for _, id := range r.order {
		e := r.byID[id]
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, cloneEntry(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ByKind returns every entry of kind, in enqueue order.
func (r *OutboxRepository) ByKind(kind outbox.Kind) []*outbox.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*outbox.Entry
	for _, id := range r.order {
		if e := r.byID[id]; e.Kind == kind {
			out = append(out, cloneEntry(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func cloneEntry(e *outbox.Entry) *outbox.Entry {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	if e.LeaseUntil != nil {
		t := *e.LeaseUntil
		c.LeaseUntil = &t
	}
	if e.DeliveredAt != nil {
		t := *e.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}
