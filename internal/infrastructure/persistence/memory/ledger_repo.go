// Package memory implements every repository in process memory. It backs the
// default STORAGE_DRIVER=memory wiring and the application tests. Every value
// crossing the package boundary is copied, so callers never alias stored state.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// LedgerRepository implements ledger.Repository.
type LedgerRepository struct {
	mu     sync.RWMutex
	events []*ledger.Event
	byKey  map[string]*ledger.Event
	now    func() time.Time
}

// NewLedgerRepository creates an empty ledger.
func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{
		byKey: make(map[string]*ledger.Event),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Append implements ledger.Repository.
func (r *LedgerRepository) Append(ctx context.Context, ev *ledger.Event) (*ledger.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byKey[ev.IdempotencyKey]; ok {
		return cloneEvent(existing), false, nil
	}
	stored := cloneEvent(ev)
	stored.Seq = int64(len(r.events) + 1)
	stored.AcceptedAt = r.now()
	r.events = append(r.events, stored)
	r.byKey[stored.IdempotencyKey] = stored
	return cloneEvent(stored), true, nil
}

// FindByKey implements ledger.Repository.
func (r *LedgerRepository) FindByKey(_ context.Context, key string) (*ledger.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.byKey[key]
	if !ok {
		return nil, shared.ErrEventNotFound
	}
	return cloneEvent(ev), nil
}

// ListByStudent implements ledger.Repository.
func (r *LedgerRepository) ListByStudent(_ context.Context, studentID string, from, to time.Time) ([]*ledger.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ledger.Event
	for _, ev := range r.events {
		if ev.StudentID != studentID {
			continue
		}
		if ev.OccurredAt.Before(from) || !ev.OccurredAt.Before(to) {
			continue
		}
		out = append(out, cloneEvent(ev))
	}
	return out, nil
}

// ListByStudentAfter implements ledger.Repository.
func (r *LedgerRepository) ListByStudentAfter(_ context.Context, studentID string, afterSeq int64) ([]*ledger.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ledger.Event
	for _, ev := range r.eventsAfter(afterSeq) {
		if ev.StudentID == studentID {
			out = append(out, cloneEvent(ev))
		}
	}
	return out, nil
}

// ListAfter implements ledger.Repository.
func (r *LedgerRepository) ListAfter(_ context.Context, afterSeq int64, limit int) ([]*ledger.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tail := r.eventsAfter(afterSeq)
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]*ledger.Event, 0, len(tail))
	for _, ev := range tail {
		out = append(out, cloneEvent(ev))
	}
	return out, nil
}

// Head implements ledger.Repository.
func (r *LedgerRepository) Head(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.events)), nil
}

// Len returns the number of stored events.
func (r *LedgerRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// eventsAfter relies on Seq == index+1. Caller holds mu.
func (r *LedgerRepository) eventsAfter(afterSeq int64) []*ledger.Event {
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(r.events)) {
		return nil
	}
	return r.events[afterSeq:]
}

func cloneEvent(ev *ledger.Event) *ledger.Event {
	c := *ev
	if ev.Duration != nil {
		d := *ev.Duration
		c.Duration = &d
	}
	if ev.Score != nil {
		s := *ev.Score
		c.Score = &s
	}
	return &c
}

func sortStrings(in []string) []string {
	sort.Strings(in)
	return in
}
