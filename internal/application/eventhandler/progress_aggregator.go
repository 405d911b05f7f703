// Package eventhandler contains the handlers that derive state from the
// activity ledger.
package eventhandler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progress-engine/internal/application/effects"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/milestone"
	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/keylock"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS AGGREGATOR
// Folds ledger events into enrollment counters and runs the milestone
// evaluator inside the same per-enrollment critical section.
// ══════════════════════════════════════════════════════════════════════════════

// AggregatorDeps wires the aggregator.
type AggregatorDeps struct {
	Ledger      ledger.Repository
	Enrollments progress.Repository
	Milestones  milestone.Repository
	Catalog     progress.PathCatalog
	Effects     *effects.Queue
	Locker      keylock.Locker
	Publisher   shared.EventPublisher
	Evaluator   *milestone.Evaluator
	Clock       timeutil.Clock
	Logger      *logger.Logger
}

// ProgressAggregator owns Enrollment and Milestone state.
type ProgressAggregator struct {
	ledger      ledger.Repository
	enrollments progress.Repository
	milestones  milestone.Repository
	catalog     progress.PathCatalog
	effects     *effects.Queue
	locker      keylock.Locker
	publisher   shared.EventPublisher
	evaluator   *milestone.Evaluator
	clock       timeutil.Clock
	log         *logger.Logger
	newID       func() string

	// replayBatch is the page size used by Rebuild and CatchUp.
	replayBatch int
}

// NewProgressAggregator creates a ProgressAggregator.
func NewProgressAggregator(d AggregatorDeps) *ProgressAggregator {
	if d.Locker == nil {
		d.Locker = keylock.NewLocal()
	}
	if d.Publisher == nil {
		d.Publisher = shared.NopPublisher{}
	}
	if d.Evaluator == nil {
		d.Evaluator = milestone.NewEvaluator(milestone.DefaultPolicy())
	}
	if d.Clock == nil {
		d.Clock = timeutil.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	return &ProgressAggregator{
		ledger:      d.Ledger,
		enrollments: d.Enrollments,
		milestones:  d.Milestones,
		catalog:     d.Catalog,
		effects:     d.Effects,
		locker:      d.Locker,
		publisher:   d.Publisher,
		evaluator:   d.Evaluator,
		clock:       d.Clock,
		log:         d.Logger.Named("aggregator"),
		newID:       uuid.NewString,
		replayBatch: 500,
	}
}

// ApplyResult collects what one apply changed.
type ApplyResult struct {
	Enrollments []*progress.Enrollment
	Milestones  []*milestone.Milestone
	Events      []shared.Event
}

// ─────────────────────────────────────────────────────────────────────────────
// Routing and locking
// ─────────────────────────────────────────────────────────────────────────────

// Route returns the keys of the enrollments ev applies to. An explicit
// learning path narrows routing to that enrollment; otherwise every enrollment
// whose syllabus contains the resource is affected. Withdrawn enrollments only
// take events they had absorbed before withdrawal.
func (a *ProgressAggregator) Route(ctx context.Context, ev *ledger.Event) ([]progress.Key, error) {
	if ev.LearningPathID != "" {
		e, err := a.enrollments.Get(ctx, progress.Key{StudentID: ev.StudentID, LearningPathID: ev.LearningPathID})
		if err != nil {
			if shared.IsNotFound(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("aggregator: route: %w", err)
		}
		if !e.Applies(ev) {
			return nil, nil
		}
		return []progress.Key{e.Key()}, nil
	}

	all, err := a.enrollments.ListByStudent(ctx, ev.StudentID)
	if err != nil {
		return nil, fmt.Errorf("aggregator: route: %w", err)
	}
	var keys []progress.Key
	for _, e := range all {
		if e.Applies(ev) {
			keys = append(keys, e.Key())
		}
	}
	return keys, nil
}

// Lock acquires the enrollment locks for keys in a deadlock-free order.
func (a *ProgressAggregator) Lock(ctx context.Context, keys []progress.Key) (func(), error) {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return keylock.LockAll(ctx, a.locker, names)
}

// Publish sends bus events. Bus failures are logged and never fail the caller.
func (a *ProgressAggregator) Publish(events []shared.Event) {
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if err := a.publisher.Publish(ev); err != nil {
			a.log.Warn("publish event failed", logger.String("event_type", string(ev.EventType())), logger.Err(err))
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Apply
// ─────────────────────────────────────────────────────────────────────────────

// ApplyLocked folds ev into the enrollments behind keys. The caller holds the
// locks for every key.
func (a *ProgressAggregator) ApplyLocked(ctx context.Context, ev *ledger.Event, keys []progress.Key) (*ApplyResult, error) {
	res := &ApplyResult{}
	var errs []error
	for _, k := range keys {
		if err := a.applyToKey(ctx, k, []*ledger.Event{ev}, res); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

// Apply routes, locks and applies ev, then publishes the resulting events.
// Used for events that were already appended, such as replays.
func (a *ProgressAggregator) Apply(ctx context.Context, ev *ledger.Event) (*ApplyResult, error) {
	keys, err := a.Route(ctx, ev)
	if err != nil || len(keys) == 0 {
		return &ApplyResult{}, err
	}
	unlock, err := a.Lock(ctx, keys)
	if err != nil {
		return nil, err
	}
	res, err := a.ApplyLocked(ctx, ev, keys)
	unlock()
	a.Publish(res.Events)
	return res, err
}

// applyToKey loads one enrollment, absorbs evs in order, evaluates after each
// absorbed event and saves once. Milestones and outbox entries are written
// before the enrollment so a crash in between is repaired by catch-up.
func (a *ProgressAggregator) applyToKey(ctx context.Context, key progress.Key, evs []*ledger.Event, res *ApplyResult) error {
	e, err := a.enrollments.Get(ctx, key)
	if err != nil {
		if shared.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("aggregator: load %s: %w", key, err)
	}

	paths := pathCache{catalog: a.catalog}
	changed := false
	for _, ev := range evs {
		if !e.Apply(ev) {
			continue
		}
		changed = true
		path, err := paths.get(ctx, e.LearningPathID)
		if err != nil {
			a.log.Warn("path unavailable, evaluation deferred to sweep",
				logger.PathID(e.LearningPathID), logger.Seq(ev.Seq), logger.Err(err))
			continue
		}
		if err := a.evaluate(ctx, e, path, e.LastAccessedAt, res); err != nil {
			return err
		}
	}
	if !changed {
		return nil
	}
	return a.save(ctx, e, res)
}

func (a *ProgressAggregator) save(ctx context.Context, e *progress.Enrollment, res *ApplyResult) error {
	e.UpdatedAt = a.clock.Now()
	if err := a.enrollments.Save(ctx, e); err != nil {
		return fmt.Errorf("aggregator: save %s: %w", e.Key(), err)
	}
	res.Enrollments = append(res.Enrollments, e)
	res.Events = append(res.Events, shared.NewProgressUpdatedEvent(
		e.StudentID, e.LearningPathID, e.LessonsCompleted, e.TotalLessons, e.PerformanceScore,
	))
	return nil
}

// evaluate runs the milestone evaluator and persists its decision.
func (a *ProgressAggregator) evaluate(ctx context.Context, e *progress.Enrollment, path progress.Path, asOf time.Time, res *ApplyResult) error {
	existing, err := a.milestones.ListByEnrollment(ctx, e.StudentID, e.LearningPathID)
	if err != nil {
		return fmt.Errorf("aggregator: list milestones: %w", err)
	}
	d := a.evaluator.Evaluate(e, path, milestone.Summarize(existing), asOf)
	if d.Empty() {
		return nil
	}

	now := a.clock.Now()
	for _, tr := range d.Triggers {
		m := &milestone.Milestone{
			ID:             a.newID(),
			StudentID:      e.StudentID,
			LearningPathID: e.LearningPathID,
			Kind:           tr.Kind,
			Crossing:       tr.Crossing,
			TriggeredAt:    now,
		}
		stored, inserted, err := a.milestones.Create(ctx, m)
		if err != nil {
			return fmt.Errorf("aggregator: create milestone: %w", err)
		}
		if err := a.enqueueMilestoneEffects(ctx, e, stored, res); err != nil {
			return err
		}
		if inserted {
			res.Milestones = append(res.Milestones, stored)
			res.Events = append(res.Events, shared.NewMilestoneTriggeredEvent(
				stored.ID, stored.StudentID, stored.LearningPathID, string(stored.Kind), stored.Crossing,
			))
			a.log.Info("milestone triggered",
				logger.StudentID(stored.StudentID),
				logger.PathID(stored.LearningPathID),
				logger.String("kind", string(stored.Kind)),
				logger.Int("crossing", stored.Crossing),
			)
		}
	}
	for _, m := range d.ResolveBehind {
		if err := a.milestones.Resolve(ctx, m.ID, now); err != nil {
			return fmt.Errorf("aggregator: resolve milestone %s: %w", m.ID, err)
		}
	}
	return nil
}

// enqueueMilestoneEffects is idempotent: entries are keyed by the milestone
// identity, so re-running it after a crash enqueues nothing new.
func (a *ProgressAggregator) enqueueMilestoneEffects(ctx context.Context, e *progress.Enrollment, m *milestone.Milestone, res *ApplyResult) error {
	if a.effects == nil {
		return nil
	}
	note, err := a.effects.Enqueue(ctx, outbox.KindNotification, m.DedupKey(), m.StudentID, outbox.NotificationPayload{
		Topic:          string(m.Kind),
		StudentID:      m.StudentID,
		LearningPathID: m.LearningPathID,
		MilestoneID:    m.ID,
		Crossing:       m.Crossing,
		OccurredAt:     m.TriggeredAt,
	})
	if err != nil {
		return err
	}
	res.Events = append(res.Events, note.Event())

	if m.Kind != milestone.PathCompleted {
		return nil
	}
	completedAt := m.TriggeredAt
	if e.CompletedAt != nil {
		completedAt = *e.CompletedAt
	}
	cert, err := a.effects.Enqueue(ctx, outbox.KindCertificateIssue, outbox.CertificateKey(m.StudentID, m.LearningPathID), m.StudentID,
		outbox.CertificatePayload{StudentID: m.StudentID, LearningPathID: m.LearningPathID, CompletedAt: completedAt})
	if err != nil {
		return err
	}
	res.Events = append(res.Events, cert.Event())
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Re-sync and sweep
// ─────────────────────────────────────────────────────────────────────────────

// Resync replaces the syllabus of one enrollment with path and re-evaluates.
// Only curriculum updates flagged as re-syncing call it.
func (a *ProgressAggregator) Resync(ctx context.Context, key progress.Key, path progress.Path) (*ApplyResult, error) {
	return a.withEnrollment(ctx, key, func(e *progress.Enrollment, res *ApplyResult) (bool, error) {
		if !e.IsActive() || e.Syllabus.Version >= path.Version {
			return false, nil
		}
		e.Resync(path)
		return true, a.evaluate(ctx, e, path, a.clock.Now(), res)
	})
}

// Evaluate re-checks one enrollment against the wall clock.
func (a *ProgressAggregator) Evaluate(ctx context.Context, key progress.Key) (*ApplyResult, error) {
	return a.withEnrollment(ctx, key, func(e *progress.Enrollment, res *ApplyResult) (bool, error) {
		if !e.IsActive() {
			return false, nil
		}
		path, err := a.catalog.GetPath(ctx, e.LearningPathID)
		if err != nil {
			return false, fmt.Errorf("aggregator: path %s: %w", e.LearningPathID, err)
		}
		behind, crossings, completed := e.BehindSchedule, e.BehindCrossings, e.CompletedAt != nil
		if err := a.evaluate(ctx, e, path, a.clock.Now(), res); err != nil {
			return false, err
		}
		changed := behind != e.BehindSchedule || crossings != e.BehindCrossings || completed != (e.CompletedAt != nil)
		return changed || len(res.Milestones) > 0, nil
	})
}

// withEnrollment runs fn under the enrollment lock and saves when fn reports a change.
func (a *ProgressAggregator) withEnrollment(ctx context.Context, key progress.Key, fn func(*progress.Enrollment, *ApplyResult) (bool, error)) (*ApplyResult, error) {
	unlock, err := a.Lock(ctx, []progress.Key{key})
	if err != nil {
		return nil, err
	}
	res := &ApplyResult{}
	err = func() error {
		defer unlock()
		e, err := a.enrollments.Get(ctx, key)
		if err != nil {
			return err
		}
		changed, err := fn(e, res)
		if err != nil || !changed {
			return err
		}
		return a.save(ctx, e, res)
	}()
	a.Publish(res.Events)
	return res, err
}

// SweepReport summarizes a pace sweep.
type SweepReport struct {
	Checked    int
	Milestones int
	Failed     int
}

// SweepSchedule evaluates every active enrollment at the current time so that
// learners who stopped producing events are still detected as behind.
func (a *ProgressAggregator) SweepSchedule(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	active, err := a.enrollments.ListActive(ctx)
	if err != nil {
		return rep, fmt.Errorf("aggregator: sweep: %w", err)
	}
	for _, e := range active {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Checked++
		res, err := a.Evaluate(ctx, e.Key())
		if err != nil {
			rep.Failed++
			a.log.Warn("sweep evaluation failed", logger.String("enrollment", e.Key().String()), logger.Err(err))
			continue
		}
		rep.Milestones += len(res.Milestones)
	}
	return rep, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Replay
// ─────────────────────────────────────────────────────────────────────────────

// CatchUp re-applies, per active enrollment, every event newer than its
// LastAppliedSeq. It repairs enrollments whose save was lost after the ledger
// append succeeded.
func (a *ProgressAggregator) CatchUp(ctx context.Context) (int, error) {
	active, err := a.enrollments.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("aggregator: catch-up: %w", err)
	}
	applied := 0
	for _, snapshot := range active {
		pending, err := a.ledger.ListByStudentAfter(ctx, snapshot.StudentID, snapshot.LastAppliedSeq)
		if err != nil {
			return applied, fmt.Errorf("aggregator: catch-up: %w", err)
		}
		if len(pending) == 0 {
			continue
		}
		key := snapshot.Key()
		unlock, err := a.Lock(ctx, []progress.Key{key})
		if err != nil {
			return applied, err
		}
		res := &ApplyResult{}
		err = a.applyToKey(ctx, key, pending, res)
		unlock()
		a.Publish(res.Events)
		if err != nil {
			a.log.Error("catch-up failed", logger.String("enrollment", key.String()), logger.Err(err))
			continue
		}
		if len(res.Enrollments) > 0 {
			applied++
		}
	}
	return applied, nil
}

// RebuildReport summarizes a full replay.
type RebuildReport struct {
	Enrollments int
	Events      int
	Milestones  int
}

// Rebuild resets every enrollment's derived counters and replays the whole
// ledger in acceptance order. Milestone and outbox writes are idempotent, so a
// rebuild recreates the same milestone set without new notifications. Writers
// should be stopped while it runs.
func (a *ProgressAggregator) Rebuild(ctx context.Context) (RebuildReport, error) {
	var rep RebuildReport
	all, err := a.enrollments.ListAll(ctx)
	if err != nil {
		return rep, fmt.Errorf("aggregator: rebuild: %w", err)
	}
	for _, e := range all {
		_, err := a.withEnrollment(ctx, e.Key(), func(cur *progress.Enrollment, _ *ApplyResult) (bool, error) {
			cur.ResetDerived()
			return true, nil
		})
		if err != nil {
			return rep, fmt.Errorf("aggregator: reset %s: %w", e.Key(), err)
		}
		rep.Enrollments++
	}

	var after int64
	for {
		batch, err := a.ledger.ListAfter(ctx, after, a.replayBatch)
		if err != nil {
			return rep, fmt.Errorf("aggregator: rebuild: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, ev := range batch {
			res, err := a.Apply(ctx, ev)
			if err != nil {
				return rep, fmt.Errorf("aggregator: replay seq %d: %w", ev.Seq, err)
			}
			rep.Events++
			rep.Milestones += len(res.Milestones)
			after = ev.Seq
		}
	}
	a.log.Info("rebuild finished",
		logger.Int("enrollments", rep.Enrollments),
		logger.Int("events", rep.Events),
		logger.Int("new_milestones", rep.Milestones),
	)
	return rep, nil
}

// pathCache memoizes catalog lookups within one unit of work.
type pathCache struct {
	catalog progress.PathCatalog
	paths   map[string]progress.Path
}

func (c *pathCache) get(ctx context.Context, id string) (progress.Path, error) {
	if p, ok := c.paths[id]; ok {
		return p, nil
	}
	if c.catalog == nil {
		return progress.Path{}, shared.ErrPathNotFound
	}
	p, err := c.catalog.GetPath(ctx, id)
	if err != nil {
		return progress.Path{}, err
	}
	if c.paths == nil {
		c.paths = make(map[string]progress.Path)
	}
	c.paths[id] = p
	return p, nil
}
