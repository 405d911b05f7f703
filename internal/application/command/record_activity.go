package command

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/progress-engine/internal/application/eventhandler"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/milestone"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD ACTIVITY COMMAND
// Appends one activity fact to the ledger and folds it into every enrollment
// it touches while their locks are held. Resubmitting the same idempotency key
// is a successful no-op that returns the original event.
// ══════════════════════════════════════════════════════════════════════════════

// RecordActivityCommand contains the data to record an activity.
type RecordActivityCommand struct {
	// IdempotencyKey is supplied by the producer. When empty it is derived
	// from (student, resource, type, bucketed timestamp).
	IdempotencyKey string `json:"idempotency_key"`

	StudentID    string `json:"student_id" validate:"required"`
	ActivityType string `json:"activity_type" validate:"required,activitytype"`
	ResourceID   string `json:"resource_id" validate:"required"`

	// LearningPathID narrows routing to one enrollment.
	LearningPathID string `json:"learning_path_id"`

	Timestamp time.Time       `json:"timestamp" validate:"required"`
	Duration  *time.Duration  `json:"duration"`
	Score     *float64        `json:"score" validate:"omitempty,gte=0,lte=100"`
	Metadata  ledger.Metadata `json:"metadata"`

	// CorrelationID for tracing.
	CorrelationID string `json:"correlation_id"`
}

// RecordActivityResult contains the result of recording an activity.
type RecordActivityResult struct {
	ledger.RecordResult

	// Progress holds the enrollments the event advanced. Empty for duplicates.
	Progress []*progress.Enrollment `json:"progress,omitempty"`

	// Milestones holds milestones newly triggered by this event.
	Milestones []*milestone.Milestone `json:"milestones,omitempty"`
}

// LedgerObserver is notified of every ledger write outcome.
type LedgerObserver interface {
	ObserveRecord(activityType string, accepted bool, latency time.Duration)
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// RecordActivityHandler handles the RecordActivityCommand.
type RecordActivityHandler struct {
	ledger     ledger.Repository
	aggregator *eventhandler.ProgressAggregator
	identity   shared.IdentityProvider
	observer   LedgerObserver
	log        *logger.Logger

	keyBucket  time.Duration
	maxReroute int
}

// RecordActivityHandlerConfig contains configuration for the handler.
type RecordActivityHandlerConfig struct {
	// KeyBucket is the timestamp truncation used for derived idempotency keys.
	KeyBucket time.Duration

	// MaxReroute bounds how often routing is retried when the enrollment set
	// changes between resolving and locking it.
	MaxReroute int
}

// DefaultRecordActivityHandlerConfig returns default configuration.
func DefaultRecordActivityHandlerConfig() RecordActivityHandlerConfig {
	return RecordActivityHandlerConfig{
		KeyBucket:  ledger.DefaultKeyBucket,
		MaxReroute: 3,
	}
}

// NewRecordActivityHandler creates a new RecordActivityHandler.
func NewRecordActivityHandler(
	ledgerRepo ledger.Repository,
	aggregator *eventhandler.ProgressAggregator,
	identity shared.IdentityProvider,
	observer LedgerObserver,
	log *logger.Logger,
	config RecordActivityHandlerConfig,
) *RecordActivityHandler {
	def := DefaultRecordActivityHandlerConfig()
	if config.KeyBucket <= 0 {
		config.KeyBucket = def.KeyBucket
	}
	if config.MaxReroute <= 0 {
		config.MaxReroute = def.MaxReroute
	}
	if identity == nil {
		identity = shared.ContextIdentityProvider{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RecordActivityHandler{
		ledger:     ledgerRepo,
		aggregator: aggregator,
		identity:   identity,
		observer:   observer,
		log:        log.Named("record_activity"),
		keyBucket:  config.KeyBucket,
		maxReroute: config.MaxReroute,
	}
}

// Handle executes the record activity command for an external caller.
func (h *RecordActivityHandler) Handle(ctx context.Context, cmd RecordActivityCommand) (*RecordActivityResult, error) {
	const op = "RecordActivity"

	if err := validateCommand("ledger", op, cmd); err != nil {
		return nil, err
	}
	caller, err := h.identity.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	if !caller.CanActFor(cmd.StudentID) {
		return nil, shared.NewDomainError("ledger", op, shared.ErrForbidden,
			fmt.Sprintf("%s may not record activity for %s", caller.ID, cmd.StudentID))
	}
	ev := h.toEvent(cmd)
	if ev.Type.SystemOnly() && caller.Role != shared.RoleSystem {
		return nil, shared.NewDomainError("ledger", op, shared.ErrForbidden,
			fmt.Sprintf("%s events are produced by the engine only", ev.Type))
	}
	return h.record(ctx, ev, cmd.CorrelationID)
}

// RecordSystem records an engine-produced event, such as a workflow step or a
// publication. The caller supplies a deterministic idempotency key.
func (h *RecordActivityHandler) RecordSystem(ctx context.Context, ev *ledger.Event) (*RecordActivityResult, error) {
	return h.record(ctx, ev, "")
}

func (h *RecordActivityHandler) toEvent(cmd RecordActivityCommand) *ledger.Event {
	t, _ := ledger.ParseActivityType(cmd.ActivityType)
	ev := &ledger.Event{
		IdempotencyKey: cmd.IdempotencyKey,
		StudentID:      cmd.StudentID,
		Type:           t,
		ResourceID:     cmd.ResourceID,
		LearningPathID: cmd.LearningPathID,
		OccurredAt:     cmd.Timestamp.UTC(),
		Duration:       cmd.Duration,
		Score:          cmd.Score,
		Metadata:       cmd.Metadata,
	}
	if ev.IdempotencyKey == "" {
		ev.IdempotencyKey = ledger.DeriveKey(ev.StudentID, ev.ResourceID, ev.Type, ev.OccurredAt, h.keyBucket)
	}
	return ev
}

func (h *RecordActivityHandler) record(ctx context.Context, ev *ledger.Event, correlationID string) (*RecordActivityResult, error) {
	start := time.Now()
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	// Fast path: a known key needs no locks.
	prior, err := h.ledger.FindByKey(ctx, ev.IdempotencyKey)
	if err == nil {
		return h.duplicate(prior, start), nil
	}
	if !shared.IsNotFound(err) {
		return nil, fmt.Errorf("record_activity: lookup key: %w", err)
	}

	keys, unlock, err := h.lockRoute(ctx, ev)
	if err != nil {
		return nil, err
	}

	stored, inserted, err := h.ledger.Append(ctx, ev)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("record_activity: append: %w", err)
	}
	if !inserted {
		unlock()
		return h.duplicate(stored, start), nil
	}

	applied, applyErr := h.aggregator.ApplyLocked(ctx, stored, keys)
	unlock()

	accepted := shared.NewActivityAcceptedEvent(stored.Seq, stored.StudentID, string(stored.Type), stored.ResourceID)
	if correlationID != "" {
		accepted.BaseEvent = accepted.BaseEvent.WithCorrelationID(correlationID)
	}
	h.aggregator.Publish(append([]shared.Event{accepted}, applied.Events...))

	if applyErr != nil {
		// The event is durable; catch-up re-applies it from LastAppliedSeq.
		h.log.Error("apply after append failed",
			logger.Seq(stored.Seq), logger.StudentID(stored.StudentID), logger.Err(applyErr))
	}
	h.observe(stored.Type, true, start)

	return &RecordActivityResult{
		RecordResult: ledger.RecordResult{Accepted: true, Event: stored},
		Progress:     applied.Enrollments,
		Milestones:   applied.Milestones,
	}, nil
}

// lockRoute resolves and locks the enrollments ev applies to, then re-resolves
// under the locks. An enrollment created in between is picked up by another
// round; after maxReroute rounds it is left to catch-up.
func (h *RecordActivityHandler) lockRoute(ctx context.Context, ev *ledger.Event) ([]progress.Key, func(), error) {
	keys, err := h.aggregator.Route(ctx, ev)
	if err != nil {
		return nil, nil, err
	}
	for round := 0; ; round++ {
		unlock, err := h.aggregator.Lock(ctx, keys)
		if err != nil {
			return nil, nil, err
		}
		current, err := h.aggregator.Route(ctx, ev)
		if err != nil {
			unlock()
			return nil, nil, err
		}
		held, missing := splitKeys(current, keys)
		if len(missing) == 0 || round >= h.maxReroute {
			return held, unlock, nil
		}
		unlock()
		keys = append(keys, missing...)
	}
}

// splitKeys partitions want into the keys present in have and the rest.
func splitKeys(want, have []progress.Key) (held, missing []progress.Key) {
	set := make(map[progress.Key]struct{}, len(have))
	for _, k := range have {
		set[k] = struct{}{}
	}
	for _, k := range want {
		if _, ok := set[k]; ok {
			held = append(held, k)
		} else {
			missing = append(missing, k)
		}
	}
	return held, missing
}

func (h *RecordActivityHandler) duplicate(stored *ledger.Event, start time.Time) *RecordActivityResult {
	h.log.Debug("duplicate activity", logger.IdempotencyKey(stored.IdempotencyKey), logger.Seq(stored.Seq))
	h.observe(stored.Type, false, start)
	return &RecordActivityResult{RecordResult: ledger.RecordResult{Accepted: false, Event: stored}}
}

func (h *RecordActivityHandler) observe(t ledger.ActivityType, accepted bool, start time.Time) {
	if h.observer != nil {
		h.observer.ObserveRecord(string(t), accepted, time.Since(start))
	}
}
