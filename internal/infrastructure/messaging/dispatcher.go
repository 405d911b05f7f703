package messaging

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/retry"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// OUTBOX DISPATCHER
// Claims due entries under a lease, runs the handler for their kind and
// records the outcome. Failed attempts back off exponentially; an entry that
// exhausts its attempts, or fails permanently, is marked dead. Each kind has
// its own circuit breaker so one unavailable collaborator does not burn the
// attempts of the others.
// ══════════════════════════════════════════════════════════════════════════════

// OutboxHandler delivers entries of one kind.
type OutboxHandler interface {
	Kind() outbox.Kind
	Handle(ctx context.Context, entry *outbox.Entry) (result string, err error)
}

// DeliveryOutcome classifies one delivery attempt.
type DeliveryOutcome string

const (
	OutcomeDelivered DeliveryOutcome = "delivered"
	OutcomeRetry     DeliveryOutcome = "retry"
	OutcomeRejected  DeliveryOutcome = "circuit_open"
	OutcomeDead      DeliveryOutcome = "dead"
)

// DispatchObserver is told about every delivery attempt and breaker change.
type DispatchObserver interface {
	ObserveDelivery(kind string, outcome string, latency time.Duration)
	ObserveBreaker(name string, state string)
}

// DispatcherConfig contains configuration for the OutboxDispatcher.
type DispatcherConfig struct {
	// BatchSize is how many entries one claim leases.
	BatchSize int

	// Workers bounds concurrent deliveries within a batch.
	Workers int

	// Lease is how long a claimed entry is reserved. An entry whose worker
	// died becomes claimable again once it passes.
	Lease time.Duration

	// HandlerTimeout bounds one delivery attempt. It must be shorter than Lease.
	HandlerTimeout time.Duration

	// PollInterval is the idle wait of Run between claims.
	PollInterval time.Duration

	// Backoff spaces attempts; Backoff.MaxAttempts is the dead threshold.
	Backoff retry.Config

	Clock    timeutil.Clock
	Logger   *logger.Logger
	Observer DispatchObserver
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:      50,
		Workers:        8,
		Lease:          2 * time.Minute,
		HandlerTimeout: 30 * time.Second,
		PollInterval:   2 * time.Second,
		Backoff:        retry.OutboxBackoff(),
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	def := DefaultDispatcherConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.Lease <= 0 {
		c.Lease = def.Lease
	}
	if c.HandlerTimeout <= 0 || c.HandlerTimeout >= c.Lease {
		c.HandlerTimeout = c.Lease / 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff = def.Backoff
	}
	if c.Clock == nil {
		c.Clock = timeutil.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	return c
}

// OutboxDispatcher delivers queued side effects.
type OutboxDispatcher struct {
	repo     outbox.Repository
	handlers map[outbox.Kind]OutboxHandler
	breakers map[outbox.Kind]*circuitbreaker.CircuitBreaker
	config   DispatcherConfig
	log      *logger.Logger
	wake     chan struct{}
	running  atomic.Bool
	mu       sync.Mutex
}

// NewOutboxDispatcher creates a dispatcher for the given handlers. A second
// handler for the same kind replaces the first.
func NewOutboxDispatcher(repo outbox.Repository, config DispatcherConfig, handlers ...OutboxHandler) *OutboxDispatcher {
	config = config.withDefaults()
	d := &OutboxDispatcher{
		repo:     repo,
		handlers: make(map[outbox.Kind]OutboxHandler, len(handlers)),
		breakers: make(map[outbox.Kind]*circuitbreaker.CircuitBreaker, len(handlers)),
		config:   config,
		log:      config.Logger.Named("outbox_dispatcher"),
		wake:     make(chan struct{}, 1),
	}
	for _, h := range handlers {
		d.Register(h)
	}
	return d
}

// Register adds a handler and its circuit breaker.
func (d *OutboxDispatcher) Register(h OutboxHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kind := h.Kind()
	d.handlers[kind] = h
	d.breakers[kind] = circuitbreaker.CollaboratorBreaker(string(kind), d.onBreakerChange,
		circuitbreaker.WithIsFailure(shared.IsCollaboratorUnavailable),
		circuitbreaker.WithClock(d.config.Clock.Now))
}

func (d *OutboxDispatcher) onBreakerChange(name string, from, to circuitbreaker.State) {
	d.log.Warn("collaborator circuit changed",
		logger.String("kind", name),
		logger.String("from", from.String()),
		logger.String("to", to.String()),
	)
	if d.config.Observer != nil {
		d.config.Observer.ObserveBreaker(name, to.String())
	}
}

func (d *OutboxDispatcher) handlerFor(kind outbox.Kind) (OutboxHandler, *circuitbreaker.CircuitBreaker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[kind], d.breakers[kind]
}

// ══════════════════════════════════════════════════════════════════════════════
// RUN LOOP
// ══════════════════════════════════════════════════════════════════════════════

// Wake asks a running dispatcher to claim immediately.
func (d *OutboxDispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// WakeOn subscribes the dispatcher to side-effect events on bus.
func (d *OutboxDispatcher) WakeOn(bus shared.EventSubscriber) error {
	return bus.Subscribe(shared.EventSideEffectQueued, func(shared.Event) error {
		d.Wake()
		return nil
	})
}

// Run dispatches until ctx is done. Full batches are followed immediately by
// another claim; otherwise it waits for PollInterval or a Wake.
func (d *OutboxDispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("outbox dispatcher is already running")
	}
	defer d.running.Store(false)

	d.log.Info("outbox dispatcher started",
		logger.Int("batch_size", d.config.BatchSize),
		logger.Int("workers", d.config.Workers),
	)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopped")
			return nil
		case <-timer.C:
		case <-d.wake:
		}

		report, err := d.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.log.Error("outbox dispatch failed", logger.Err(err))
		}
		next := d.config.PollInterval
		if report.Claimed >= d.config.BatchSize {
			next = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}

// DispatchReport summarizes one claim-and-deliver round.
type DispatchReport struct {
	Claimed   int
	Delivered int
	Retried   int
	Rejected  int
	Dead      int
}

// DispatchOnce claims one batch and delivers it.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (DispatchReport, error) {
	var report DispatchReport
	entries, err := d.repo.Claim(ctx, d.config.Clock.Now(), d.config.Lease, d.config.BatchSize)
	if err != nil {
		return report, fmt.Errorf("claim: %w", err)
	}
	report.Claimed = len(entries)
	if len(entries) == 0 {
		return report, nil
	}

	outcomes := make([]DeliveryOutcome, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Workers)
	for i, e := range entries {
		g.Go(func() error {
			outcome, err := d.deliver(gctx, e)
			outcomes[i] = outcome
			return err
		})
	}
	err = g.Wait()

	for _, o := range outcomes {
		switch o {
		case OutcomeDelivered:
			report.Delivered++
		case OutcomeRetry:
			report.Retried++
		case OutcomeRejected:
			report.Rejected++
		case OutcomeDead:
			report.Dead++
		}
	}
	if report.Claimed > 0 {
		d.log.Debug("outbox batch done",
			logger.Int("claimed", report.Claimed),
			logger.Int("delivered", report.Delivered),
			logger.Int("retried", report.Retried),
			logger.Int("dead", report.Dead),
		)
	}
	return report, err
}

// deliver runs one attempt. Only storage failures are returned; handler
// failures are recorded on the entry.
func (d *OutboxDispatcher) deliver(ctx context.Context, e *outbox.Entry) (DeliveryOutcome, error) {
	start := time.Now()
	log := d.log.With(
		logger.String("entry_id", e.ID),
		logger.String("kind", string(e.Kind)),
		logger.String("dedup_key", e.DedupKey),
		logger.Int("attempt", e.Attempts),
	)

	h, breaker := d.handlerFor(e.Kind)
	if h == nil {
		return d.fail(ctx, log, e, start, fmt.Errorf("no handler for kind %q", e.Kind), OutcomeDead)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.HandlerTimeout)
	defer cancel()

	var result string
	err := breaker.Execute(callCtx, func(ctx context.Context) error {
		var callErr error
		result, callErr = safeHandle(ctx, h, e)
		return callErr
	})
	if err == nil {
		if err := d.repo.MarkDelivered(ctx, e.ID, result, d.config.Clock.Now()); err != nil {
			return "", fmt.Errorf("mark %s delivered: %w", e.ID, err)
		}
		log.Info("side effect delivered", logger.String("result", result), logger.Latency(time.Since(start)))
		d.observe(e.Kind, OutcomeDelivered, start)
		return OutcomeDelivered, nil
	}

	switch {
	case circuitbreaker.IsRejected(err):
		return d.release(ctx, log, e, start, err, breaker.ReopensAt())
	case retry.IsPermanent(err), shared.IsValidation(err):
		return d.fail(ctx, log, e, start, err, OutcomeDead)
	case e.Attempts >= d.config.Backoff.MaxAttempts:
		return d.fail(ctx, log, e, start, err, OutcomeDead)
	default:
		return d.fail(ctx, log, e, start, err, OutcomeRetry)
	}
}

// release puts back an entry the breaker refused. The collaborator was not
// called, so the attempt is refunded and the entry waits for the circuit to
// let a probe through instead of backing off.
func (d *OutboxDispatcher) release(ctx context.Context, log *logger.Logger, e *outbox.Entry, start time.Time, cause error, reopensAt time.Time) (DeliveryOutcome, error) {
	now := d.config.Clock.Now()
	next := reopensAt
	if !next.After(now) {
		// Half-open and the probe slot is taken.
		next = now.Add(d.config.Backoff.InitialDelay)
	}
	if err := d.repo.Release(ctx, e.ID, cause.Error(), next); err != nil {
		return "", fmt.Errorf("release %s: %w", e.ID, err)
	}
	log.Warn("side effect deferred by open circuit", logger.Time("next_attempt_at", next))
	d.observe(e.Kind, OutcomeRejected, start)
	return OutcomeRejected, nil
}

// fail records a failed attempt.
func (d *OutboxDispatcher) fail(ctx context.Context, log *logger.Logger, e *outbox.Entry, start time.Time, cause error, outcome DeliveryOutcome) (DeliveryOutcome, error) {
	now := d.config.Clock.Now()
	next := now.Add(d.config.Backoff.Delay(e.Attempts))
	dead := outcome == OutcomeDead

	if err := d.repo.MarkFailed(ctx, e.ID, cause.Error(), next, dead); err != nil {
		return "", fmt.Errorf("mark %s failed: %w", e.ID, err)
	}
	if dead {
		log.Error("side effect dead", logger.Err(cause))
	} else {
		log.Warn("side effect failed", logger.Err(cause), logger.Time("next_attempt_at", next))
	}
	d.observe(e.Kind, outcome, start)
	return outcome, nil
}

func (d *OutboxDispatcher) observe(kind outbox.Kind, outcome DeliveryOutcome, start time.Time) {
	if d.config.Observer != nil {
		d.config.Observer.ObserveDelivery(string(kind), string(outcome), time.Since(start))
	}
}

func safeHandle(ctx context.Context, h OutboxHandler, e *outbox.Entry) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = retry.Permanent(fmt.Errorf("handler panic: %v\n%s", r, debug.Stack()))
		}
	}()
	return h.Handle(ctx, e)
}
