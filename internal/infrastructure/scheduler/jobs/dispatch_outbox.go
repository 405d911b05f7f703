// Package jobs contains the scheduled jobs of the progress engine.
package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCH OUTBOX JOB
// ══════════════════════════════════════════════════════════════════════════════

// OutboxDispatcher delivers one batch of due outbox entries.
type OutboxDispatcher interface {
	DispatchOnce(ctx context.Context) (messaging.DispatchReport, error)
}

// DispatchOutboxJob drains the outbox: it keeps dispatching batches until a
// batch comes back smaller than MaxBatches allows or the timeout expires.
type DispatchOutboxJob struct {
	dispatcher OutboxDispatcher
	log        *logger.Logger
	config     DispatchOutboxConfig

	last atomic.Pointer[messaging.DispatchReport]
}

// DispatchOutboxConfig configures the job.
type DispatchOutboxConfig struct {
	// MaxBatches bounds the batches claimed per run.
	MaxBatches int

	Timeout time.Duration
}

// DefaultDispatchOutboxConfig returns sensible defaults.
func DefaultDispatchOutboxConfig() DispatchOutboxConfig {
	return DispatchOutboxConfig{MaxBatches: 20, Timeout: 5 * time.Minute}
}

// NewDispatchOutboxJob creates the job.
func NewDispatchOutboxJob(d OutboxDispatcher, log *logger.Logger, config DispatchOutboxConfig) *DispatchOutboxJob {
	def := DefaultDispatchOutboxConfig()
	if config.MaxBatches <= 0 {
		config.MaxBatches = def.MaxBatches
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	return &DispatchOutboxJob{dispatcher: d, log: orNop(log).Named("job.dispatch_outbox"), config: config}
}

// Name implements scheduler.Job.
func (j *DispatchOutboxJob) Name() string { return "dispatch_outbox" }

// Description implements scheduler.Job.
func (j *DispatchOutboxJob) Description() string {
	return "Delivers due outbox entries to their collaborators"
}

// Run implements scheduler.Job.
func (j *DispatchOutboxJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	var total messaging.DispatchReport
	defer func() { j.last.Store(&total) }()

	for i := 0; i < j.config.MaxBatches; i++ {
		rep, err := j.dispatcher.DispatchOnce(ctx)
		total.Claimed += rep.Claimed
		total.Delivered += rep.Delivered
		total.Retried += rep.Retried
		total.Rejected += rep.Rejected
		total.Dead += rep.Dead
		if err != nil {
			return err
		}
		if rep.Claimed == 0 {
			break
		}
	}
	if total.Claimed > 0 {
		j.log.Info("outbox drained",
			logger.Int("claimed", total.Claimed),
			logger.Int("delivered", total.Delivered),
			logger.Int("retried", total.Retried),
			logger.Int("dead", total.Dead),
		)
	}
	return nil
}

// LastReport returns the totals of the most recent run.
func (j *DispatchOutboxJob) LastReport() *messaging.DispatchReport {
	return j.last.Load()
}

func orNop(log *logger.Logger) *logger.Logger {
	if log == nil {
		return logger.Nop()
	}
	return log
}
