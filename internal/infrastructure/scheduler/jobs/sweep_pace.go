package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/alem-hub/progress-engine/internal/application/eventhandler"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// PACE SWEEP JOB
// ══════════════════════════════════════════════════════════════════════════════

// PaceSweeper evaluates schedule milestones for every active enrollment.
type PaceSweeper interface {
	SweepSchedule(ctx context.Context) (eventhandler.SweepReport, error)
}

// PaceSweepJob detects students who fell behind without producing events.
type PaceSweepJob struct {
	sweeper PaceSweeper
	log     *logger.Logger
	timeout time.Duration

	last atomic.Pointer[eventhandler.SweepReport]
}

// NewPaceSweepJob creates the job. A zero timeout means ten minutes.
func NewPaceSweepJob(s PaceSweeper, log *logger.Logger, timeout time.Duration) *PaceSweepJob {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &PaceSweepJob{sweeper: s, log: orNop(log).Named("job.pace_sweep"), timeout: timeout}
}

// Name implements scheduler.Job.
func (j *PaceSweepJob) Name() string { return "pace_sweep" }

// Description implements scheduler.Job.
func (j *PaceSweepJob) Description() string {
	return "Evaluates behind-schedule milestones for active enrollments at the current time"
}

// Run implements scheduler.Job.
func (j *PaceSweepJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	rep, err := j.sweeper.SweepSchedule(ctx)
	j.last.Store(&rep)
	j.log.Info("pace sweep finished",
		logger.Int("checked", rep.Checked),
		logger.Int("milestones", rep.Milestones),
		logger.Int("failed", rep.Failed),
	)
	return err
}

// LastReport returns the report of the most recent run.
func (j *PaceSweepJob) LastReport() *eventhandler.SweepReport {
	return j.last.Load()
}
