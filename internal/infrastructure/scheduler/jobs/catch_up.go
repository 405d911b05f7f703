package jobs

import (
	"context"
	"time"

	"github.com/alem-hub/progress-engine/pkg/logger"
)

// CatchUpper reapplies ledger events an enrollment has not seen yet.
type CatchUpper interface {
	CatchUp(ctx context.Context) (int, error)
}

// CatchUpJob repairs enrollments whose save was lost after the ledger append.
type CatchUpJob struct {
	target  CatchUpper
	log     *logger.Logger
	timeout time.Duration
}

// NewCatchUpJob creates the job. A zero timeout means ten minutes.
func NewCatchUpJob(target CatchUpper, log *logger.Logger, timeout time.Duration) *CatchUpJob {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &CatchUpJob{target: target, log: orNop(log).Named("job.catch_up"), timeout: timeout}
}

// Name implements scheduler.Job.
func (j *CatchUpJob) Name() string { return "catch_up" }

// Description implements scheduler.Job.
func (j *CatchUpJob) Description() string {
	return "Reapplies ledger events newer than each enrollment's last applied sequence"
}

// Run implements scheduler.Job.
func (j *CatchUpJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	n, err := j.target.CatchUp(ctx)
	if n > 0 {
		j.log.Warn("enrollments caught up", logger.Int("enrollments", n))
	}
	return err
}
