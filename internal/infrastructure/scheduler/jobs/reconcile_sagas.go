package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// Reconciler re-queues work whose outbox entry may have been lost after the
// state change that required it.
type Reconciler interface {
	Kind() outbox.Kind
	Reconcile(ctx context.Context) (int, error)
}

// ReconcileSagasJob runs every reconciler; one failing does not stop the rest.
type ReconcileSagasJob struct {
	reconcilers []Reconciler
	log         *logger.Logger
	timeout     time.Duration
}

// NewReconcileSagasJob creates the job. A zero timeout means five minutes.
func NewReconcileSagasJob(log *logger.Logger, timeout time.Duration, reconcilers ...Reconciler) *ReconcileSagasJob {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ReconcileSagasJob{reconcilers: reconcilers, log: orNop(log).Named("job.reconcile_sagas"), timeout: timeout}
}

// Name implements scheduler.Job.
func (j *ReconcileSagasJob) Name() string { return "reconcile_sagas" }

// Description implements scheduler.Job.
func (j *ReconcileSagasJob) Description() string {
	return "Re-queues unpublished workflows and unannounced curriculum versions"
}

// Run implements scheduler.Job.
func (j *ReconcileSagasJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	var errs []error
	for _, r := range j.reconcilers {
		n, err := r.Reconcile(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Kind(), err))
			continue
		}
		if n > 0 {
			j.log.Info("work re-queued", logger.String("kind", string(r.Kind())), logger.Int("queued", n))
		}
	}
	return errors.Join(errs...)
}
