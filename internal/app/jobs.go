package app

import (
	"fmt"

	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// NewScheduler registers the background jobs on their configured schedules.
func (c *Container) NewScheduler() (*scheduler.Scheduler, error) {
	sc := c.Config.Scheduler
	s := scheduler.New(scheduler.Config{
		Logger:   c.Log,
		Observer: c.Metrics,
	})

	timeout := sc.JobTimeout
	entries := []struct {
		spec   string
		job    scheduler.Job
		runNow bool
	}{
		{sc.Dispatch, jobs.NewDispatchOutboxJob(c.Dispatcher, c.Log, jobs.DispatchOutboxConfig{Timeout: timeout}), true},
		{sc.PaceSweep, jobs.NewPaceSweepJob(c.Aggregator, c.Log, timeout), false},
		{sc.CatchUp, jobs.NewCatchUpJob(c.Aggregator, c.Log, timeout), true},
		{sc.Reconcile, jobs.NewReconcileSagasJob(c.Log, timeout, c.Sagas.Publication, c.Sagas.Fanout), true},
	}
	for _, e := range entries {
		if e.spec == "" || e.spec == "off" {
			c.Log.Info("job disabled by configuration", logger.String("job", e.job.Name()))
			continue
		}
		schedule, err := scheduler.ParseSchedule(e.spec)
		if err != nil {
			return nil, fmt.Errorf("schedule for %s: %w", e.job.Name(), err)
		}
		if err := s.Register(e.job, schedule, e.runNow); err != nil {
			return nil, err
		}
	}
	return s, nil
}
