package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name  string
	runs  atomic.Int32
	err   error
	block chan struct{}
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "test job" }

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return j.err
}

type recordingObserver struct {
	mu    sync.Mutex
	names []string
}

func (o *recordingObserver) ObserveJob(name string, _ time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names = append(o.names, name)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	s := New(DefaultConfig())
	job := &countingJob{name: "a"}

	require.NoError(t, s.Register(job, Every(time.Hour), false))
	assert.ErrorIs(t, s.Register(job, Every(time.Hour), false), ErrJobAlreadyExists)
	assert.ErrorIs(t, s.Register(nil, Every(time.Hour), false), ErrNilJob)
	assert.ErrorIs(t, s.Register(&countingJob{name: "b"}, nil, false), ErrNilSchedule)
}

func TestRunNowRecordsResult(t *testing.T) {
	obs := &recordingObserver{}
	s := New(Config{Observer: obs})
	boom := errors.New("boom")
	require.NoError(t, s.Register(&countingJob{name: "ok"}, Every(time.Hour), false))
	require.NoError(t, s.Register(&countingJob{name: "bad", err: boom}, Every(time.Hour), false))

	res, err := s.RunNow(context.Background(), "ok")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Manual)

	_, err = s.RunNow(context.Background(), "bad")
	assert.ErrorIs(t, err, boom)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	hist := s.GetHistory(0)
	require.Len(t, hist, 2)
	assert.Equal(t, "ok", hist[0].JobName)
	assert.Equal(t, []string{"ok", "bad"}, obs.names)
}

func TestStartRunsDueJobsWithoutOverlap(t *testing.T) {
	s := New(Config{Tick: 5 * time.Millisecond})
	job := &countingJob{name: "slow", block: make(chan struct{})}
	require.NoError(t, s.Register(job, Every(time.Millisecond), true))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)

	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), job.runs.Load(), "a running job is not started again")

	infos := s.ListJobs()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Running)

	close(job.block)
	require.Eventually(t, func() bool { return job.runs.Load() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
}

func TestDisabledJobDoesNotRun(t *testing.T) {
	s := New(Config{Tick: 5 * time.Millisecond})
	job := &countingJob{name: "off"}
	require.NoError(t, s.Register(job, Every(time.Millisecond), true))
	require.NoError(t, s.SetEnabled("off", false))

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Stop())

	assert.Zero(t, job.runs.Load())
	assert.ErrorIs(t, s.SetEnabled("missing", true), ErrJobNotFound)
}

type panicJob struct{}

func (panicJob) Name() string                { return "panic" }
func (panicJob) Description() string         { return "" }
func (panicJob) Run(_ context.Context) error { panic("boom") }

func TestPanickingJobIsReportedAsFailure(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.Register(panicJob{}, Every(time.Hour), false))

	res, err := s.RunNow(context.Background(), "panic")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, err.Error(), "panicked")
}
