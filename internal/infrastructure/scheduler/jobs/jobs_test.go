package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/application/eventhandler"
	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
)

type batchDispatcher struct {
	batches []messaging.DispatchReport
	calls   int
}

func (d *batchDispatcher) DispatchOnce(context.Context) (messaging.DispatchReport, error) {
	if d.calls >= len(d.batches) {
		d.calls++
		return messaging.DispatchReport{}, nil
	}
	rep := d.batches[d.calls]
	d.calls++
	return rep, nil
}

func TestDispatchOutboxDrainsUntilEmpty(t *testing.T) {
	d := &batchDispatcher{batches: []messaging.DispatchReport{
		{Claimed: 2, Delivered: 2},
		{Claimed: 1, Retried: 1},
	}}
	job := NewDispatchOutboxJob(d, nil, DispatchOutboxConfig{})

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 3, d.calls)

	rep := job.LastReport()
	require.NotNil(t, rep)
	assert.Equal(t, 3, rep.Claimed)
	assert.Equal(t, 2, rep.Delivered)
	assert.Equal(t, 1, rep.Retried)
}

func TestDispatchOutboxStopsAtMaxBatches(t *testing.T) {
	d := &batchDispatcher{batches: []messaging.DispatchReport{{Claimed: 1}, {Claimed: 1}, {Claimed: 1}}}
	job := NewDispatchOutboxJob(d, nil, DispatchOutboxConfig{MaxBatches: 2})

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 2, d.calls)
}

type stubSweeper struct{ rep eventhandler.SweepReport }

func (s stubSweeper) SweepSchedule(context.Context) (eventhandler.SweepReport, error) {
	return s.rep, nil
}

func TestPaceSweepStoresReport(t *testing.T) {
	job := NewPaceSweepJob(stubSweeper{rep: eventhandler.SweepReport{Checked: 4, Milestones: 1}}, nil, 0)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 4, job.LastReport().Checked)
	assert.Equal(t, "pace_sweep", job.Name())
}

type stubReconciler struct {
	kind outbox.Kind
	n    int
	err  error
	ran  bool
}

func (r *stubReconciler) Kind() outbox.Kind { return r.kind }

func (r *stubReconciler) Reconcile(context.Context) (int, error) {
	r.ran = true
	return r.n, r.err
}

func TestReconcileRunsEveryReconciler(t *testing.T) {
	failing := &stubReconciler{kind: outbox.KindContentPublish, err: errors.New("db down")}
	ok := &stubReconciler{kind: outbox.KindCurriculumFanout, n: 2}
	job := NewReconcileSagasJob(nil, 0, failing, ok)

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content_publish")
	assert.True(t, ok.ran)
}

type stubCatchUp struct{ n int }

func (s stubCatchUp) CatchUp(context.Context) (int, error) { return s.n, nil }

func TestCatchUp(t *testing.T) {
	job := NewCatchUpJob(stubCatchUp{n: 1}, nil, 0)
	assert.NoError(t, job.Run(context.Background()))
}
