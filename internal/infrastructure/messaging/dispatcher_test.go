package messaging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progress-engine/pkg/retry"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type stubHandler struct {
	kind  outbox.Kind
	calls atomic.Int32
	fn    func(n int32) (string, error)
}

func (h *stubHandler) Kind() outbox.Kind { return h.kind }

func (h *stubHandler) Handle(_ context.Context, _ *outbox.Entry) (string, error) {
	return h.fn(h.calls.Add(1))
}

func unavailableErr() error {
	return shared.WrapError("sink", "Send", shared.ErrCollaboratorUnavailable, "down", errors.New("503"))
}

type dispatchFixture struct {
	repo  *memory.OutboxRepository
	clock *timeutil.FixedClock
	d     *OutboxDispatcher
	entry *outbox.Entry
}

func newDispatchFixture(t *testing.T, maxAttempts int, handlers ...OutboxHandler) *dispatchFixture {
	t.Helper()
	repo := memory.NewOutboxRepository()
	clock := timeutil.NewFixedClock(t0)
	e, err := outbox.NewEntry("e1", outbox.KindNotification, "notify:s1", "s1",
		outbox.NotificationPayload{Topic: "path_completed", StudentID: "s1"}, t0)
	require.NoError(t, err)
	_, inserted, err := repo.Enqueue(context.Background(), e)
	require.NoError(t, err)
	require.True(t, inserted)

	d := NewOutboxDispatcher(repo, DispatcherConfig{
		Lease: time.Minute,
		Backoff: retry.Config{
			MaxAttempts:  maxAttempts,
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
			Multiplier:   2,
		},
		Clock: clock,
	}, handlers...)
	return &dispatchFixture{repo: repo, clock: clock, d: d, entry: e}
}

func (f *dispatchFixture) stored(t *testing.T) *outbox.Entry {
	t.Helper()
	e, err := f.repo.Get(context.Background(), f.entry.ID)
	require.NoError(t, err)
	return e
}

func TestDispatchDelivers(t *testing.T) {
	h := &stubHandler{kind: outbox.KindNotification, fn: func(int32) (string, error) { return "sent", nil }}
	f := newDispatchFixture(t, 5, h)

	report, err := f.d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DispatchReport{Claimed: 1, Delivered: 1}, report)

	e := f.stored(t)
	assert.Equal(t, outbox.StatusDelivered, e.Status)
	assert.Equal(t, "sent", e.Result)
	assert.Equal(t, 1, e.Attempts)

	report, err = f.d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)
}

func TestDispatchRetriesWithBackoff(t *testing.T) {
	h := &stubHandler{kind: outbox.KindNotification, fn: func(n int32) (string, error) {
		if n == 1 {
			return "", unavailableErr()
		}
		return "sent", nil
	}}
	f := newDispatchFixture(t, 5, h)
	ctx := context.Background()

	report, err := f.d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)

	e := f.stored(t)
	assert.Equal(t, outbox.StatusPending, e.Status)
	assert.Equal(t, t0.Add(time.Second), e.NextAttemptAt)
	assert.NotEmpty(t, e.LastError)

	// Not due yet.
	report, err = f.d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)

	f.clock.Advance(time.Second)
	report, err = f.d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 2, f.stored(t).Attempts)
}

func TestDispatchMarksDeadAfterMaxAttempts(t *testing.T) {
	h := &stubHandler{kind: outbox.KindNotification, fn: func(int32) (string, error) {
		return "", errors.New("boom")
	}}
	f := newDispatchFixture(t, 2, h)
	ctx := context.Background()

	_, err := f.d.DispatchOnce(ctx)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	report, err := f.d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dead)
	assert.Equal(t, outbox.StatusDead, f.stored(t).Status)

	f.clock.Advance(time.Hour)
	report, err = f.d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)
	assert.EqualValues(t, 2, h.calls.Load())
}

func TestDispatchPermanentErrorIsDead(t *testing.T) {
	h := &stubHandler{kind: outbox.KindNotification, fn: func(int32) (string, error) {
		return "", retry.Permanent(errors.New("bad payload"))
	}}
	f := newDispatchFixture(t, 5, h)

	report, err := f.d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dead)
	assert.Equal(t, outbox.StatusDead, f.stored(t).Status)
}

func TestDispatchWithoutHandlerIsDead(t *testing.T) {
	f := newDispatchFixture(t, 5)

	report, err := f.d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dead)
	assert.Contains(t, f.stored(t).LastError, "no handler")
}

func TestDispatchPanicIsDead(t *testing.T) {
	h := &stubHandler{kind: outbox.KindNotification, fn: func(int32) (string, error) {
		panic("nil map")
	}}
	f := newDispatchFixture(t, 5, h)

	report, err := f.d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dead)
}

func TestDispatchOpenCircuitSkipsCollaborator(t *testing.T) {
	h := &stubHandler{kind: outbox.KindNotification, fn: func(int32) (string, error) {
		return "", unavailableErr()
	}}
	f := newDispatchFixture(t, 10, h)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		report, err := f.d.DispatchOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, report.Retried)
		f.clock.Advance(10 * time.Second)
	}

	report, err := f.d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)
	assert.EqualValues(t, 3, h.calls.Load())
	assert.Equal(t, outbox.StatusPending, f.stored(t).Status)
}

func TestDispatchRejectionKeepsAttemptBudget(t *testing.T) {
	h := &stubHandler{kind: outbox.KindNotification, fn: func(int32) (string, error) {
		return "", unavailableErr()
	}}
	f := newDispatchFixture(t, 5, h)
	ctx := context.Background()

	// Three real failures open the circuit at t0+20s.
	for i := 0; i < 3; i++ {
		report, err := f.d.DispatchOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, report.Retried)
		f.clock.Advance(10 * time.Second)
	}

	report, err := f.d.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Rejected)

	e := f.stored(t)
	assert.Equal(t, outbox.StatusPending, e.Status)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, t0.Add(65*time.Second), e.NextAttemptAt)

	report, err = f.d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)

	// The half-open probe fails, but only four calls have been made.
	f.clock.Advance(35 * time.Second)
	report, err = f.d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Zero(t, report.Dead)

	e = f.stored(t)
	assert.Equal(t, outbox.StatusPending, e.Status)
	assert.Equal(t, 4, e.Attempts)
	assert.EqualValues(t, 4, h.calls.Load())
}

func TestWakeOnQueuedEvent(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{})
	f := newDispatchFixture(t, 5)
	require.NoError(t, f.d.WakeOn(bus))

	require.NoError(t, bus.Publish(shared.NewSideEffectQueuedEvent("e1", "notification", "notify:s1")))
	require.NoError(t, bus.Close())

	select {
	case <-f.d.wake:
	default:
		t.Fatal("dispatcher was not woken")
	}
}
