package messaging

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

func TestInMemoryBusDeliversTypedAndGlobal(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: false})

	var typed, all []shared.EventType
	require.NoError(t, bus.Subscribe(shared.EventStudentEnrolled, func(e shared.Event) error {
		typed = append(typed, e.EventType())
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		all = append(all, e.EventType())
		return nil
	}))

	require.NoError(t, bus.Publish(shared.NewStudentEnrolledEvent("s1", "go-101", "c1")))
	require.NoError(t, bus.Publish(shared.NewCurriculumPublishedEvent("go-101", 2, false)))

	assert.Equal(t, []shared.EventType{shared.EventStudentEnrolled}, typed)
	assert.Equal(t, []shared.EventType{shared.EventStudentEnrolled, shared.EventCurriculumPublished}, all)
}

func TestInMemoryBusSwallowsHandlerFailures(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: false})
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { return errors.New("nope") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { panic("boom") }))

	assert.NoError(t, bus.Publish(shared.NewStudentEnrolledEvent("s1", "go-101", "")))
}

func TestInMemoryBusAsyncWaitsOnClose(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2})

	var mu sync.Mutex
	n := 0
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		mu.Lock()
		n++
		mu.Unlock()
		return nil
	}))
	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(shared.NewStudentEnrolledEvent("s1", "go-101", "")))
	}
	require.NoError(t, bus.Close())

	assert.Equal(t, 10, n)
	assert.ErrorIs(t, bus.Publish(shared.NewStudentEnrolledEvent("s1", "go-101", "")), ErrEventBusClosed)
}

func TestEnvelopeRoundTripKeepsIdentity(t *testing.T) {
	ev := shared.NewMilestoneTriggeredEvent("m1", "s1", "go-101", "path_completed", 0)
	raw, err := encodeEnvelope("inst-a", ev)
	require.NoError(t, err)

	env, decoded, err := decodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, "inst-a", env.InstanceID)
	assert.Equal(t, ev.EventType(), decoded.EventType())
	assert.Equal(t, ev.AggregateID(), decoded.AggregateID())
	assert.Equal(t, "path_completed", decoded.Payload()["kind"])
}
