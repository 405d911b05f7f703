package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
)

func TestObservers(t *testing.T) {
	m := New()

	m.ObserveRecord("lesson_complete", true, time.Millisecond)
	m.ObserveRecord("lesson_complete", false, time.Millisecond)
	m.ObserveRecord("lesson_complete", false, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerRecords.WithLabelValues("lesson_complete", "accepted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ledgerRecords.WithLabelValues("lesson_complete", "duplicate")))

	m.ObserveDelivery("notification", "delivered", 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("notification", "delivered")))

	m.ObserveBreaker("certificate_issue", "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("certificate_issue")))
	m.ObserveBreaker("certificate_issue", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.breakerState.WithLabelValues("certificate_issue")))

	m.ObserveJob("pace_sweep", time.Second, errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("pace_sweep", "failure")))

	m.ObserveHandler("progress.updated", time.Millisecond, errors.New("x"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.busFailures.WithLabelValues("progress.updated")))
}

func TestSubscribeCountsMilestones(t *testing.T) {
	m := New()
	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{})
	require.NoError(t, m.Subscribe(bus))

	require.NoError(t, bus.Publish(shared.NewMilestoneTriggeredEvent("m1", "s1", "p1", "path_completed", 0)))
	require.NoError(t, bus.Publish(shared.NewMilestoneTriggeredEvent("m2", "s2", "p1", "path_completed", 0)))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.milestones.WithLabelValues("path_completed")))
	require.NoError(t, bus.Close())
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTP("GET", "/api/v1/students/:id/progress", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "progress_engine_http_requests_total")
	assert.Contains(t, string(body), "go_goroutines")
}
