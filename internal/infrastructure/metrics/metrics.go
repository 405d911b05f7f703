// Package metrics exposes engine metrics to Prometheus. Metrics implements
// every observer interface the engine reports through.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

const namespace = "progress_engine"

// Metrics holds every collector, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	ledgerRecords *prometheus.CounterVec
	ledgerLatency *prometheus.HistogramVec
	domainEvents  *prometheus.CounterVec
	milestones    *prometheus.CounterVec
	busHandlers   *prometheus.HistogramVec
	busFailures   *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	deliveryTime  *prometheus.HistogramVec
	breakerState  *prometheus.GaugeVec
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

// New creates and registers all collectors, including Go runtime and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ledgerRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "records_total",
			Help: "Activity submissions by type and outcome (accepted or duplicate).",
		}, []string{"type", "outcome"}),
		ledgerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "record_seconds",
			Help:    "Time to record one activity including aggregation.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"outcome"}),
		domainEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "published_total",
			Help: "Domain events published on the event bus.",
		}, []string{"type"}),
		milestones: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "progress", Name: "milestones_total",
			Help: "Milestones triggered by kind.",
		}, []string{"kind"}),
		busHandlers: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "events", Name: "handler_seconds",
			Help:    "Event handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		busFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "handler_failures_total",
			Help: "Event handler errors and panics.",
		}, []string{"type"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "deliveries_total",
			Help: "Outbox delivery attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		deliveryTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "delivery_seconds",
			Help:    "Outbox handler latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"kind"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "breaker_state",
			Help: "Collaborator circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"breaker"}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "runs_total",
			Help: "Scheduled job executions by result.",
		}, []string{"job", "result"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "run_seconds",
			Help:    "Scheduled job duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"job"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRecord implements command.LedgerObserver.
func (m *Metrics) ObserveRecord(activityType string, accepted bool, latency time.Duration) {
	outcome := "duplicate"
	if accepted {
		outcome = "accepted"
	}
	m.ledgerRecords.WithLabelValues(activityType, outcome).Inc()
	m.ledgerLatency.WithLabelValues(outcome).Observe(latency.Seconds())
}

// ObservePublish implements messaging.BusObserver.
func (m *Metrics) ObservePublish(eventType string) {
	m.domainEvents.WithLabelValues(eventType).Inc()
}

// ObserveHandler implements messaging.BusObserver.
func (m *Metrics) ObserveHandler(eventType string, duration time.Duration, err error) {
	m.busHandlers.WithLabelValues(eventType).Observe(duration.Seconds())
	if err != nil {
		m.busFailures.WithLabelValues(eventType).Inc()
	}
}

// ObserveDelivery implements messaging.DispatchObserver.
func (m *Metrics) ObserveDelivery(kind, outcome string, latency time.Duration) {
	m.deliveries.WithLabelValues(kind, outcome).Inc()
	m.deliveryTime.WithLabelValues(kind).Observe(latency.Seconds())
}

// ObserveBreaker implements messaging.DispatchObserver.
func (m *Metrics) ObserveBreaker(name, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(name).Set(v)
}

// ObserveJob implements scheduler.JobObserver.
func (m *Metrics) ObserveJob(name string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.jobRuns.WithLabelValues(name, result).Inc()
	m.jobDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// ObserveHTTP records one request. route is the matched pattern, not the raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, latency time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(latency.Seconds())
}

// Subscribe counts milestone kinds from the event bus.
func (m *Metrics) Subscribe(bus shared.EventSubscriber) error {
	return bus.Subscribe(shared.EventMilestoneTriggered, func(e shared.Event) error {
		kind, _ := e.Payload()["kind"].(string)
		if kind == "" {
			kind = "unknown"
		}
		m.milestones.WithLabelValues(kind).Inc()
		return nil
	})
}
