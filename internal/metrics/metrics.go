// Package metrics defines the Prometheus collectors shared by the pipeline binaries and the /metrics
// handler that exposes them in the text exposition format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "telemetry"

// Metrics groups every collector. All methods are safe on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	eventsReceived     *prometheus.CounterVec
	eventsRejected     *prometheus.CounterVec
	publishErrors      prometheus.Counter
	eventsProcessed    *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
	sideEffectErrors   *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	retentionRuns      *prometheus.CounterVec
	retentionRows      *prometheus.CounterVec
	retentionLastRun   *prometheus.GaugeVec
	dependencyUp       *prometheus.GaugeVec
}

// New creates the collectors on a fresh registry that also carries the Go runtime and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "events_received_total",
			Help: "Events accepted by the ingestion endpoints.",
		}, []string{"event_type", "endpoint"}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "requests_rejected_total",
			Help: "Ingestion requests rejected, by reason.",
		}, []string{"reason"}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "publish_errors_total",
			Help: "Failed writes to the durable log.",
		}),
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "processor", Name: "events_total",
			Help: "Events handled by the stream processor, by outcome.",
		}, []string{"event_type", "status"}),
		processingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "processor", Name: "duration_seconds",
			Help:    "Time to process one log message.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),
		sideEffectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "processor", Name: "side_effect_errors_total",
			Help: "Best-effort writes (cache, counters, sessions, sinks) that failed.",
		}, []string{"target"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		retentionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retention", Name: "steps_total",
			Help: "Retention steps executed, by outcome.",
		}, []string{"step", "status"}),
		retentionRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retention", Name: "rows_total",
			Help: "Rows archived, expired or deleted by retention.",
		}, []string{"step"}),
		retentionLastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "retention", Name: "last_success_timestamp_seconds",
			Help: "Unix time of the last successful run of each step.",
		}, []string{"step"}),
		dependencyUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dependency_up",
			Help: "1 when the last readiness probe of a dependency succeeded.",
		}, []string{"dependency"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsReceived, m.eventsRejected, m.publishErrors,
		m.eventsProcessed, m.processingDuration, m.sideEffectErrors,
		m.httpRequests, m.httpDuration,
		m.retentionRuns, m.retentionRows, m.retentionLastRun,
		m.dependencyUp,
	)
	return m
}

// Registry returns the underlying registry, e.g. for tests that gather values.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) EventReceived(eventType, endpoint string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(eventType, endpoint).Inc()
}

func (m *Metrics) RequestRejected(reason string) {
	if m == nil {
		return
	}
	m.eventsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}

// EventProcessed records the outcome of one event: ok, error or dead_letter.
func (m *Metrics) EventProcessed(eventType, status string) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) ObserveProcessing(eventType string, d time.Duration) {
	if m == nil {
		return
	}
	m.processingDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

func (m *Metrics) SideEffectFailed(target string) {
	if m == nil {
		return
	}
	m.sideEffectErrors.WithLabelValues(target).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RetentionStep records one retention step; rows is added to the step's row counter on success.
func (m *Metrics) RetentionStep(step string, rows int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.retentionRuns.WithLabelValues(step, "error").Inc()
		return
	}
	m.retentionRuns.WithLabelValues(step, "ok").Inc()
	m.retentionRows.WithLabelValues(step).Add(float64(rows))
	m.retentionLastRun.WithLabelValues(step).SetToCurrentTime()
}

func (m *Metrics) DependencyStatus(name string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.dependencyUp.WithLabelValues(name).Set(v)
}
