// Package metrics defines the Prometheus metric collectors used across the
// service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	IndexOpsTotal        *prometheus.CounterVec
	IndexOpDuration      *prometheus.HistogramVec
	PartialWritesTotal   *prometheus.CounterVec
	DriftMemberships     *prometheus.GaugeVec
	RebuildDuration      *prometheus.HistogramVec
	RebuildRecords       *prometheus.GaugeVec
	EventsPublished      *prometheus.CounterVec
	EventsDropped        prometheus.Counter
	WorkerMessagesTotal  *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all metrics and registers them with the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates all metrics and registers them with reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		IndexOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nabulines",
				Subsystem: "index_manager",
				Name:      "operations_total",
				Help:      "Index manager operations by entity type, operation, and result.",
			},
			[]string{"entity_type", "op", "result"},
		),
		IndexOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "nabulines",
				Subsystem: "index_manager",
				Name:      "operation_duration_seconds",
				Help:      "Index manager operation latency in seconds.",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
			},
			[]string{"entity_type", "op"},
		),
		PartialWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nabulines",
				Subsystem: "index_manager",
				Name:      "partial_writes_total",
				Help:      "Compound writes that failed after some of their writes were applied.",
			},
			[]string{"entity_type", "op"},
		),
		DriftMemberships: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "nabulines",
				Subsystem: "index_manager",
				Name:      "drift_memberships",
				Help:      "Index memberships found out of line with records by the last verify or rebuild.",
			},
			[]string{"entity_type", "kind"},
		),
		RebuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "nabulines",
				Subsystem: "index_manager",
				Name:      "rebuild_duration_seconds",
				Help:      "Duration of rebuild and verify runs.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"entity_type", "mode"},
		),
		RebuildRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "nabulines",
				Subsystem: "index_manager",
				Name:      "rebuild_records_scanned",
				Help:      "Primary records scanned by the last rebuild or verify.",
			},
			[]string{"entity_type"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nabulines",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Index events handed to Kafka by result.",
			},
			[]string{"result"},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nabulines",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Index events dropped because the buffer was full.",
			},
		),
		WorkerMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nabulines",
				Subsystem: "worker",
				Name:      "messages_total",
				Help:      "Record-write commands processed by operation and result.",
			},
			[]string{"op", "result"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.IndexOpsTotal,
		m.IndexOpDuration,
		m.PartialWritesTotal,
		m.DriftMemberships,
		m.RebuildDuration,
		m.RebuildRecords,
		m.EventsPublished,
		m.EventsDropped,
		m.WorkerMessagesTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
