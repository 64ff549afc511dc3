// Package metrics provides Prometheus metrics for the event store node.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the node.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	AppendsTotal         *prometheus.CounterVec
	AppendLatency        *prometheus.HistogramVec
	ConcurrencyConflicts *prometheus.CounterVec

	ForwardsTotal *prometheus.CounterVec

	QueueDepth *prometheus.GaugeVec

	SchemaViolations *prometheus.CounterVec

	StorageOperations *prometheus.CounterVec
	StorageLatency    *prometheus.HistogramVec
	StorageErrors     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "eventstore_requests_total", Help: "Total number of HTTP requests"},
		[]string{"method", "path", "status"},
	)
	m.RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "eventstore_request_duration_seconds", Help: "HTTP request latency in seconds", Buckets: prometheus.DefBuckets},
		[]string{"method", "path"},
	)
	m.RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "eventstore_requests_in_flight", Help: "Number of HTTP requests currently being processed"},
	)

	m.AppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "eventstore_appends_total", Help: "Total number of append attempts"},
		[]string{"outcome"}, // ok, conflict, error
	)
	m.AppendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "eventstore_append_latency_seconds", Help: "Append latency in seconds, measured at the HTTP handler", Buckets: prometheus.DefBuckets},
		[]string{"backend"},
	)
	m.ConcurrencyConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "eventstore_concurrency_conflicts_total", Help: "Total number of OCC rejections"},
		[]string{"backend"},
	)

	m.ForwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "eventstore_forwards_total", Help: "Total number of appends forwarded to another node"},
		[]string{"outcome"},
	)

	m.QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "eventstore_worker_queue_depth", Help: "Buffered jobs on a worker shard"},
		[]string{"shard"},
	)

	m.SchemaViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "eventstore_schema_violations_total", Help: "Total number of schema structural violations observed"},
		[]string{"subject", "policy"},
	)

	m.StorageOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "eventstore_storage_operations_total", Help: "Total number of storage operations"},
		[]string{"backend", "operation"},
	)
	m.StorageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "eventstore_storage_latency_seconds", Help: "Storage operation latency in seconds", Buckets: prometheus.DefBuckets},
		[]string{"backend", "operation"},
	)
	m.StorageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "eventstore_storage_errors_total", Help: "Total number of storage errors"},
		[]string{"backend", "operation"},
	)

	m.registry.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.RequestsInFlight,
		m.AppendsTotal, m.AppendLatency, m.ConcurrencyConflicts,
		m.ForwardsTotal, m.QueueDepth, m.SchemaViolations,
		m.StorageOperations, m.StorageLatency, m.StorageErrors,
	)
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Middleware returns HTTP middleware that records request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		m.RequestsInFlight.Inc()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RequestsInFlight.Dec()
		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath normalizes a URL path to reduce label cardinality.
func normalizePath(path string) string {
	switch {
	case startsWith(path, "/streams/") && contains(path, "/events"):
		return "/streams/{stream_id}/events"
	case startsWith(path, "/streams/") && contains(path, "/snapshot"):
		return "/streams/{stream_id}/snapshot"
	case startsWith(path, "/schemas/"):
		return "/schemas/{subject}"
	}
	return path
}

func startsWith(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func contains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// RecordAppend records the outcome of an append attempt.
func (m *Metrics) RecordAppend(backend, outcome string, duration time.Duration) {
	m.AppendsTotal.WithLabelValues(outcome).Inc()
	m.AppendLatency.WithLabelValues(backend).Observe(duration.Seconds())
	if outcome == "conflict" {
		m.ConcurrencyConflicts.WithLabelValues(backend).Inc()
	}
}

// RecordForward records the outcome of a forwarded append.
func (m *Metrics) RecordForward(outcome string) {
	m.ForwardsTotal.WithLabelValues(outcome).Inc()
}

// RecordStorageOperation records a storage operation.
func (m *Metrics) RecordStorageOperation(backend, operation string, duration time.Duration, err error) {
	m.StorageOperations.WithLabelValues(backend, operation).Inc()
	m.StorageLatency.WithLabelValues(backend, operation).Observe(duration.Seconds())
	if err != nil {
		m.StorageErrors.WithLabelValues(backend, operation).Inc()
	}
}

// RecordSchemaViolation records a structural violation found while
// validating an event payload.
func (m *Metrics) RecordSchemaViolation(subject, policy string) {
	m.SchemaViolations.WithLabelValues(subject, policy).Inc()
}

// SetQueueDepth reports the current buffered job count for a worker shard.
func (m *Metrics) SetQueueDepth(shard string, depth float64) {
	m.QueueDepth.WithLabelValues(shard).Set(depth)
}
