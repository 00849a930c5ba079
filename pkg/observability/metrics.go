package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Governance metrics
	GateDecisionsTotal       *prometheus.CounterVec
	RateLimitRejectionsTotal *prometheus.CounterVec
	RateLimiterErrorsTotal   prometheus.Counter
	UsageIncrementsTotal     *prometheus.CounterVec
	QuotaThresholdTotal      *prometheus.CounterVec
	AbuseDetectionsTotal     *prometheus.CounterVec
	IntegrationBindingsTotal *prometheus.CounterVec

	// Operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal       *prometheus.CounterVec
	CacheMissesTotal     prometheus.Counter
	CacheComputeDuration prometheus.Histogram

	// Job metrics
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	JobsQueued  *prometheus.GaugeVec
	JobsRunning prometheus.Gauge

	// Event bus metrics
	EventsPublishedTotal      *prometheus.CounterVec
	EventHandlerFailuresTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Business metrics
	ActiveTenantsTotal prometheus.Gauge
	CatalogueReloads   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Governance metrics
		GateDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_gate_decisions_total",
				Help: "Gate decisions by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		RateLimitRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_rate_limit_rejections_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"class"},
		),
		RateLimiterErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "governor_rate_limiter_errors_total",
				Help: "Rate limiter backend failures",
			},
		),
		UsageIncrementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_usage_increments_total",
				Help: "Usage counter increments by limit",
			},
			[]string{"limit"},
		),
		QuotaThresholdTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_quota_threshold_reached_total",
				Help: "Times a tenant crossed the quota warning threshold",
			},
			[]string{"limit"},
		),
		AbuseDetectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_integration_abuse_total",
				Help: "Integration abuse detections",
			},
			[]string{"provider", "abuse_type"},
		),
		IntegrationBindingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_integration_bindings_total",
				Help: "Integration binding changes",
			},
			[]string{"provider", "action"},
		),

		// Operation metrics
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_operations_total",
				Help: "Executed operations by status",
			},
			[]string{"operation", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_operation_duration_seconds",
				Help:    "Operation duration in seconds",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),

		// Cache metrics
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_cache_hits_total",
				Help: "Cache hits by layer",
			},
			[]string{"layer"},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "governor_cache_misses_total",
				Help: "Cache misses that ran a computation",
			},
		),
		CacheComputeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "governor_cache_compute_duration_seconds",
				Help:    "Duration of cache-miss computations",
				Buckets: prometheus.DefBuckets,
			},
		),

		// Job metrics
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_jobs_total",
				Help: "Finished jobs by priority and status",
			},
			[]string{"priority", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_job_duration_seconds",
				Help:    "Job execution duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 30, 60, 300},
			},
			[]string{"priority"},
		),
		JobsQueued: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "governor_jobs_queued",
				Help: "Jobs waiting per priority",
			},
			[]string{"priority"},
		),
		JobsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "governor_jobs_running",
				Help: "Jobs currently executing",
			},
		),

		// Event bus metrics
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_events_published_total",
				Help: "Events published by type",
			},
			[]string{"type"},
		),
		EventHandlerFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_event_handler_failures_total",
				Help: "Event handler errors and panics",
			},
			[]string{"type", "handler"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "governor_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "governor_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "governor_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "governor_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),

		// Business metrics
		ActiveTenantsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "governor_active_tenants_total",
				Help: "Tenants with an active or trialing subscription",
			},
		),
		CatalogueReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_catalogue_reloads_total",
				Help: "Plan catalogue reloads by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.GateDecisionsTotal,
		m.RateLimitRejectionsTotal,
		m.RateLimiterErrorsTotal,
		m.UsageIncrementsTotal,
		m.QuotaThresholdTotal,
		m.AbuseDetectionsTotal,
		m.IntegrationBindingsTotal,
		m.OperationsTotal,
		m.OperationDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheComputeDuration,
		m.JobsTotal,
		m.JobDuration,
		m.JobsQueued,
		m.JobsRunning,
		m.EventsPublishedTotal,
		m.EventHandlerFailuresTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.ActiveTenantsTotal,
		m.CatalogueReloads,
	)

	return m
}

// RecordDBStats copies connection pool statistics into the DB gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
	m.DBConnectionsWaitDuration.Set(stats.WaitDuration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel uses the mux route template so path parameters do not explode
// label cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := routeLabel(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, path).Observe(float64(r.ContentLength))
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(serveMux *http.ServeMux, registry *prometheus.Registry) {
	serveMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
