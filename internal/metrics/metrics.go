package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps a private registry. A nil *Metrics is a valid no-op
// receiver so instrumentation can be disabled without nil checks at
// call sites.
type Metrics struct {
	registry *prometheus.Registry

	jobsQueueDepth     *prometheus.GaugeVec
	jobsStartedTotal   *prometheus.CounterVec
	jobsCompletedTotal *prometheus.CounterVec
	jobsDurationMs     *prometheus.HistogramVec
	jobsRetriedTotal   *prometheus.CounterVec

	refreshAttemptsTotal *prometheus.CounterVec
	refreshResultsTotal  *prometheus.CounterVec

	healthTransitionsTotal *prometheus.CounterVec

	uploadRecoveriesTotal *prometheus.CounterVec

	notificationsTotal *prometheus.CounterVec

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDurationMs *prometheus.HistogramVec

	eventsConnections     prometheus.Gauge
	eventsReconnectsTotal prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.jobsQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobs_queue_depth",
		Help: "Current depth of a job lane.",
	}, []string{"lane"})
	m.jobsStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_started_total",
		Help: "Total number of jobs started.",
	}, []string{"type"})
	m.jobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs completed.",
	}, []string{"type", "status", "error_kind"})
	m.jobsDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobs_duration_ms",
		Help:    "Job duration in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(250, 2, 16),
	}, []string{"type", "status", "error_kind"})
	m.jobsRetriedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of jobs re-queued for another attempt.",
	}, []string{"type"})

	m.refreshAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "token_refresh_attempts_total",
		Help: "Total number of token refresh attempts.",
	}, []string{"provider", "trigger"})
	m.refreshResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "token_refresh_results_total",
		Help: "Total number of token refresh outcomes.",
	}, []string{"provider", "result", "error_kind"})

	m.healthTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_health_transitions_total",
		Help: "Total number of connection health status transitions.",
	}, []string{"provider", "from", "to"})

	m.uploadRecoveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upload_recoveries_total",
		Help: "Total number of upload recovery attempts.",
	}, []string{"provider", "outcome"})

	m.notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Total number of user notifications.",
	}, []string{"kind", "outcome"})

	m.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})
	m.httpRequestDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_ms",
		Help:    "HTTP request duration in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 12),
	}, []string{"method", "route"})

	m.eventsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "events_connections",
		Help: "Number of active realtime connections.",
	})
	m.eventsReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_reconnects_total",
		Help: "Total number of realtime reconnects.",
	})

	reg.MustRegister(
		m.jobsQueueDepth,
		m.jobsStartedTotal,
		m.jobsCompletedTotal,
		m.jobsDurationMs,
		m.jobsRetriedTotal,
		m.refreshAttemptsTotal,
		m.refreshResultsTotal,
		m.healthTransitionsTotal,
		m.uploadRecoveriesTotal,
		m.notificationsTotal,
		m.httpRequestsTotal,
		m.httpRequestDurationMs,
		m.eventsConnections,
		m.eventsReconnectsTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetJobsQueueDepth(lane string, depth int) {
	if m == nil {
		return
	}
	if depth < 0 {
		depth = 0
	}
	m.jobsQueueDepth.WithLabelValues(lane).Set(float64(depth))
}

func (m *Metrics) IncJobsStarted(jobType string) {
	if m == nil {
		return
	}
	m.jobsStartedTotal.WithLabelValues(jobType).Inc()
}

func (m *Metrics) IncJobsCompleted(jobType, status string, errorKind *string) {
	if m == nil {
		return
	}
	m.jobsCompletedTotal.WithLabelValues(jobType, status, normalizeErrorKind(status, errorKind)).Inc()
}

func (m *Metrics) ObserveJobsDuration(jobType, status string, errorKind *string, duration time.Duration) {
	if m == nil {
		return
	}
	ms := float64(duration.Milliseconds())
	if ms < 0 {
		ms = 0
	}
	m.jobsDurationMs.WithLabelValues(jobType, status, normalizeErrorKind(status, errorKind)).Observe(ms)
}

func (m *Metrics) IncJobsRetried(jobType string) {
	if m == nil {
		return
	}
	m.jobsRetriedTotal.WithLabelValues(jobType).Inc()
}

func (m *Metrics) IncRefreshAttempt(provider, trigger string) {
	if m == nil {
		return
	}
	m.refreshAttemptsTotal.WithLabelValues(provider, trigger).Inc()
}

func (m *Metrics) IncRefreshResult(provider, result string, errorKind *string) {
	if m == nil {
		return
	}
	m.refreshResultsTotal.WithLabelValues(provider, result, normalizeErrorKind(result, errorKind)).Inc()
}

func (m *Metrics) IncHealthTransition(provider, from, to string) {
	if m == nil {
		return
	}
	m.healthTransitionsTotal.WithLabelValues(provider, from, to).Inc()
}

func (m *Metrics) IncUploadRecovery(provider, outcome string) {
	if m == nil {
		return
	}
	m.uploadRecoveriesTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) IncNotification(kind, outcome string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = strings.TrimSpace(route)
	if route == "" {
		route = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, route, statusLabel).Inc()
	ms := float64(duration.Milliseconds())
	if ms < 0 {
		ms = 0
	}
	m.httpRequestDurationMs.WithLabelValues(method, route).Observe(ms)
}

func (m *Metrics) IncEventsConnections() {
	if m == nil {
		return
	}
	m.eventsConnections.Inc()
}

func (m *Metrics) DecEventsConnections() {
	if m == nil {
		return
	}
	m.eventsConnections.Dec()
}

func (m *Metrics) IncEventsReconnects() {
	if m == nil {
		return
	}
	m.eventsReconnectsTotal.Inc()
}

func normalizeErrorKind(status string, errorKind *string) string {
	kind := ""
	if errorKind != nil {
		kind = strings.TrimSpace(*errorKind)
	}
	if kind != "" {
		return kind
	}
	if strings.TrimSpace(status) == "failed" || strings.TrimSpace(status) == "failure" {
		return "unknown_error"
	}
	return "none"
}
