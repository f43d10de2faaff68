package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stageDurationBuckets = []float64{3600, 4 * 3600, 86400, 2 * 86400, 5 * 86400, 10 * 86400, 20 * 86400}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the admissions service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowInitializationsTotal prometheus.Counter
	StageTransitionsTotal        *prometheus.CounterVec
	StageAssignmentsTotal        *prometheus.CounterVec
	StageDuration                *prometheus.HistogramVec
	WorkflowCompletionsTotal     prometheus.Counter
	CommunicationsLoggedTotal    *prometheus.CounterVec

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	IdempotencyReplaysTotal    prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admissions_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admissions_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admissions_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admissions_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflow
		WorkflowInitializationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admissions_workflow_initializations_total",
			Help: "Total number of workflows initialized.",
		}),
		StageTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admissions_stage_transitions_total",
			Help: "Total number of stage status updates.",
		}, []string{"stage_key", "status"}),
		StageAssignmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admissions_stage_assignments_total",
			Help: "Total number of stage reassignments.",
		}, []string{"stage_key"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admissions_stage_duration_seconds",
			Help:    "Time from a stage starting to its completion, in seconds.",
			Buckets: stageDurationBuckets,
		}, []string{"stage_key"}),
		WorkflowCompletionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admissions_workflow_completions_total",
			Help: "Total number of workflows whose final stage completed.",
		}),
		CommunicationsLoggedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admissions_communications_logged_total",
			Help: "Total number of communications logged.",
		}, []string{"channel"}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admissions_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admissions_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admissions_idempotency_replays_total",
			Help: "Total requests answered from the idempotency store.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflow
		m.WorkflowInitializationsTotal,
		m.StageTransitionsTotal,
		m.StageAssignmentsTotal,
		m.StageDuration,
		m.WorkflowCompletionsTotal,
		m.CommunicationsLoggedTotal,
		// Cache
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.IdempotencyReplaysTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowInitialized records a workflow initialization.
func (m *Metrics) RecordWorkflowInitialized() {
	if m == nil {
		return
	}
	m.WorkflowInitializationsTotal.Inc()
}

// RecordStageTransition records a stage status update.
func (m *Metrics) RecordStageTransition(stageKey, status string) {
	if m == nil {
		return
	}
	m.StageTransitionsTotal.WithLabelValues(stageKey, status).Inc()
}

// RecordStageAssignment records a stage reassignment.
func (m *Metrics) RecordStageAssignment(stageKey string) {
	if m == nil {
		return
	}
	m.StageAssignmentsTotal.WithLabelValues(stageKey).Inc()
}

// RecordStageDuration records how long a stage took from start to completion.
func (m *Metrics) RecordStageDuration(stageKey string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stageKey).Observe(duration.Seconds())
}

// RecordWorkflowCompleted records a workflow reaching its terminal state.
func (m *Metrics) RecordWorkflowCompleted() {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.Inc()
}

// RecordCommunicationLogged records a logged communication.
func (m *Metrics) RecordCommunicationLogged(channel string) {
	if m == nil {
		return
	}
	m.CommunicationsLoggedTotal.WithLabelValues(channel).Inc()
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	if m == nil {
		return
	}
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	if m == nil {
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordIdempotencyReplay records a response replayed from the idempotency
// store.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
