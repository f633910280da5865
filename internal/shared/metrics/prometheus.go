package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Timestamp pipeline metrics
	timestampRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timestamp_requests_total",
			Help: "Total number of timestamp requests by terminal outcome",
		},
		[]string{"tenant", "outcome"},
	)

	timestampRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timestamp_request_duration_seconds",
			Help:    "End-to-end timestamp request duration in seconds",
			Buckets: []float64{.05, .1, .2, .3, .5, .7, .9, 1.5, 3, 5},
		},
		[]string{"tenant"},
	)

	providerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total number of outbound provider calls",
		},
		[]string{"provider", "result"},
	)

	providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Outbound provider call duration in seconds",
			Buckets: []float64{.025, .05, .1, .2, .3, .5, 1, 2.5, 5},
		},
		[]string{"provider"},
	)

	hedgesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timestamp_hedges_total",
			Help: "Total number of hedge dispatches",
		},
		[]string{"provider"},
	)

	providerHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_health_state",
			Help: "Provider health state (0=down, 1=degraded, 2=healthy)",
		},
		[]string{"provider"},
	)

	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_probes_total",
			Help: "Total number of synthetic health probes",
		},
		[]string{"provider", "result"},
	)

	validationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_validation_failures_total",
			Help: "Total number of token validation failures by check",
		},
		[]string{"provider", "check"},
	)

	replaysDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replays_detected_total",
			Help: "Total number of duplicate serial numbers rejected",
		},
		[]string{"provider"},
	)

	// Queue metrics
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backlog_queue_depth",
			Help: "Queued requests per tenant",
		},
		[]string{"tenant"},
	)

	queueOverflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backlog_queue_overflows_total",
			Help: "Enqueue attempts rejected by per-tenant capacity",
		},
		[]string{"tenant"},
	)

	queueDrainedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backlog_queue_drained_total",
			Help: "Queued requests drained by result",
		},
		[]string{"result"},
	)

	deadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backlog_dead_letters_total",
			Help: "Queued requests retired past max retention or retries",
		},
		[]string{"tenant"},
	)

	auditRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_records_total",
			Help: "Total number of audit records appended",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath normalizes URL paths for metrics to avoid cardinality explosion
func normalizePath(path string) string {
	if len(path) > 100 {
		return "/api/..."
	}
	return path
}

// --- Pipeline metric helpers ---

// RecordTimestampRequest records a terminal hot-path outcome
func RecordTimestampRequest(tenant, outcome string, duration time.Duration) {
	timestampRequestsTotal.WithLabelValues(tenant, outcome).Inc()
	timestampRequestDuration.WithLabelValues(tenant).Observe(duration.Seconds())
}

// RecordProviderRequest records an outbound provider call
func RecordProviderRequest(provider, result string, duration time.Duration) {
	providerRequestsTotal.WithLabelValues(provider, result).Inc()
	providerRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordHedge records a hedge dispatch to a secondary provider
func RecordHedge(provider string) {
	hedgesTotal.WithLabelValues(provider).Inc()
}

// RecordProviderHealth records a provider health transition
func RecordProviderHealth(provider string, state int) {
	providerHealth.WithLabelValues(provider).Set(float64(state))
}

// RecordProbe records a synthetic probe result
func RecordProbe(provider string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	probesTotal.WithLabelValues(provider, result).Inc()
}

// RecordValidationFailure records a failed validator check
func RecordValidationFailure(provider, check string) {
	validationFailuresTotal.WithLabelValues(provider, check).Inc()
}

// RecordReplayDetected records a duplicate serial number rejection
func RecordReplayDetected(provider string) {
	replaysDetectedTotal.WithLabelValues(provider).Inc()
}

// RecordQueueDepth records the current queue depth for a tenant
func RecordQueueDepth(tenant string, depth int) {
	queueDepth.WithLabelValues(tenant).Set(float64(depth))
}

// RecordQueueOverflow records a backpressure rejection
func RecordQueueOverflow(tenant string) {
	queueOverflowsTotal.WithLabelValues(tenant).Inc()
}

// RecordQueueDrained records a drained entry by result
func RecordQueueDrained(result string) {
	queueDrainedTotal.WithLabelValues(result).Inc()
}

// RecordDeadLetter records an entry retired to the dead-letter table
func RecordDeadLetter(tenant string) {
	deadLettersTotal.WithLabelValues(tenant).Inc()
}

// RecordAuditRecord records an audit record append
func RecordAuditRecord() {
	auditRecordsTotal.Inc()
}
