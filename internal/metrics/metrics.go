package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfaxportal_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sfaxportal_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfaxportal_job_runs_total",
			Help: "Scheduled job runs by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sfaxportal_job_duration_seconds",
			Help:    "Scheduled job run duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"job"},
	)

	remindersProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfaxportal_reminders_total",
			Help: "Reminder records handled by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	reconcileTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfaxportal_reconcile_transitions_total",
			Help: "Status transitions applied by reconciliation",
		},
		[]string{"kind", "to"},
	)

	subscriptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfaxportal_subscriptions_total",
			Help: "Subscription requests by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	breakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfaxportal_breaker_rejections_total",
			Help: "Calls rejected by an open circuit breaker",
		},
		[]string{"breaker"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sfaxportal_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfaxportal_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"path"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sfaxportal_db_connections_active",
			Help: "Acquired database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobRun records one scheduler run. outcome is "success", "failure" or "panic".
func RecordJobRun(job, outcome string, duration time.Duration) {
	jobRuns.WithLabelValues(job, outcome).Inc()
	jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func RecordReminder(kind, outcome string) {
	remindersProcessed.WithLabelValues(kind, outcome).Inc()
}

func RecordTransition(kind, to string) {
	reconcileTransitions.WithLabelValues(kind, to).Inc()
}

func RecordSubscription(kind, outcome string) {
	subscriptions.WithLabelValues(kind, outcome).Inc()
}

func RecordBreakerRejection(breaker string) {
	breakerRejections.WithLabelValues(breaker).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(path string) {
	rateLimitRejections.WithLabelValues(path).Inc()
}

// SetDBConnections sets acquired database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by chi route pattern so ids do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
