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
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_total",
			Help: "Campaign messages attempted, by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	sendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_send_latency_seconds",
			Help:    "Provider send latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	campaignTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_campaign_transitions_total",
			Help: "Campaign status transitions by target status",
		},
		[]string{"status"},
	)

	rateLimitWaits = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_rate_limit_wait_seconds",
			Help:    "Waits imposed on dispatch workers by campaign rate limits",
			Buckets: prometheus.ExponentialBuckets(0.5, 4, 8),
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_active_workers",
			Help: "Dispatch workers currently running in this process",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_api_rate_limit_rejections_total",
			Help: "API requests rejected by the per-tenant limiter",
		},
		[]string{"tenant_id"},
	)

	providerBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_provider_breaker_state",
			Help: "Provider circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_redis_connections_active",
			Help: "Active Redis connections",
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

// RecordSend records the outcome of one provider send.
func RecordSend(channel, outcome string, latency time.Duration) {
	messagesSent.WithLabelValues(channel, outcome).Inc()
	sendLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordTransition counts a campaign entering status.
func RecordTransition(status string) {
	campaignTransitions.WithLabelValues(status).Inc()
}

// RecordRateLimitWait observes a wait imposed by a campaign rate limit.
func RecordRateLimitWait(wait time.Duration) {
	rateLimitWaits.Observe(wait.Seconds())
}

// WorkerStarted and WorkerStopped track live dispatch workers.
func WorkerStarted() { activeWorkers.Inc() }

func WorkerStopped() { activeWorkers.Dec() }

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

// SetBreakerState publishes the state of a provider circuit breaker.
func SetBreakerState(provider string, state int) {
	providerBreakerState.WithLabelValues(provider).Set(float64(state))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
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
// are labelled with the chi route pattern so campaign IDs don't explode the
// label space.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
