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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkemail_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulkemail_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	segmentRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkemail_segment_runs_total",
			Help: "Total segment runs by resulting campaign status",
		},
		[]string{"status"},
	)

	recipientSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkemail_recipient_sends_total",
			Help: "Total recipient send attempts by result",
		},
		[]string{"result"},
	)

	deliveryEventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkemail_delivery_events_total",
			Help: "Total delivery events processed by type and result",
		},
		[]string{"type", "result"},
	)

	deliveryEventLag = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulkemail_delivery_event_lag_seconds",
			Help:    "Time from provider event timestamp to pipeline apply",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"type"},
	)

	rateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkemail_rate_limit_denials_total",
			Help: "Token bucket acquisitions denied by class",
		},
		[]string{"class"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bulkemail_sqs_messages_in_flight",
			Help: "Current messages being processed from SQS",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bulkemail_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	apiRateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkemail_api_rate_limit_rejections_total",
			Help: "API requests rejected by rate limiter",
		},
		[]string{"key"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bulkemail_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bulkemail_redis_connections_active",
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

// RecordSegmentRun records one segment run and the campaign status it produced
func RecordSegmentRun(status string) {
	segmentRuns.WithLabelValues(status).Inc()
}

// RecordRecipientSend records one recipient send attempt
func RecordRecipientSend(result string) {
	recipientSends.WithLabelValues(result).Inc()
}

// RecordDeliveryEvent records one processed delivery event
func RecordDeliveryEvent(eventType, result string) {
	deliveryEventsProcessed.WithLabelValues(eventType, result).Inc()
}

// RecordDeliveryEventLag records provider-to-apply latency for an event
func RecordDeliveryEventLag(eventType string, lag time.Duration) {
	deliveryEventLag.WithLabelValues(eventType).Observe(lag.Seconds())
}

// RecordRateLimitDenied records a token bucket denial
func RecordRateLimitDenied(class string) {
	rateLimitDenials.WithLabelValues(class).Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordAPIRateLimitRejection records an API rate limit rejection
func RecordAPIRateLimitRejection(key string) {
	apiRateLimitRejections.WithLabelValues(key).Inc()
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

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
