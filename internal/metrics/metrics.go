package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var connectionStates = []string{"disconnected", "connecting", "qr_pending", "ready"}

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kabar_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kabar_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	connectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kabar_connection_state",
			Help: "Transport connection state (1 for the current state)",
		},
		[]string{"state"},
	)

	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kabar_connection_reconnects_total",
			Help: "Scheduled transport reconnect attempts",
		},
	)

	outboundQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kabar_outbound_queue_depth",
			Help: "Jobs waiting in the outbound message queue",
		},
	)

	outboundResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kabar_outbound_messages_total",
			Help: "Outbound messages by final status",
		},
		[]string{"status"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kabar_notifications_enqueued_total",
			Help: "Total notifications enqueued by type and channel",
		},
		[]string{"type", "channel"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kabar_notifications_processed_total",
			Help: "Total notifications processed by outcome",
		},
		[]string{"status", "channel"},
	)

	notificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kabar_notification_latency_seconds",
			Help:    "Time from enqueue to delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"channel"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kabar_notification_sweep_duration_seconds",
			Help:    "Duration of one pending-notification sweep",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 60},
		},
	)

	stuckRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kabar_notifications_recovered_total",
			Help: "Notifications reset from a stuck processing state",
		},
	)

	inboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kabar_inbound_messages_total",
			Help: "Inbound chat messages by dispatch route",
		},
		[]string{"route"},
	)

	proofVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kabar_payment_proof_verdicts_total",
			Help: "Payment proofs by verdict",
		},
		[]string{"verdict"},
	)

	sinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kabar_event_sink_errors_total",
			Help: "Delivery event publish failures by sink",
		},
		[]string{"sink"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kabar_circuit_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kabar_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kabar_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kabar_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kabar_redis_connections_active",
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

// SetConnectionState marks state as current and clears the others
func SetConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		connectionState.WithLabelValues(s).Set(v)
	}
}

// RecordReconnect records a scheduled reconnect attempt
func RecordReconnect() {
	reconnectsTotal.Inc()
}

// SetOutboundQueueDepth sets the current outbound queue length
func SetOutboundQueueDepth(depth int) {
	outboundQueueDepth.Set(float64(depth))
}

// RecordOutboundResult records the final status of an outbound job
func RecordOutboundResult(status string) {
	outboundResults.WithLabelValues(status).Inc()
}

// RecordNotificationEnqueued records a notification enqueue event
func RecordNotificationEnqueued(notifType, channel string) {
	notificationsEnqueued.WithLabelValues(notifType, channel).Inc()
}

// RecordNotificationProcessed records notification processing result
func RecordNotificationProcessed(status, channel string) {
	notificationsProcessed.WithLabelValues(status, channel).Inc()
}

// RecordNotificationLatency records end-to-end notification delivery time
func RecordNotificationLatency(channel string, latency time.Duration) {
	notificationLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordSweep records how long a sweep took
func RecordSweep(duration time.Duration) {
	sweepDuration.Observe(duration.Seconds())
}

// RecordRecovered records rows reset from processing back to pending
func RecordRecovered(count int) {
	stuckRecovered.Add(float64(count))
}

// RecordInbound records an inbound message and the route it took
func RecordInbound(route string) {
	inboundMessages.WithLabelValues(route).Inc()
}

// RecordProofVerdict records the decision taken on a payment proof
func RecordProofVerdict(verdict string) {
	proofVerdicts.WithLabelValues(verdict).Inc()
}

// RecordSinkError records a failed delivery event publish
func RecordSinkError(sink string) {
	sinkErrors.WithLabelValues(sink).Inc()
}

// SetCircuitState records a breaker state for a provider
func SetCircuitState(provider string, state int) {
	circuitState.WithLabelValues(provider).Set(float64(state))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
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
