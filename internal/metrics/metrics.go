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
			Name: "oriva_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oriva_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oriva_events_published_total",
			Help: "Platform events accepted or rejected by the publisher",
		},
		[]string{"category", "result"},
	)

	realtimePushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oriva_realtime_pushes_total",
			Help: "Realtime frames pushed to live connections by result",
		},
		[]string{"result"},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oriva_realtime_connections_active",
			Help: "Currently registered realtime connections",
		},
	)

	connectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oriva_realtime_connections_rejected_total",
			Help: "Connection registrations refused by the per-user cap",
		},
	)

	webhookAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oriva_webhook_attempts_total",
			Help: "Webhook HTTP delivery attempts by result",
		},
		[]string{"result"},
	)

	webhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oriva_webhook_deliveries_total",
			Help: "Webhook event deliveries by final outcome",
		},
		[]string{"outcome"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oriva_rate_limit_rejections_total",
			Help: "Requests rejected by the per-app rate limiter",
		},
		[]string{"app_id"},
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

// RecordEventPublished records a publish outcome by category
func RecordEventPublished(category string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	eventsPublished.WithLabelValues(category, result).Inc()
}

// RecordRealtimePush records a frame push outcome
func RecordRealtimePush(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	realtimePushes.WithLabelValues(result).Inc()
}

// SetConnectionsActive sets the live connection gauge
func SetConnectionsActive(count int) {
	connectionsActive.Set(float64(count))
}

// RecordConnectionRejected counts a registration refused by the cap
func RecordConnectionRejected() {
	connectionsRejected.Inc()
}

// RecordWebhookAttempt records a single HTTP delivery try
func RecordWebhookAttempt(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	webhookAttempts.WithLabelValues(result).Inc()
}

// RecordWebhookDelivery records a delivery's final outcome
// (delivered, exhausted, skipped)
func RecordWebhookDelivery(outcome string) {
	webhookDeliveries.WithLabelValues(outcome).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(appID string) {
	rateLimitRejections.WithLabelValues(appID).Inc()
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
