package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anonchat_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anonchat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	envelopesAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anonchat_envelopes_appended_total",
			Help: "Envelopes appended, by conversation kind.",
		},
		[]string{"kind"},
	)
	burnFusedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anonchat_burn_fused_total",
			Help: "Burn envelopes whose fuse was started by a first observation.",
		},
	)
	burnPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anonchat_burn_purged_total",
			Help: "Burn envelopes removed after their fuse elapsed.",
		},
	)
	conversationsExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anonchat_conversations_expired_total",
			Help: "Conversations found past their TTL and removed.",
		},
		[]string{"kind"},
	)
	conversationMissingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anonchat_conversation_not_found_total",
			Help: "Requests addressed to an unknown or expired conversation.",
		},
		[]string{"op"},
	)
	codeCollisionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anonchat_code_collisions_total",
			Help: "Generated codes that were already taken.",
		},
	)
	storeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anonchat_store_errors_total",
			Help: "Storage backend failures, by operation.",
		},
		[]string{"op"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anonchat_ws_active_connections",
			Help: "Number of active push websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anonchat_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anonchat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		envelopesAppendedTotal,
		burnFusedTotal,
		burnPurgedTotal,
		conversationsExpiredTotal,
		conversationMissingTotal,
		codeCollisionsTotal,
		storeErrorsTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler exposes the default registry.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func IncEnvelopeAppended(kind string) {
	envelopesAppendedTotal.WithLabelValues(kind).Inc()
}

func AddBurnFused(n int) {
	if n > 0 {
		burnFusedTotal.Add(float64(n))
	}
}

func AddBurnPurged(n int) {
	if n > 0 {
		burnPurgedTotal.Add(float64(n))
	}
}

func IncConversationExpired(kind string) {
	conversationsExpiredTotal.WithLabelValues(kind).Inc()
}

func IncConversationMissing(op string) {
	conversationMissingTotal.WithLabelValues(op).Inc()
}

func IncCodeCollision() {
	codeCollisionsTotal.Inc()
}

func IncStoreError(op string) {
	storeErrorsTotal.WithLabelValues(op).Inc()
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
