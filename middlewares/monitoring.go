package middlewares

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storefront_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	orderOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_order_operations_total",
			Help: "Total number of order operations",
		},
		[]string{"operation", "status"},
	)

	checkoutRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_checkout_rejections_total",
			Help: "Checkouts refused before or during the order transaction",
		},
		[]string{"reason"},
	)

	gatewayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_gateway_events_total",
			Help: "Payment gateway webhook deliveries by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	consumedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_consumed_messages_total",
			Help: "Broker messages handled by the order consumer",
		},
		[]string{"event_type", "status"},
	)
)

// PrometheusMiddleware records request count and latency per route.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
	}
}

func RecordOrderOperation(operation string, success bool) {
	orderOperations.WithLabelValues(operation, outcome(success)).Inc()
}

func RecordCheckoutRejection(reason string) {
	checkoutRejections.WithLabelValues(reason).Inc()
}

func RecordGatewayEvent(eventType, result string) {
	gatewayEvents.WithLabelValues(eventType, result).Inc()
}

func RecordConsumedMessage(eventType string, success bool) {
	consumedMessages.WithLabelValues(eventType, outcome(success)).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
