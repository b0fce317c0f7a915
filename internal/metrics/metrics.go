package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Console HTTP
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_http_requests_total",
			Help: "Total number of console HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "console_http_request_duration_seconds",
			Help: "Duration of console HTTP requests in seconds",
		},
		[]string{"method", "path"},
	)

	// Church backend API
	BackendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_api_requests_total",
			Help: "Total number of church backend API requests",
		},
		[]string{"endpoint", "status"},
	)
	BackendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "backend_api_request_duration_seconds",
			Help: "Duration of church backend API requests in seconds",
		},
		[]string{"endpoint"},
	)

	// Payment protocol
	PaymentOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_payment_outcomes_total",
			Help: "Payment protocol terminal outcomes by path",
		},
		[]string{"path", "outcome"},
	)
	PaymentIntentsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscription_payment_intents_open",
			Help: "Pay dialogs currently open on this instance",
		},
	)
)

// InitMetrics registers every collector with the default registry
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(BackendRequestsTotal)
	prometheus.MustRegister(BackendRequestDuration)
	prometheus.MustRegister(PaymentOutcomesTotal)
	prometheus.MustRegister(PaymentIntentsOpen)
}

// ObserveBackend records one outbound call; status is "error" when no response arrived
func ObserveBackend(endpoint, status string, started time.Time) {
	BackendRequestsTotal.WithLabelValues(endpoint, status).Inc()
	BackendRequestDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
}

// Middleware counts console requests by route template
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method
			HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
			HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
