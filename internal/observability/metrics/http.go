package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics covers the lock endpoint and its authentication. Routes are
// echo route patterns; raw paths would name subjects.
type HTTPMetrics struct {
	collectorSet

	requests      *prometheus.CounterVec   // method, route, status_code
	latency       *prometheus.HistogramVec // method, route
	failures      *prometheus.CounterVec   // method, route, error_type
	responseBytes *prometheus.HistogramVec // method, route
	authAttempts  *prometheus.CounterVec   // auth_type, status
	authFailures  *prometheus.CounterVec   // auth_type, error_type
	rateLimited   prometheus.Counter
}

func NewHTTPMetrics(registry *prometheus.Registry) (*HTTPMetrics, error) {
	route := []string{"method", "route"}
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Requests handled, by route and status code",
		}, []string{"method", "route", "status_code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request handling time",
			Buckets: latencyBuckets,
		}, route),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_request_errors_total",
			Help: "Requests answered with a 4xx or 5xx status, by error class",
		}, []string{"method", "route", "error_type"}),
		responseBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response body size",
			Buckets: responseBuckets,
		}, route),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_auth_operations_total",
			Help: "Authentication attempts by outcome",
		}, []string{"auth_type", "status"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_auth_errors_total",
			Help: "Rejected credentials by cause",
		}, []string{"auth_type", "error_type"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
	m.collectorSet = collectorSet{
		m.requests, m.latency, m.failures, m.responseBytes,
		m.authAttempts, m.authFailures, m.rateLimited,
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register HTTP metrics: %w", err)
	}
	return m, nil
}

func (m *HTTPMetrics) RecordHTTPRequest(method, route string, statusCode int, seconds float64) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.latency.WithLabelValues(method, route).Observe(seconds)
}

// RecordHTTPRequestError counts a failed request; errorType is one of
// validation, conflict, not_found, auth or system.
func (m *HTTPMetrics) RecordHTTPRequestError(method, route, errorType string) {
	m.failures.WithLabelValues(method, route, errorType).Inc()
}

func (m *HTTPMetrics) RecordHTTPResponseSize(method, route string, sizeBytes int64) {
	m.responseBytes.WithLabelValues(method, route).Observe(float64(sizeBytes))
}

func (m *HTTPMetrics) RecordAuthOperation(authType, status string) {
	m.authAttempts.WithLabelValues(authType, status).Inc()
}

func (m *HTTPMetrics) RecordAuthError(authType, errorType string) {
	m.authFailures.WithLabelValues(authType, errorType).Inc()
}

func (m *HTTPMetrics) RecordRateLimited() {
	m.rateLimited.Inc()
}
