// Package middleware provides HTTP middleware components for the trialvault server.
package middleware

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/trialvault/trialvault/internal/api/auth"
	"github.com/trialvault/trialvault/internal/logger"
	"github.com/trialvault/trialvault/internal/observability/metrics"
)

// NewRequestLogger creates a request logging middleware that also records
// request metrics. Both log and m may be nil.
func NewRequestLogger(log logger.Logger, m *metrics.HTTPMetrics) echo.MiddlewareFunc {
	return NewRequestLoggerWithSkipper(log, m, nil)
}

// NewRequestLoggerWithSkipper creates a request logging middleware with a custom skipper.
func NewRequestLoggerWithSkipper(log logger.Logger, m *metrics.HTTPMetrics, skipper middleware.Skipper) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper:      skipper,
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		LogRoutePath: true,
		LogUserAgent: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if m != nil {
				route := v.RoutePath
				if route == "" {
					route = "unmatched"
				}
				m.RecordHTTPRequest(v.Method, route, v.Status, v.Latency.Seconds())
				m.RecordHTTPResponseSize(v.Method, route, c.Response().Size)
				if v.Error != nil {
					m.RecordHTTPRequestError(v.Method, route, errorType(v.Status))
				}
			}

			if log == nil {
				return nil
			}

			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency),
			}
			if user, ok := c.Get(auth.CtxKeyUsername).(string); ok && user != "" {
				fields = append(fields, logger.String("user", user))
			}

			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
				log.Warn("request", fields...)
				return nil
			}
			log.Info("request", fields...)
			return nil
		},
	})
}

func errorType(status int) string {
	switch {
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return "other"
	}
}
