package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/trialvault/trialvault/internal/logger"
)

const healthCheckTimeout = 2 * time.Second

type healthCheck struct {
	name     string
	critical bool
	check    func(context.Context) error
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version,omitempty"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Timestamp     string            `json:"timestamp"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// handleHealth handles the server health check endpoint. It answers 503
// when a critical dependency fails; non-critical failures degrade the
// status only.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	uptime := time.Since(s.startTime)
	resp.Uptime = uptime.Truncate(time.Second).String()
	resp.UptimeSeconds = uptime.Seconds()

	code := http.StatusOK
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
	}
	for _, hc := range s.checks {
		err := hc.check(ctx)
		if err == nil {
			resp.Checks[hc.name] = "ok"
			continue
		}
		resp.Checks[hc.name] = err.Error()
		if hc.critical {
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			s.log.Warn("health check failed",
				logger.String("check", hc.name),
				logger.Error(err))
		} else if resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}

	return c.JSON(code, resp)
}
