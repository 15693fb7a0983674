package middleware

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/trialvault/trialvault/internal/logger"
	"github.com/trialvault/trialvault/internal/telemetry"
)

// NewRecover recovers from panics in handlers, logs them with the stack and
// forwards them to telemetry. The client receives a generic 500.
func NewRecover(log logger.Logger) echo.MiddlewareFunc {
	return middleware.RecoverWithConfig(middleware.RecoverConfig{
		DisableErrorHandler: true,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			if log != nil {
				log.Error("panic in request handler",
					logger.String("method", c.Request().Method),
					logger.String("uri", c.Request().RequestURI),
					logger.Error(err),
					logger.String("stack", string(stack)))
			}
			telemetry.CaptureError(fmt.Errorf("panic in %s %s: %w", c.Request().Method, c.Path(), err), "api")
			return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
		},
	})
}
