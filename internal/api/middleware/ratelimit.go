package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/trialvault/trialvault/internal/observability/metrics"
)

// rateLimitExpiry is how long an idle client's limiter is kept.
const rateLimitExpiry = 3 * time.Minute

// NewRateLimiter limits each client IP to perSecond requests with the given
// burst. Rejections are returned as echo.HTTPError for the server's error
// handler to render. m may be nil.
func NewRateLimiter(perSecond float64, burst int, m *metrics.HTTPMetrics) echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(perSecond),
				Burst:     burst,
				ExpiresIn: rateLimitExpiry,
			},
		),
		IdentifierExtractor: middleware.DefaultRateLimiterConfig.IdentifierExtractor,
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusForbidden, "Unable to identify client").SetInternal(err)
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			if m != nil {
				m.RecordRateLimited()
			}
			return echo.NewHTTPError(http.StatusTooManyRequests, "Too many requests, please wait before trying again")
		},
	})
}
