// internal/api/auth/middleware.go
package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/trialvault/trialvault/internal/content"
	"github.com/trialvault/trialvault/internal/logger"
	"github.com/trialvault/trialvault/internal/observability/metrics"
)

// Context keys for authentication values stored in echo.Context.
// These keys are prefixed with "auth:" to prevent collisions with other packages.
const (
	// CtxKeyAuthMethod indicates the authentication method used.
	CtxKeyAuthMethod = "auth:authMethod"
	// CtxKeyUsername contains the authenticated user's username.
	CtxKeyUsername = "auth:username"
)

// Realm is sent in the WWW-Authenticate challenge.
const Realm = "trialvault"

// Middleware provides authentication middleware with the Service
type Middleware struct {
	AuthService Service
	metrics     *metrics.HTTPMetrics
}

// NewMiddleware creates a new auth middleware. m may be nil.
func NewMiddleware(service Service, m *metrics.HTTPMetrics) *Middleware {
	return &Middleware{
		AuthService: service,
		metrics:     m,
	}
}

// Authenticate returns the basic auth middleware. On success the user name
// is stored in the echo context and recorded as the acting principal in the
// request context, where the lock manager picks it up.
func (m *Middleware) Authenticate() echo.MiddlewareFunc {
	return echomw.BasicAuthWithConfig(echomw.BasicAuthConfig{
		Skipper:   m.skip,
		Validator: m.validate,
		Realm:     Realm,
	})
}

// skip bypasses authentication when it is disabled.
func (m *Middleware) skip(c echo.Context) bool {
	if m.AuthService.IsAuthRequired() {
		return false
	}
	c.Set(CtxKeyAuthMethod, AuthMethodNone)
	return true
}

func (m *Middleware) validate(username, password string, c echo.Context) (bool, error) {
	log := m.log()
	if err := m.AuthService.AuthenticateBasic(username, password); err != nil {
		log.Info("basic authentication failed",
			logger.Path(c.Request().URL.Path),
			logger.String("ip", c.RealIP()))
		m.record(metrics.StatusError)
		if m.metrics != nil {
			m.metrics.RecordAuthError(AuthMethodBasicAuth.String(), "invalid_credentials")
		}
		return false, nil
	}

	username = strings.ToLower(username)
	log.Debug("basic authentication successful",
		logger.Path(c.Request().URL.Path),
		logger.String("username", username))
	m.record(metrics.StatusSuccess)

	c.Set(CtxKeyAuthMethod, AuthMethodBasicAuth)
	c.Set(CtxKeyUsername, username)
	req := c.Request()
	c.SetRequest(req.WithContext(content.WithPrincipal(req.Context(), username)))
	return true, nil
}

func (m *Middleware) record(status string) {
	if m.metrics != nil {
		m.metrics.RecordAuthOperation(AuthMethodBasicAuth.String(), status)
	}
}

// log returns the auth package logger.
func (m *Middleware) log() logger.Logger {
	return GetLogger()
}
