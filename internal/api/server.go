package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/trialvault/trialvault/internal/api/auth"
	mw "github.com/trialvault/trialvault/internal/api/middleware"
	"github.com/trialvault/trialvault/internal/conf"
	"github.com/trialvault/trialvault/internal/locking"
	"github.com/trialvault/trialvault/internal/logger"
	"github.com/trialvault/trialvault/internal/observability"
	"github.com/trialvault/trialvault/internal/observability/metrics"
)

// LockService is the part of the lock manager the endpoint drives.
type LockService interface {
	TryLock(ctx context.Context, path string) error
	ForceLock(ctx context.Context, path string) error
	Unlock(ctx context.Context, path string) error
	Status(ctx context.Context, path string) (*locking.Status, error)
}

var _ LockService = (*locking.Manager)(nil)

// Server is the HTTP server for the lock endpoint.
// It manages the Echo framework instance, middleware, and all HTTP routes.
type Server struct {
	echo   *echo.Echo
	config *Config
	log    logger.Logger
	access logger.Logger

	locks       LockService
	authService auth.Service
	metrics     *observability.Metrics
	checks      []healthCheck

	version   string
	startTime time.Time
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the logger for the server. The access log goes to the
// "access" submodule of it.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// WithMetrics sets the metrics recorded by the middleware and served on
// the metrics path.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAuthService replaces the authentication service built from settings.
func WithAuthService(svc auth.Service) ServerOption {
	return func(s *Server) {
		s.authService = svc
	}
}

// WithHealthCheck adds a dependency to the health report. A failing
// critical check makes the server report itself unhealthy.
func WithHealthCheck(name string, critical bool, check func(context.Context) error) ServerOption {
	return func(s *Server) {
		s.checks = append(s.checks, healthCheck{name: name, critical: critical, check: check})
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new HTTP server with the given settings and options.
func New(settings *conf.Settings, locks LockService, opts ...ServerOption) (*Server, error) {
	config := ConfigFromSettings(settings)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	s := &Server{
		config:    config,
		locks:     locks,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.log == nil {
		s.log = GetLogger()
	}
	s.access = s.log.Module("access")
	if s.authService == nil {
		s.authService = auth.NewBasicService(&settings.Auth)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Debug = config.Debug
	s.echo.HTTPErrorHandler = s.handleHTTPError

	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	s.log.Info("HTTP server initialized",
		logger.String("listen", config.Listen),
		logger.Bool("auth", s.authService.IsAuthRequired()),
		logger.Bool("allow_force", config.AllowForce),
		logger.Bool("metrics", config.MetricsEnabled))

	return s, nil
}

func (s *Server) httpMetrics() *metrics.HTTPMetrics {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.HTTP
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(mw.NewRecover(s.log))
	s.echo.Use(mw.NewRequestID())
	s.echo.Use(mw.NewRequestLogger(s.access, s.httpMetrics()))
	s.echo.Use(mw.NewBodyLimit(s.config.BodyLimit))
	s.echo.Use(mw.NewSecureHeaders())

	if s.config.RateLimit > 0 {
		s.echo.Use(mw.NewRateLimiter(s.config.RateLimit, s.config.RateBurst, s.httpMetrics()))
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/api/v1/health", s.handleHealth)

	if s.config.MetricsEnabled && s.metrics != nil {
		s.echo.GET(s.config.MetricsPath, echo.WrapHandler(s.metrics.Handler()))
	}

	authMiddleware := auth.NewMiddleware(s.authService, s.httpMetrics()).Authenticate()
	content := s.echo.Group("/content", authMiddleware)
	content.POST("/*", s.handleLockAction)
	content.GET("/*", s.handleLockStatus)
}

// handleHTTPError renders errors returned by handlers and middleware in
// the endpoint's {"status":"error","error":...} shape.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := http.StatusText(code)

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		} else {
			message = http.StatusText(code)
		}
	}

	if code >= http.StatusInternalServerError {
		s.log.WithContext(c.Request().Context()).Error("request failed",
			logger.String("method", c.Request().Method),
			logger.Path(c.Request().URL.Path),
			logger.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, errorResponse(message))
	}
	if err != nil {
		s.log.Warn("failed to write error response", logger.Error(err))
	}
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", logger.String("listen", s.config.Listen))
		if err := s.echo.Start(s.config.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	if err := s.Shutdown(); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.log.Info("server shutdown complete")
	return nil
}

// Echo returns the underlying Echo instance.
// This is useful for testing or advanced configuration.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
