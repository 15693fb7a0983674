// Package telemetry provides opt-in error tracking through Sentry.
package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/trialvault/trialvault/internal/conf"
	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/logger"
	"github.com/trialvault/trialvault/internal/privacy"
)

// Categories that describe expected outcomes of a request rather than
// faults. They are never sent to Sentry.
var expectedCategories = map[errors.ErrorCategory]bool{
	errors.CategoryNotFound:   true,
	errors.CategoryValidation: true,
	errors.CategoryConflict:   true,
	errors.CategoryAuth:       true,
	errors.CategoryLocking:    true,
}

// InitSentry initializes the Sentry SDK and registers it as the reporter
// for enhanced errors. It does nothing unless sentry.enabled is set.
func InitSentry(settings *conf.Settings, version string) error {
	return initSentry(settings, version, nil)
}

func initSentry(settings *conf.Settings, version string, transport sentry.Transport) error {
	log := logger.Global().Module("telemetry")
	if !settings.Sentry.Enabled {
		log.Debug("sentry telemetry is disabled")
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.Sentry.DSN,
		SampleRate:       settings.Sentry.SampleRate,
		Environment:      settings.Sentry.Environment,
		Release:          fmt.Sprintf("trialvault@%s", version),
		AttachStacktrace: false,
		ServerName:       "",
		Transport:        transport,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	errors.SetTelemetryReporter(&reporter{inner: errors.NewSentryReporter(true)})
	log.Info("sentry telemetry enabled",
		logger.String("environment", settings.Sentry.Environment),
		logger.Float64("sample_rate", settings.Sentry.SampleRate))
	return nil
}

// reporter forwards unexpected errors to Sentry.
type reporter struct {
	inner errors.TelemetryReporter
}

func (r *reporter) IsEnabled() bool {
	return r.inner.IsEnabled()
}

func (r *reporter) ReportError(ee *errors.EnhancedError) {
	if expectedCategories[ee.Category] {
		return
	}
	r.inner.ReportError(ee)
}

// applyPrivacyFilters strips host details and credentials, and replaces
// the requesting principal with a pseudonym. Principals are user names of
// clinical staff.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	event.Message = privacy.ScrubMessage(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = privacy.ScrubMessage(event.Exception[i].Value)
	}

	if event.Request != nil {
		event.Request.Cookies = ""
		delete(event.Request.Headers, "Authorization")
		delete(event.Request.Headers, "Cookie")
	}

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
	}

	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}

	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
		if principal, ok := event.Tags["principal"]; ok {
			delete(event.Tags, "principal")
			event.Tags["user_hash"] = privacy.HashPrincipal(principal)
		}
	}
	return event
}

// CaptureError sends err to Sentry when telemetry is enabled. It is used
// for failures that do not pass through an enhanced error, such as
// recovered panics.
func CaptureError(err error, component string) {
	if sentry.CurrentHub().Client() == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		scope.SetLevel(sentry.LevelError)
		sentry.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent.
func Flush(timeout time.Duration) {
	if sentry.CurrentHub().Client() == nil {
		return
	}
	sentry.Flush(timeout)
}
