package errors

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/getsentry/sentry-go"

	"github.com/trialvault/trialvault/internal/privacy"
)

// TelemetryReporter receives every EnhancedError built while it is
// installed and enabled.
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

var (
	reporterMu sync.RWMutex
	reporter   TelemetryReporter
)

// SetTelemetryReporter installs r; nil removes the current reporter.
func SetTelemetryReporter(r TelemetryReporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	reporter = r
	reporting.Store(r != nil && r.IsEnabled())
}

func GetTelemetryReporter() TelemetryReporter {
	reporterMu.RLock()
	defer reporterMu.RUnlock()
	return reporter
}

func report(ee *EnhancedError) {
	if r := GetTelemetryReporter(); r != nil && r.IsEnabled() {
		r.ReportError(ee)
	}
}

// SentryReporter sends errors to the Sentry hub as events titled by
// component, category and lock action. Messages are scrubbed of
// credentials and participant identifiers first.
type SentryReporter struct {
	enabled bool
}

func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.enabled || ee.IsReported() {
		return
	}

	title := eventTitle(ee)
	message := scrub(fmt.Sprintf("[%s] %s", ee.Category, ee.Err.Error()))
	level := eventLevel(ee.Category)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.GetComponent())
		scope.SetTag("category", string(ee.Category))
		scope.SetTag("error_type", fmt.Sprintf("%T", ee.Err))
		if action := ee.LockAction(); action != "" {
			scope.SetTag(KeyLockAction, action)
		}
		for key, value := range ee.GetContext() {
			if s, ok := value.(string); ok {
				value = scrub(s)
			}
			scope.SetContext(key, map[string]any{"value": value})
		}
		scope.SetLevel(level)
		scope.SetFingerprint([]string{title, string(ee.Category)})

		// Sentry shows the exception type as the issue title.
		event := sentry.NewEvent()
		event.Message = message
		event.Level = level
		event.Exception = []sentry.Exception{{Type: title, Value: message}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

// eventTitle reads like "Locking Database Error During Unlock Checkin".
func eventTitle(ee *EnhancedError) string {
	var parts []string
	if c := ee.GetComponent(); c != "" && c != ComponentUnknown {
		parts = append(parts, titleWords(c))
	}
	parts = append(parts, categoryTitle(ee.Category))

	ctx := ee.GetContext()
	action, _ := ctx[KeyLockAction].(string)
	step, _ := ctx[KeyStep].(string)
	if action != "" || step != "" {
		parts = append(parts, "During")
		if action != "" {
			parts = append(parts, titleWords(strings.ToLower(action)))
		}
		if step != "" && !strings.EqualFold(step, action) {
			parts = append(parts, titleWords(step))
		}
	}
	return strings.Join(parts, " ")
}

func categoryTitle(category ErrorCategory) string {
	switch category {
	case CategoryFileIO:
		return "File I/O Error"
	case CategoryPublish:
		return "Event Publish Error"
	case CategoryMQTTConnection, CategoryMQTTPublish:
		return "MQTT Error"
	case CategorySystem:
		return "System Error"
	case "":
		return "Error"
	default:
		return titleWords(string(category)) + " Error"
	}
}

// titleWords capitalizes each word of s; '-' and '_' separate words.
func titleWords(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || r == ' '
	})
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func eventLevel(category ErrorCategory) sentry.Level {
	switch category {
	case CategoryNetwork, CategoryPublish, CategoryMQTTConnection, CategoryMQTTPublish:
		return sentry.LevelWarning
	case CategoryLocking, CategoryConflict, CategoryNotFound, CategoryValidation, CategoryAuth:
		return sentry.LevelInfo
	default:
		return sentry.LevelError
	}
}

var (
	// Subject identifiers and node UUIDs can identify trial participants.
	identifierPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(subject|user|site)[_-]?id[=:]\S+`),
		regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`),
	}
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(api[_-]?key|token|auth|password)[=:]\S+`),
		regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`),
	}
)

// scrub removes credentials and participant identifiers from s.
func scrub(s string) string {
	s = privacy.ScrubMessage(s)
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "[SECRET_REDACTED]")
	}
	for _, re := range identifierPatterns {
		s = re.ReplaceAllString(s, "[ID_REDACTED]")
	}
	return s
}
