// Package errors wraps failures with the component, category and content
// node they concern, and forwards unexpected ones to an optional reporter.
// It re-exports the standard library helpers so callers need one import.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrorCategory groups errors for telemetry and HTTP status mapping.
type ErrorCategory string

// CategorizedError is implemented by domain errors that know their category,
// such as lock refusals.
type CategorizedError interface {
	error
	ErrorCategory() ErrorCategory
}

const (
	CategoryGeneric       ErrorCategory = "generic"
	CategoryValidation    ErrorCategory = "validation"
	CategoryNotFound      ErrorCategory = "not-found"
	CategoryConflict      ErrorCategory = "conflict"
	CategoryState         ErrorCategory = "state"
	CategoryAuth          ErrorCategory = "authorization"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryFileIO        ErrorCategory = "file-io"
	CategoryFileParsing   ErrorCategory = "file-parsing"
	CategorySystem        ErrorCategory = "system-resource"
	CategoryNetwork       ErrorCategory = "network"
	CategoryHTTP          ErrorCategory = "http-request"
	CategoryDatabase      ErrorCategory = "database"

	CategoryVersioning ErrorCategory = "versioning" // checkout and checkin bookkeeping
	CategoryLocking    ErrorCategory = "locking"    // lock and unlock refusals
	CategoryPublish    ErrorCategory = "event-publish"

	CategoryMQTTConnection ErrorCategory = "mqtt-connection"
	CategoryMQTTPublish    ErrorCategory = "mqtt-publish"
)

// ComponentUnknown is reported when no registered package is on the stack.
const ComponentUnknown = "unknown"

// Context keys set by the builder.
const (
	KeyNodeDepth  = "node_depth"
	KeyNodeType   = "node_type"
	KeyLockAction = "lock_action"
	KeyStep       = "step"
)

// reporting is set while an enabled reporter is installed. Without one
// Build skips the stack walk.
var reporting atomic.Bool

// EnhancedError is an error annotated with where it happened and which
// content node it concerns. Its context is fixed once built.
type EnhancedError struct {
	Err       error
	Category  ErrorCategory
	component string
	context   map[string]any
	reported  atomic.Bool
}

func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches another EnhancedError by category, anything else through the
// wrapped error.
func (ee *EnhancedError) Is(target error) bool {
	if other, ok := target.(*EnhancedError); ok {
		return ee.Category == other.Category
	}
	return stderrors.Is(ee.Err, target)
}

// GetComponent returns the component set on the builder or found on the
// call stack.
func (ee *EnhancedError) GetComponent() string {
	return ee.component
}

// GetContext returns a copy of the error context.
func (ee *EnhancedError) GetContext() map[string]any {
	if ee.context == nil {
		return nil
	}
	return maps.Clone(ee.context)
}

// LockAction returns the lock action the error occurred in, if any.
func (ee *EnhancedError) LockAction() string {
	action, _ := ee.context[KeyLockAction].(string)
	return action
}

func (ee *EnhancedError) MarkReported() {
	ee.reported.Store(true)
}

func (ee *EnhancedError) IsReported() bool {
	return ee.reported.Load()
}

// ErrorBuilder assembles an EnhancedError.
//
//	errors.New(err).
//	    Component("locking").
//	    Category(errors.CategoryDatabase).
//	    NodeContext(subject.Path, subject.Type).
//	    LockContext("LOCK", "checkin").
//	    Build()
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component names the subsystem. Without it the component is looked up
// on the call stack when a reporter is installed.
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// NodeContext records the node's depth and type. Paths of clinical records
// name subjects, so the path itself is never stored.
func (eb *ErrorBuilder) NodeContext(path, nodeType string) *ErrorBuilder {
	if path != "" {
		eb.Context(KeyNodeDepth, nodeDepth(path))
	}
	if nodeType != "" {
		eb.Context(KeyNodeType, nodeType)
	}
	return eb
}

// LockContext records the lock action and the step of the transition that
// failed, e.g. "checkout" or "checkin". An empty step is left out.
func (eb *ErrorBuilder) LockContext(action, step string) *ErrorBuilder {
	if action != "" {
		eb.Context(KeyLockAction, action)
	}
	if step != "" {
		eb.Context(KeyStep, step)
	}
	return eb
}

// Build returns the error and hands it to the reporter, if one is enabled.
func (eb *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       eb.err,
		Category:  eb.category,
		component: eb.component,
		context:   eb.context,
	}

	if !reporting.Load() {
		if ee.component == "" {
			ee.component = ComponentUnknown
		}
		if ee.Category == "" {
			ee.Category = CategoryGeneric
		}
		return ee
	}

	if ee.component == "" {
		ee.component = detectComponent()
	}
	if ee.Category == "" {
		ee.Category = detectCategory(eb.err, ee.component)
	}
	report(ee)
	return ee
}

func nodeDepth(path string) int {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return 0
	}
	return strings.Count(trimmed, "/") + 1
}

// packageComponents maps import path fragments to component names.
var (
	packageComponents = map[string]string{
		"internal/content":   "content",
		"internal/locking":   "locking",
		"internal/events":    "events",
		"internal/api":       "api",
		"internal/conf":      "configuration",
		"internal/mqtt":      "mqtt",
		"internal/client":    "client",
		"internal/telemetry": "telemetry",
		"cmd/seed":           "seed",
	}
	componentsMu sync.RWMutex
)

// RegisterComponent maps functions whose name contains pattern to
// component.
func RegisterComponent(pattern, component string) {
	componentsMu.Lock()
	defer componentsMu.Unlock()
	packageComponents[pattern] = component
}

const selfPackage = "github.com/trialvault/trialvault/internal/errors"

// detectComponent returns the component of the first registered caller
// outside this package.
func detectComponent() string {
	pcs := make([]uintptr, 32)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(3, pcs)])

	componentsMu.RLock()
	defer componentsMu.RUnlock()
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, selfPackage+".") {
			for pattern, component := range packageComponents {
				if strings.Contains(frame.Function, pattern) {
					return component
				}
			}
		}
		if !more {
			return ComponentUnknown
		}
	}
}

// detectCategory derives a category for errors built without one.
func detectCategory(err error, component string) ErrorCategory {
	if err == nil {
		return CategoryGeneric
	}

	var categorized CategorizedError
	if stderrors.As(err, &categorized) {
		return categorized.ErrorCategory()
	}
	var enhanced *EnhancedError
	if stderrors.As(err, &enhanced) && enhanced.Category != "" {
		return enhanced.Category
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "checked in") || strings.Contains(msg, "checkout"):
		return CategoryVersioning
	case strings.Contains(msg, "not found"):
		return CategoryNotFound
	case strings.Contains(msg, "connection") || strings.Contains(msg, "timeout"):
		return CategoryNetwork
	case strings.Contains(msg, "invalid"):
		return CategoryValidation
	}

	switch component {
	case "content":
		return CategoryDatabase
	case "locking":
		return CategoryLocking
	case "events":
		return CategoryPublish
	case "api":
		return CategoryHTTP
	case "configuration":
		return CategoryConfiguration
	}
	return CategoryGeneric
}

// NewStd returns a plain error, as errors.New in the standard library.
func NewStd(text string) error {
	return stderrors.New(text)
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}

func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// IsCategory reports whether err wraps an EnhancedError of category.
func IsCategory(err error, category ErrorCategory) bool {
	var ee *EnhancedError
	return stderrors.As(err, &ee) && ee.Category == category
}
