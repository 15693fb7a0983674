// Package logger provides module-aware structured logging on log/slog.
//
// Components take a Logger and scope it with Module:
//
//	central, err := logger.NewCentralLogger(&settings.Logging)
//	if err != nil {
//	    return err
//	}
//	defer central.Close()
//
//	log := central.Module("locking")
//	log.Info("subject locked", logger.Path("/trial/A"), logger.Int("nodes", 4))
//
// Console output is text without timestamps, file output is JSON. A module
// may be routed to its own file; the lock audit trail and the HTTP access
// log are kept apart from application logs that way.
//
// Records carry the lock operation and request trace ID of the context they
// were logged under (see WithOperation and WithTraceID), and string values
// that look like credentials are redacted before they are written.
//
// Tests use NewSlogLogger:
//
//	silent := logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
package logger

import (
	"context"
	"time"
)

// LogLevel is a configured severity threshold.
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Field is one key/value pair of a record.
type Field struct {
	Key   string
	Value any
}

// Logger is the logging interface handed to components.
type Logger interface {
	// Module returns a logger for a named module; nested modules are
	// joined with a dot.
	Module(name string) Logger

	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a logger adding fields to every record.
	With(fields ...Field) Logger
	// WithContext returns a logger adding the trace ID and lock operation
	// stored in ctx.
	WithContext(ctx context.Context) Logger

	Flush() error
}

func String(key, value string) Field { return Field{key, value} }

// Strings holds a list such as the node paths touched by a cascade.
func Strings(key string, values []string) Field { return Field{key, values} }

func Int(key string, value int) Field { return Field{key, value} }

func Float64(key string, value float64) Field { return Field{key, value} }

func Bool(key string, value bool) Field { return Field{key, value} }

func Time(key string, value time.Time) Field { return Field{key, value} }

// Duration is rendered rounded to milliseconds, e.g. "1.5s".
func Duration(key string, value time.Duration) Field { return Field{key, value} }

func Any(key string, value any) Field { return Field{key, value} }

// Error records err's message under "error". A nil err logs a nil value.
func Error(err error) Field {
	if err == nil {
		return Field{"error", nil}
	}
	return Field{"error", err.Error()}
}

// Path is the repository path of the node a record is about.
func Path(p string) Field { return Field{"path", p} }

// NodeType is the type (Subject, Form, Lock, Folder) of that node.
func NodeType(t string) Field { return Field{"node_type", t} }

// Actor is the principal a change is recorded for.
func Actor(principal string) Field { return Field{"actor", principal} }

// Action is a lock transition, LOCK or UNLOCK.
func Action(a string) Field { return Field{"action", a} }
