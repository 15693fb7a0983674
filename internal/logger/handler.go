package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	// Timezone names resolve on hosts without a zoneinfo database.
	_ "time/tzdata"
)

// traceLevel sits below slog's Debug (-4).
const traceLevel = slog.Level(-8)

// NewSlogLogger returns a Logger writing text records to w at level. A nil
// w writes to stdout, a nil tz renders times in local time.
func NewSlogLogger(w io.Writer, level LogLevel, tz *time.Location) Logger {
	if w == nil {
		w = os.Stdout
	}
	if tz == nil {
		tz = time.Local
	}
	lvl := parseLevel(string(level))
	return newScoped("", newTextHandler(w, lvl, tz), lvl)
}

// newTextHandler renders console records. Timestamps are left to journald
// or the container runtime; other time values are shown in tz.
func newTextHandler(w io.Writer, level slog.Level, tz *time.Location) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			if t, ok := a.Value.Any().(time.Time); ok {
				return slog.String(a.Key, t.In(tz).Format(time.RFC3339))
			}
			return renameTrace(a)
		},
	})
}

// newJSONHandler renders file records.
func newJSONHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			return renameTrace(a)
		},
	})
}

// renameTrace prints traceLevel as TRACE instead of DEBUG-4.
func renameTrace(a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= traceLevel {
		return slog.String(slog.LevelKey, "TRACE")
	}
	return a
}

// fanout combines outputs into one handler.
func fanout(outputs []slog.Handler) slog.Handler {
	if len(outputs) == 1 {
		return outputs[0]
	}
	return slog.NewMultiHandler(outputs...)
}

func parseLevel(level string) slog.Level {
	switch LogLevel(level) {
	case LogLevelTrace:
		return traceLevel
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadTimezone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	tz, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", name, err)
	}
	return tz, nil
}

// scopedLogger is the Logger of one module.
type scopedLogger struct {
	module string
	out    slog.Handler
	level  slog.Level
	fields []Field
}

func newScoped(module string, out slog.Handler, level slog.Level) *scopedLogger {
	return &scopedLogger{module: module, out: out, level: level}
}

func (l *scopedLogger) Module(name string) Logger {
	if l.module != "" {
		name = l.module + "." + name
	}
	return &scopedLogger{module: name, out: l.out, level: l.level, fields: l.fields}
}

func (l *scopedLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	combined := make([]Field, 0, len(l.fields)+len(fields))
	combined = append(append(combined, l.fields...), fields...)
	return &scopedLogger{module: l.module, out: l.out, level: l.level, fields: combined}
}

func (l *scopedLogger) WithContext(ctx context.Context) Logger {
	return l.With(contextFields(ctx)...)
}

func (l *scopedLogger) Trace(msg string, fields ...Field) { l.log(traceLevel, msg, fields) }
func (l *scopedLogger) Debug(msg string, fields ...Field) { l.log(slog.LevelDebug, msg, fields) }
func (l *scopedLogger) Info(msg string, fields ...Field)  { l.log(slog.LevelInfo, msg, fields) }
func (l *scopedLogger) Warn(msg string, fields ...Field)  { l.log(slog.LevelWarn, msg, fields) }
func (l *scopedLogger) Error(msg string, fields ...Field) { l.log(slog.LevelError, msg, fields) }

// Flush is a no-op; files belong to the CentralLogger.
func (l *scopedLogger) Flush() error { return nil }

func (l *scopedLogger) log(level slog.Level, msg string, fields []Field) {
	if l == nil || level < l.level {
		return
	}
	ctx := context.Background()
	if !l.out.Enabled(ctx, level) {
		return
	}

	attrs := make([]slog.Attr, 0, 1+len(l.fields)+len(fields))
	if l.module != "" {
		attrs = append(attrs, slog.String("module", l.module))
	}
	for _, f := range l.fields {
		attrs = append(attrs, toAttr(redact(f)))
	}
	for _, f := range fields {
		attrs = append(attrs, toAttr(redact(f)))
	}

	r := slog.NewRecord(time.Now(), level, msg, 0)
	r.AddAttrs(attrs...)
	_ = l.out.Handle(ctx, r)
}

func toAttr(f Field) slog.Attr {
	switch v := f.Value.(type) {
	case string:
		return slog.String(f.Key, v)
	case int:
		return slog.Int(f.Key, v)
	case float64:
		return slog.Float64(f.Key, v)
	case bool:
		return slog.Bool(f.Key, v)
	case time.Time:
		return slog.Time(f.Key, v)
	case time.Duration:
		// slog renders durations as nanoseconds in JSON
		return slog.String(f.Key, v.Round(time.Millisecond).String())
	default:
		return slog.Any(f.Key, v)
	}
}
