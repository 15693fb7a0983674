package logger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormLoggerAdapter routes gorm's logging into a Logger, normally the
// content module's. Statements log at TRACE; when they run inside a lock
// transition the records carry its action and root Subject.
//
//	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
//	    Logger: logger.NewGormLoggerAdapter(central.Module("content"), 200*time.Millisecond),
//	})
type GormLoggerAdapter struct {
	log           Logger
	slowThreshold time.Duration
}

// NewGormLoggerAdapter returns an adapter warning about statements slower
// than slowThreshold; zero disables the warning.
func NewGormLoggerAdapter(log Logger, slowThreshold time.Duration) *GormLoggerAdapter {
	if log == nil {
		log = NewSlogLogger(nil, LogLevelInfo, nil)
	}
	return &GormLoggerAdapter{log: log, slowThreshold: slowThreshold}
}

// LogMode is ignored; the module level decides what is written.
func (a *GormLoggerAdapter) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return a
}

func (a *GormLoggerAdapter) Info(ctx context.Context, msg string, data ...any) {
	a.log.WithContext(ctx).Debug(fmt.Sprintf(msg, data...))
}

func (a *GormLoggerAdapter) Warn(ctx context.Context, msg string, data ...any) {
	a.log.WithContext(ctx).Warn(fmt.Sprintf(msg, data...))
}

func (a *GormLoggerAdapter) Error(ctx context.Context, msg string, data ...any) {
	a.log.WithContext(ctx).Error(fmt.Sprintf(msg, data...))
}

// Trace logs one statement. A missing row is how path lookups report an
// unknown node, so ErrRecordNotFound is not treated as a failure.
func (a *GormLoggerAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()
	log := a.log.WithContext(ctx).With(
		String("sql", sql),
		Int("rows_affected", int(rows)),
		Duration("elapsed", elapsed))

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		log.Warn("query error", Error(err))
	case a.slowThreshold > 0 && elapsed > a.slowThreshold:
		log.Warn("slow query", Duration("threshold", a.slowThreshold))
	default:
		log.Trace("sql query")
	}
}
