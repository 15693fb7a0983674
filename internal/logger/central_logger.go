package logger

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/trialvault/trialvault/internal/errors"
)

// CentralLogger owns the configured outputs and hands out module loggers.
// A module listed in ModuleOutputs writes to its own file, every other
// module to the console and main log file.
type CentralLogger struct {
	mu     sync.RWMutex
	cfg    *LoggingConfig
	tz     *time.Location
	base   slog.Handler
	files  map[string]*fileWriter // by path, shared by modules naming the same file
	levels map[string]slog.Level
}

// NewCentralLogger opens the outputs described by cfg. Missing sections are
// filled with defaults in place.
func NewCentralLogger(cfg *LoggingConfig) (*CentralLogger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging config cannot be nil")
	}
	applyConfigDefaults(cfg)

	tz, err := loadTimezone(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	cl := &CentralLogger{
		cfg:    cfg,
		tz:     tz,
		files:  make(map[string]*fileWriter),
		levels: make(map[string]slog.Level),
	}
	for module, level := range cfg.ModuleLevels {
		cl.levels[module] = parseLevel(level)
	}

	var outputs []slog.Handler
	if c := cfg.Console; c != nil && c.Enabled {
		outputs = append(outputs, newTextHandler(os.Stdout, parseLevel(c.Level), tz))
	}
	if f := cfg.FileOutput; f != nil && f.Enabled {
		w, err := cl.openFile(f.Path)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, newJSONHandler(w, parseLevel(f.Level)))
	}
	if len(outputs) == 0 {
		outputs = append(outputs, newTextHandler(os.Stdout, parseLevel(cfg.DefaultLevel), tz))
	}
	cl.base = fanout(outputs)

	for module, out := range cfg.ModuleOutputs {
		if !out.Enabled {
			continue
		}
		if _, err := cl.openFile(out.FilePath); err != nil {
			_ = cl.Close()
			return nil, fmt.Errorf("log output for module %s: %w", module, err)
		}
	}
	return cl, nil
}

func (cl *CentralLogger) openFile(path string) (*fileWriter, error) {
	if w, ok := cl.files[path]; ok {
		return w, nil
	}
	w, err := newFileWriter(path)
	if err != nil {
		return nil, err
	}
	cl.files[path] = w
	return w, nil
}

// Module returns the logger for module name.
func (cl *CentralLogger) Module(name string) Logger {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	level, ok := cl.levels[name]
	if !ok {
		level = parseLevel(cl.cfg.DefaultLevel)
	}

	out, routed := cl.cfg.ModuleOutputs[name]
	w, open := cl.files[out.FilePath]
	if !routed || !out.Enabled || !open {
		return newScoped(name, cl.base, level)
	}

	if out.Level != "" {
		level = parseLevel(out.Level)
	}
	outputs := []slog.Handler{newJSONHandler(w, level)}
	if out.ConsoleAlso && cl.cfg.Console != nil && cl.cfg.Console.Enabled {
		outputs = append(outputs, newTextHandler(os.Stdout, level, cl.tz))
	}
	return newScoped(name, fanout(outputs), level)
}

// Flush hands buffered records to the OS without syncing.
func (cl *CentralLogger) Flush() error {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	var errs []error
	for path, w := range cl.files {
		if err := w.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes, syncs and closes every log file. Loggers handed out
// earlier keep working but their file records are dropped.
func (cl *CentralLogger) Close() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	var errs []error
	for path, w := range cl.files {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
	}
	clear(cl.files)
	return errors.Join(errs...)
}

var (
	globalMu sync.Mutex
	global   *CentralLogger
)

// SetGlobal installs cl as the logger returned by Global.
func SetGlobal(cl *CentralLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = cl
}

// Global returns the installed CentralLogger, or an info-level console
// logger before SetGlobal is called.
func Global() *CentralLogger {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global == nil {
		global = &CentralLogger{
			cfg:    &LoggingConfig{DefaultLevel: DefaultLogLevel},
			tz:     time.Local,
			base:   newTextHandler(os.Stdout, slog.LevelInfo, time.Local),
			files:  make(map[string]*fileWriter),
			levels: make(map[string]slog.Level),
		}
	}
	return global
}
