package logger

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/trialvault/trialvault/internal/errors"
)

const (
	fileBufferSize = 32 << 10
	flushInterval  = 5 * time.Second

	// Audit records name the principals who locked clinical data, so log
	// files are readable by the service account only.
	logFileMode = 0o600
	logDirMode  = 0o700
)

var errWriterClosed = errors.NewStd("log file is closed")

// fileWriter appends buffered records to a log file, flushing every
// flushInterval and on Close. It is safe for concurrent use.
type fileWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func newFileWriter(path string) (*fileWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, logDirMode); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFileMode) //nolint:gosec // operator-configured path
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	w := &fileWriter{
		file: f,
		buf:  bufio.NewWriterSize(f, fileBufferSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.flushLoop()
	return w, nil
}

func (w *fileWriter) flushLoop() {
	defer close(w.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			// a failing flush shows up on the next Write
			_ = w.Flush()
		}
	}
}

func (w *fileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, errWriterClosed
	}
	return w.buf.Write(p)
}

// Flush writes buffered records to the file without fsync.
func (w *fileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.buf.Flush()
}

// Close stops the flush loop, then flushes, syncs and closes the file.
func (w *fileWriter) Close() error {
	w.closeOnce.Do(func() { close(w.stop) })
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := errors.Join(w.buf.Flush(), w.file.Sync(), w.file.Close())
	w.file = nil
	return err
}
