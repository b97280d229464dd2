// Package logging wraps charmbracelet/log for the ionic daemon.
//
// The global Logger writes to a dated file under the data directory.
// Components that need their own sink (tests, the TUI) call New.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
)

var (
	// Logger is the global logger instance. It discards output until Init.
	Logger = New(io.Discard)

	logFile *os.File
)

// New returns a debug-level logger writing to w.
func New(w io.Writer) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           log.DebugLevel,
	})
}

// Init opens <dir>/logs/ionic-<date>.log and points Logger at it.
// When alsoStderr is set, records are duplicated to stderr.
func Init(dir string, alsoStderr bool) error {
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(logDir, fmt.Sprintf("ionic-%s.log", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	logFile = f

	var w io.Writer = f
	if alsoStderr {
		w = io.MultiWriter(f, os.Stderr)
	}
	Logger = New(w)
	Logger.Info("ionic started", "log", logPath)
	return nil
}

// Close flushes and closes the log file.
func Close() {
	Logger.Info("ionic shutting down")
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	Logger = New(io.Discard)
}

// WithPrefix returns a child of the global logger tagged with prefix.
func WithPrefix(prefix string) *log.Logger {
	return Logger.WithPrefix(prefix)
}

// Info logs an info message on the global logger.
func Info(msg string, keyvals ...interface{}) { Logger.Info(msg, keyvals...) }

// Debug logs a debug message on the global logger.
func Debug(msg string, keyvals ...interface{}) { Logger.Debug(msg, keyvals...) }

// Warn logs a warning on the global logger.
func Warn(msg string, keyvals ...interface{}) { Logger.Warn(msg, keyvals...) }

// Error logs an error on the global logger.
func Error(msg string, keyvals ...interface{}) { Logger.Error(msg, keyvals...) }
