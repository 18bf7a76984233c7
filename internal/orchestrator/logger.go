package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// RunLogger writes the structured run log: JSON lines to a file and,
// optionally, human-readable lines to a console.
type RunLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger zerolog.Logger
}

// NewRunLogger creates a logger writing JSON lines to logPath and console
// lines to console. An empty path and nil console give a no-op logger.
// Creates parent directories if they don't exist.
func NewRunLogger(logPath string, console io.Writer, level zerolog.Level) (*RunLogger, error) {
	var writers []io.Writer
	l := &RunLogger{}

	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		writers = append(writers, f)
	}
	if console != nil {
		writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: "15:04:05"})
	}

	if len(writers) == 0 {
		l.logger = zerolog.Nop()
		return l, nil
	}
	l.logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()
	return l, nil
}

// RunLogPath is where the log of run id lives inside a work directory.
func RunLogPath(workDir, runID string) string {
	return filepath.Join(workDir, ".caseflow", "logs", runID+".log")
}

// NopLogger returns a no-op logger for testing or when logging is disabled.
func NopLogger() *RunLogger {
	return &RunLogger{logger: zerolog.Nop()}
}

// Logger returns the underlying zerolog logger. Safe to call on nil.
func (l *RunLogger) Logger() zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return l.logger
}

// Path returns the log file path, or "" when not logging to a file.
func (l *RunLogger) Path() string {
	if l == nil || l.file == nil {
		return ""
	}
	return l.file.Name()
}

// Close closes the log file.
// Safe to call on nil logger or logger without file.
func (l *RunLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.file.Close()
	l.file = nil
	return err
}
