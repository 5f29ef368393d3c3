package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Loggers holds the two named sinks used by background jobs.
type Loggers struct {
	Application *slog.Logger
	Tracing     *slog.Logger

	closers []io.Closer
}

// Close releases the files behind both sinks.
func (l *Loggers) Close() error {
	var firstErr error
	for _, closer := range l.closers {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.closers = nil
	return firstErr
}

// OpenLoggers opens the application and tracing sinks.
func OpenLoggers(applicationLog, tracingLog, level string) (*Loggers, error) {
	application, applicationCloser, err := Open(applicationLog, level)
	if err != nil {
		return nil, fmt.Errorf("failed to open application log: %w", err)
	}
	tracing, tracingCloser, err := Open(tracingLog, level)
	if err != nil {
		_ = applicationCloser.Close()
		return nil, fmt.Errorf("failed to open tracing log: %w", err)
	}
	return &Loggers{
		Application: application.With("logger", "application"),
		Tracing:     tracing.With("logger", "tracing"),
		closers:     []io.Closer{applicationCloser, tracingCloser},
	}, nil
}

// Open returns a text logger appending to path. An empty path logs to stdout.
func Open(path, level string) (*slog.Logger, io.Closer, error) {
	if path == "" {
		return New(os.Stdout, level), nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return New(file, level), file, nil
}

func New(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
