package dasdb

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with dasdb-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithPath adds the backing-file path to the logger.
func (l *Logger) WithPath(path string) *Logger {
	return &Logger{
		Logger: l.Logger.With("path", path),
	}
}

// WithRegion adds a region id field to the logger.
func (l *Logger) WithRegion(id uint32) *Logger {
	return &Logger{
		Logger: l.Logger.With("region", id),
	}
}

// LogAllocate logs a region allocation.
func (l *Logger) LogAllocate(id uint32, err error) {
	if err != nil {
		l.Error("region allocate failed", "region", id, "error", err)
	} else {
		l.Debug("region allocated", "region", id)
	}
}

// LogDeallocate logs a region deallocation.
func (l *Logger) LogDeallocate(id uint32, entries uint64, err error) {
	if err != nil {
		l.Error("region deallocate failed", "region", id, "error", err)
	} else {
		l.Debug("region deallocated", "region", id, "entries", entries)
	}
}

// LogSnapshot logs a file snapshot operation.
func (l *Logger) LogSnapshot(target string, err error) {
	if err != nil {
		l.Error("snapshot failed", "target", target, "error", err)
	} else {
		l.Info("snapshot saved", "target", target)
	}
}

// LogCommit logs a transaction commit.
func (l *Logger) LogCommit(region uint32, ops int, err error) {
	if err != nil {
		l.Error("commit failed", "region", region, "ops", ops, "error", err)
	} else {
		l.Debug("commit applied", "region", region, "ops", ops)
	}
}
