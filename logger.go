package buildcache

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with buildcache-specific context.
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
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
	}
}

// WithBackend adds a storage backend field to the logger.
func (l *Logger) WithBackend(backend string) *Logger {
	return &Logger{
		Logger: l.Logger.With("backend", backend),
	}
}

// WithAddr adds a listen or peer address field to the logger.
func (l *Logger) WithAddr(addr string) *Logger {
	return &Logger{
		Logger: l.Logger.With("addr", addr),
	}
}

// LogStartup logs that the server is accepting connections.
func (l *Logger) LogStartup(ctx context.Context, addr, backend string) {
	l.InfoContext(ctx, "server listening",
		"addr", addr,
		"backend", backend,
	)
}

// LogShutdown logs the end of a shutdown.
func (l *Logger) LogShutdown(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "shutdown incomplete",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "server stopped")
	}
}

// LogStoreOpen logs the result of opening a storage backend.
func (l *Logger) LogStoreOpen(ctx context.Context, backend, location string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "opening store failed",
			"backend", backend,
			"location", location,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "store opened",
			"backend", backend,
			"location", location,
		)
	}
}
