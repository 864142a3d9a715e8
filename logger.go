package quiver

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with quiver-specific context.
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
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	}))}
}

// WithTable adds a table field to the logger.
func (l *Logger) WithTable(name string) *Logger {
	return &Logger{Logger: l.Logger.With("table", name)}
}

// LogInsert logs an insert operation.
func (l *Logger) LogInsert(ctx context.Context, rows int, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed",
			"rows", rows,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "insert completed",
			"rows", rows,
			"version", version,
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, predicate string, deleted int, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"predicate", predicate,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"predicate", predicate,
			"deleted", deleted,
			"version", version,
		)
	}
}

// LogSearch logs a query execution.
func (l *Logger) LogSearch(ctx context.Context, limit, found int, indexed bool, took time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"limit", limit,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"limit", limit,
			"results", found,
			"indexed", indexed,
			"took", took,
		)
	}
}

// LogIndexBuild logs an index build.
func (l *Logger) LogIndexBuild(ctx context.Context, sourceVersion uint64, rows int, took time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index build failed",
			"source_version", sourceVersion,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "index build completed",
			"source_version", sourceVersion,
			"rows", rows,
			"took", took,
		)
	}
}

// LogPublish logs a manifest publish attempt, including lost races.
func (l *Logger) LogPublish(ctx context.Context, version uint64, attempt int, err error) {
	if err != nil {
		l.WarnContext(ctx, "publish conflict",
			"version", version,
			"attempt", attempt,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "version published",
			"version", version,
			"attempt", attempt,
		)
	}
}

// LogCleanup logs a retention cleanup pass.
func (l *Logger) LogCleanup(ctx context.Context, versionsRemoved, blobsRemoved int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "cleanup failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "cleanup completed",
			"versions_removed", versionsRemoved,
			"blobs_removed", blobsRemoved,
		)
	}
}
