package docudb

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with docudb-specific context.
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
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithCollection adds a collection field to the logger.
func (l *Logger) WithCollection(name string) *Logger {
	return &Logger{Logger: l.Logger.With("collection", name)}
}

// WithPartition adds a partition field to the logger.
func (l *Logger) WithPartition(pid uint64) *Logger {
	return &Logger{Logger: l.Logger.With("partition", pid)}
}

// LogInsert logs an insert operation.
func (l *Logger) LogInsert(ctx context.Context, id string, pid uint64, size int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed",
			"id", id,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "insert completed",
		"id", id,
		"partition", pid,
		"size_bytes", size,
	)
}

// LogBatchInsert logs a batch insert operation.
func (l *Logger) LogBatchInsert(ctx context.Context, count, partitions int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "batch insert failed",
			"count", count,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "batch insert completed",
		"count", count,
		"partitions", partitions,
	)
}

// LogQuery logs a query execution.
func (l *Logger) LogQuery(ctx context.Context, partitions, failed, results int, cacheHit bool, latency time.Duration, err error) {
	switch {
	case err != nil:
		l.ErrorContext(ctx, "query failed",
			"partitions", partitions,
			"error", err,
		)
	case failed > 0:
		l.WarnContext(ctx, "query returned partial results",
			"partitions", partitions,
			"failed", failed,
			"results", results,
			"latency", latency,
		)
	default:
		l.DebugContext(ctx, "query completed",
			"partitions", partitions,
			"results", results,
			"cache_hit", cacheHit,
			"latency", latency,
		)
	}
}

// LogVectorSearch logs a vector search.
func (l *Logger) LogVectorSearch(ctx context.Context, field string, k, results int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "vector search failed",
			"field", field,
			"k", k,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "vector search completed",
		"field", field,
		"k", k,
		"results", results,
	)
}

// LogUpdate logs an update operation.
func (l *Logger) LogUpdate(ctx context.Context, updated int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "update failed",
			"updated", updated,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "update completed", "updated", updated)
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, deleted int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"deleted", deleted,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "delete completed", "deleted", deleted)
}

// LogSplit logs a partition split.
func (l *Logger) LogSplit(ctx context.Context, parent uint64, children []uint64, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "partition split failed",
			"partition", parent,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "partition split completed",
		"partition", parent,
		"children", children,
		"table_version", version,
	)
}

// LogRecovery logs the recovery of a collection on open.
func (l *Logger) LogRecovery(ctx context.Context, partitions, indexedDocs, purged int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "collection recovery failed",
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "collection recovered",
		"partitions", partitions,
		"indexed_documents", indexedDocs,
		"purged_partitions", purged,
	)
}

// LogFlush logs an explicit store flush.
func (l *Logger) LogFlush(ctx context.Context, lsn uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "flush completed", "flushed_lsn", lsn)
}
