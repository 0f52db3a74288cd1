package cmsketch

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with the field names used across this package.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. If handler is nil, a
// text handler writing to stderr at info level is used.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger writing human-readable text to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards everything.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// WithSketch tags every record with the sketch shape.
func (l *Logger) WithSketch(width, depth uint32) *Logger {
	return &Logger{Logger: l.Logger.With("width", width, "depth", depth)}
}

// LogUnderflow logs a decrement that saturated at zero.
func (l *Logger) LogUnderflow(ctx context.Context, key []byte, delta int, estimate uint32) {
	l.DebugContext(ctx, "counter underflow",
		"key", string(key),
		"delta", delta,
		"estimate", estimate,
	)
}

// LogReset logs a reset of all counters.
func (l *Logger) LogReset(ctx context.Context, total uint64) {
	l.DebugContext(ctx, "sketch reset", "total", total)
}

// LogMerge logs a merge of two sketches.
func (l *Logger) LogMerge(ctx context.Context, added uint64, err error) {
	if err != nil {
		l.WarnContext(ctx, "sketch merge failed", "error", err)
		return
	}
	l.DebugContext(ctx, "sketch merged", "added", added)
}

// LogWindow logs the start of a new rolling window.
func (l *Logger) LogWindow(ctx context.Context, windows int, evicted bool) {
	l.DebugContext(ctx, "rolling window started",
		"windows", windows,
		"evicted", evicted,
	)
}
