// Package poollog wraps slog.Logger with the request/worker-scoped
// conveniences the pool core needs: attaching a group or worker id to every
// line a component emits without threading those fields through every call.
package poollog

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

type traceIDKey struct{}

var traceIDCounter atomic.Uint64

// Logger wraps slog.Logger with trace ID propagation through context.
type Logger struct {
	*slog.Logger
	traceEnabled bool
}

// Config selects the logger's verbosity and rendering.
type Config struct {
	Level        string // "debug", "info", "warn", "error"
	Format       string // "json" or "text"
	TraceEnabled bool
}

// New builds a Logger writing to stdout per cfg.
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler), traceEnabled: cfg.TraceEnabled}
}

// WithTraceID attaches a freshly minted trace id to ctx.
func WithTraceID(ctx context.Context) context.Context {
	id := traceIDCounter.Add(1)
	return context.WithValue(ctx, traceIDKey{}, id)
}

// TraceID retrieves the trace id attached by WithTraceID, if any.
func TraceID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(traceIDKey{}).(uint64)
	return id, ok
}

// WithGroup returns a logger with the application group name attached.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{Logger: l.Logger.With("group", name), traceEnabled: l.traceEnabled}
}

// WithWorker returns a logger with a worker pid attached.
func (l *Logger) WithWorker(pid int) *Logger {
	return &Logger{Logger: l.Logger.With("worker_pid", pid), traceEnabled: l.traceEnabled}
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, l.withTrace(ctx, args)...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, l.withTrace(ctx, args)...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.Logger.ErrorContext(ctx, msg, l.withTrace(ctx, args)...)
}

func (l *Logger) withTrace(ctx context.Context, args []any) []any {
	if l.traceEnabled {
		if id, ok := TraceID(ctx); ok {
			return append([]any{"trace_id", id}, args...)
		}
	}
	return args
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
