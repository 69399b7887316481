package logging

import (
	"context"
	"log/slog"
	"strconv"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	queueIDKey
	toolIDKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithQueueID returns a context with the queue entry ID set.
func WithQueueID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, queueIDKey, id)
}

// WithToolID returns a context with the tool ID set.
func WithToolID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// QueueID extracts the queue entry ID from the context, or 0 if absent.
func QueueID(ctx context.Context) int64 {
	v, _ := ctx.Value(queueIDKey).(int64)
	return v
}

// ToolID extracts the tool ID from the context, or "" if absent.
func ToolID(ctx context.Context) string {
	v, _ := ctx.Value(toolIDKey).(string)
	return v
}

// WithEntry sets all correlation IDs for one queue entry at once.
func WithEntry(ctx context.Context, runID string, queueID int64, toolID string) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = WithQueueID(ctx, queueID)
	ctx = WithToolID(ctx, toolID)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RunID(ctx); id != "" {
		logger = logger.With(slog.String("run_id", id))
	}
	if id := QueueID(ctx); id != 0 {
		logger = logger.With(slog.String("queue_id", strconv.FormatInt(id, 10)))
	}
	if id := ToolID(ctx); id != "" {
		logger = logger.With(slog.String("tool_id", id))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := QueueID(ctx); v != 0 {
		r.AddAttrs(slog.Int64("queue_id", v))
	}
	if v := ToolID(ctx); v != "" {
		r.AddAttrs(slog.String("tool_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
