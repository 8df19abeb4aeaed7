package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	sessionIDKey ctxKey = iota
	stepIDKey
	serviceKey
)

// WithSessionID returns a context with the visitor session ID set.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithService returns a context with the selected service title set.
func WithService(ctx context.Context, title string) context.Context {
	return context.WithValue(ctx, serviceKey, title)
}

// SessionID extracts the session ID from the context, or "" if absent.
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string {
	v, _ := ctx.Value(stepIDKey).(string)
	return v
}

// Service extracts the service title from the context, or "" if absent.
func Service(ctx context.Context) string {
	v, _ := ctx.Value(serviceKey).(string)
	return v
}

// WithIDs sets all three correlation values on the context at once.
// Empty values leave any existing value in place.
func WithIDs(ctx context.Context, sessionID, stepID, service string) context.Context {
	if sessionID != "" {
		ctx = WithSessionID(ctx, sessionID)
	}
	if stepID != "" {
		ctx = WithStepID(ctx, stepID)
	}
	if service != "" {
		ctx = WithService(ctx, service)
	}
	return ctx
}

// LogWith returns a logger enriched with correlation values from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	return logger.With(attrs(ctx)...)
}

// correlated lists the context values copied onto log records, in output order.
var correlated = []struct {
	key string
	get func(context.Context) string
}{
	{"session_id", SessionID},
	{"service", Service},
	{"step_id", StepID},
}

func attrs(ctx context.Context) []any {
	var out []any
	for _, c := range correlated {
		if v := c.get(ctx); v != "" {
			out = append(out, slog.String(c.key, v))
		}
	}
	return out
}

// CorrelationHandler stamps the correlation values from the context onto
// every record logged through the *Context methods.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, c := range correlated {
		if v := c.get(ctx); v != "" {
			r.AddAttrs(slog.String(c.key, v))
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
