package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	cycleIDKey
	loggerKey
)

// NewID returns a fresh request or cycle ID.
func NewID() string {
	return uuid.NewString()
}

// WithRequestIDCtx returns a context carrying a lookup request ID.
func WithRequestIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromCtx returns the request ID in ctx, or "".
func RequestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithCycleIDCtx returns a context carrying a background cycle ID.
func WithCycleIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey, id)
}

// CycleIDFromCtx returns the cycle ID in ctx, or "".
func CycleIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(cycleIDKey).(string)
	return id
}

// WithLoggerCtx attaches a logger to ctx.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromCtx returns the logger attached to ctx, falling back to the global
// logger. Request and cycle IDs found in ctx are applied either way.
func FromCtx(ctx context.Context) *Logger {
	return ContextLogger(ctx, nil)
}

// ContextLogger resolves a logger for ctx: the attached logger, else base,
// else the global logger, tagged with any IDs carried by ctx.
func ContextLogger(ctx context.Context, base *Logger) *Logger {
	l, _ := ctx.Value(loggerKey).(*Logger)
	if l == nil {
		l = base
	}
	if l == nil {
		l = Global()
	}
	if id := RequestIDFromCtx(ctx); id != "" {
		l = l.WithRequestID(id)
	}
	if id := CycleIDFromCtx(ctx); id != "" {
		l = l.WithCycleID(id)
	}
	return l
}

// StartCycle tags ctx with a new cycle ID and returns a logger scoped to it.
func StartCycle(ctx context.Context, base *Logger) (context.Context, *Logger) {
	id := NewID()
	ctx = WithCycleIDCtx(ctx, id)
	return ctx, ContextLogger(ctx, base)
}
