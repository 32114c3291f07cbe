package logging

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}

// WithTrace returns a context carrying a fresh trace id so every event
// published during one evaluation cycle can be correlated.
func WithTrace(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(ctx, traceKey{}, id), id
}

// TraceIDFrom returns the trace id stored by WithTrace.
func TraceIDFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(traceKey{}).(string)
	return id, ok && id != ""
}
