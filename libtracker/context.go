package libtracker

import (
	"context"
	"fmt"
	"math/rand/v2"
)

var ContextKeyRequestID = contextKey("request_id")
var ContextKeyTraceID = contextKey("trace_id")
var ContextKeySpanID = contextKey("span_id")

// CopyTrackingValues moves request, trace and span ids from src onto dst.
// Used when work outlives the request context, e.g. a durable write that
// continues on a detached context.
func CopyTrackingValues(src context.Context, dst context.Context) context.Context {
	ctx := dst
	for _, key := range []contextKey{ContextKeyRequestID, ContextKeyTraceID, ContextKeySpanID} {
		if v := src.Value(key); v != nil {
			ctx = context.WithValue(ctx, key, v)
		}
	}
	return ctx
}

// WithNewRequestID stamps a fresh random request ID into ctx. Call it at the
// top of CLI commands and background loops that have no request to inherit from.
func WithNewRequestID(ctx context.Context) context.Context {
	id := fmt.Sprintf("cli-%016x", rand.Uint64())
	return context.WithValue(ctx, ContextKeyRequestID, id)
}

// RequestID returns the request id carried by ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyRequestID).(string)
	return id
}
