package libtracker

import (
	"context"
	"log/slog"
	"time"
)

type contextKey string

// ActivityTracker records the lifecycle of a single operation.
//
// Start returns three callbacks: reportErr records a failure, reportChange
// records the id and new state of whatever the operation mutated, and end
// closes the activity. Callers typically defer end immediately.
type ActivityTracker interface {
	Start(
		ctx context.Context,
		operation string,
		subject string,
		kvArgs ...any,
	) (reportErr func(err error), reportChange func(id string, data any), end func())
}

// NoopTracker discards everything.
type NoopTracker struct{}

func (NoopTracker) Start(context.Context, string, string, ...any) (func(error), func(string, any), func()) {
	return func(error) {}, func(string, any) {}, func() {}
}

// ChainedTracker fans every call out to all of its trackers.
type ChainedTracker []ActivityTracker

func (c ChainedTracker) Start(ctx context.Context, operation string, subject string, kvArgs ...any) (func(error), func(string, any), func()) {
	errFns := make([]func(error), 0, len(c))
	changeFns := make([]func(string, any), 0, len(c))
	endFns := make([]func(), 0, len(c))
	for _, t := range c {
		e, ch, en := t.Start(ctx, operation, subject, kvArgs...)
		errFns = append(errFns, e)
		changeFns = append(changeFns, ch)
		endFns = append(endFns, en)
	}
	return func(err error) {
			for _, f := range errFns {
				f(err)
			}
		}, func(id string, data any) {
			for _, f := range changeFns {
				f(id, data)
			}
		}, func() {
			// reverse order, like deferred calls
			for i := len(endFns) - 1; i >= 0; i-- {
				endFns[i]()
			}
		}
}

// LogActivityTracker writes activities to a slog.Logger.
type LogActivityTracker struct {
	logger *slog.Logger
}

func NewLogActivityTracker(logger *slog.Logger) *LogActivityTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogActivityTracker{logger: logger}
}

func (t *LogActivityTracker) Start(ctx context.Context, operation string, subject string, kvArgs ...any) (func(error), func(string, any), func()) {
	start := time.Now()
	attrs := append([]any{
		"operation", operation,
		"subject", subject,
	}, trackingAttrs(ctx)...)
	attrs = append(attrs, kvArgs...)
	logger := t.logger.With(attrs...)
	logger.DebugContext(ctx, "activity started")

	failed := false
	reportErr := func(err error) {
		if err == nil {
			return
		}
		failed = true
		logger.ErrorContext(ctx, "activity failed", "error", err, "duration", time.Since(start))
	}
	reportChange := func(id string, data any) {
		logger.InfoContext(ctx, "activity changed state", "entity_id", id, "data", data)
	}
	end := func() {
		if failed {
			return
		}
		logger.DebugContext(ctx, "activity finished", "duration", time.Since(start))
	}
	return reportErr, reportChange, end
}

// trackingAttrs pulls request/trace ids out of ctx. A missing request id is
// logged as SERVERBUG so entry points that forgot to stamp one are visible.
func trackingAttrs(ctx context.Context) []any {
	requestID, ok := ctx.Value(ContextKeyRequestID).(string)
	if !ok || requestID == "" {
		requestID = "SERVERBUG"
	}
	attrs := []any{"request_id", requestID}
	if traceID, ok := ctx.Value(ContextKeyTraceID).(string); ok && traceID != "" {
		attrs = append(attrs, "trace_id", traceID)
	}
	if spanID, ok := ctx.Value(ContextKeySpanID).(string); ok && spanID != "" {
		attrs = append(attrs, "span_id", spanID)
	}
	return attrs
}

var (
	_ ActivityTracker = NoopTracker{}
	_ ActivityTracker = ChainedTracker{}
	_ ActivityTracker = (*LogActivityTracker)(nil)
)
