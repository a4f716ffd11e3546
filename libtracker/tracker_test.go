package libtracker_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/contenox/tablechat/libtracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnit_LogActivityTracker(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tracker := libtracker.NewLogActivityTracker(logger)

	ctx := context.WithValue(context.Background(), libtracker.ContextKeyRequestID, "req-1")
	reportErr, reportChange, end := tracker.Start(ctx, "append", "chat_message", "conversation_id", "c1")
	reportChange("m1", map[string]string{"sender": "customer"})
	reportErr(errors.New("boom"))
	end()

	out := buf.String()
	assert.Contains(t, out, `"request_id":"req-1"`)
	assert.Contains(t, out, `"operation":"append"`)
	assert.Contains(t, out, `"conversation_id":"c1"`)
	assert.Contains(t, out, `"entity_id":"m1"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.NotContains(t, out, "activity finished")
}

func TestUnit_LogActivityTracker_MissingRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	_, _, end := libtracker.NewLogActivityTracker(logger).Start(context.Background(), "list", "chat_message")
	end()
	assert.Contains(t, buf.String(), "SERVERBUG")
}

type countingTracker struct {
	errs, changes, ends *int
}

func (c countingTracker) Start(context.Context, string, string, ...any) (func(error), func(string, any), func()) {
	return func(error) { *c.errs++ }, func(string, any) { *c.changes++ }, func() { *c.ends++ }
}

func TestUnit_ChainedTracker(t *testing.T) {
	var errs, changes, ends int
	chain := libtracker.ChainedTracker{
		countingTracker{&errs, &changes, &ends},
		countingTracker{&errs, &changes, &ends},
		libtracker.NoopTracker{},
	}
	reportErr, reportChange, end := chain.Start(context.Background(), "op", "subject")
	reportErr(errors.New("x"))
	reportChange("id", nil)
	end()
	require.Equal(t, 2, errs)
	require.Equal(t, 2, changes)
	require.Equal(t, 2, ends)
}

func TestUnit_CopyTrackingValues(t *testing.T) {
	src := context.WithValue(context.Background(), libtracker.ContextKeyRequestID, "r")
	src = context.WithValue(src, libtracker.ContextKeyTraceID, "t")
	dst := libtracker.CopyTrackingValues(src, context.Background())
	assert.Equal(t, "r", libtracker.RequestID(dst))
	assert.Equal(t, "t", dst.Value(libtracker.ContextKeyTraceID))
	assert.Nil(t, dst.Value(libtracker.ContextKeySpanID))

	fresh := libtracker.WithNewRequestID(context.Background())
	assert.Contains(t, libtracker.RequestID(fresh), "cli-")
}
