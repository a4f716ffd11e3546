package libroutine_test

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/contenox/tablechat/libroutine"
	"github.com/stretchr/testify/require"
)

func quiet() func() {
	null, _ := os.Open(os.DevNull)
	sout := os.Stdout
	serr := os.Stderr
	prev := slog.Default()
	os.Stdout = null
	os.Stderr = null
	log.SetOutput(null)
	slog.SetDefault(slog.New(slog.NewTextHandler(null, nil)))
	return func() {
		defer null.Close()
		os.Stdout = sout
		os.Stderr = serr
		log.SetOutput(os.Stderr)
		slog.SetDefault(prev)
	}
}

var errDurable = errors.New("durable store unavailable")

func failing(context.Context) error { return errDurable }
func ok(context.Context) error      { return nil }

func TestUnit_Routine_OpensAfterThreshold(t *testing.T) {
	defer quiet()()
	rm := libroutine.NewRoutine(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, rm.Execute(context.Background(), failing), errDurable)
		require.Equal(t, libroutine.Closed, rm.GetState())
	}
	require.ErrorIs(t, rm.Execute(context.Background(), failing), errDurable)
	require.Equal(t, libroutine.Open, rm.GetState())

	var called bool
	err := rm.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, libroutine.ErrCircuitOpen)
	require.False(t, called)
}

func TestUnit_Routine_SuccessResetsFailureCount(t *testing.T) {
	defer quiet()()
	rm := libroutine.NewRoutine(2, time.Minute)

	require.Error(t, rm.Execute(context.Background(), failing))
	require.NoError(t, rm.Execute(context.Background(), ok))
	require.Error(t, rm.Execute(context.Background(), failing))
	require.Equal(t, libroutine.Closed, rm.GetState())
}

func TestUnit_Routine_HalfOpenAdmitsSingleProbe(t *testing.T) {
	defer quiet()()
	rm := libroutine.NewRoutine(1, 50*time.Millisecond)
	require.Error(t, rm.Execute(context.Background(), failing))
	require.False(t, rm.Allow())

	time.Sleep(80 * time.Millisecond)

	require.True(t, rm.Allow(), "reset timeout elapsed, breaker moves to half-open")
	require.Equal(t, libroutine.HalfOpen, rm.GetState())
	require.True(t, rm.Allow(), "first probe is admitted")
	require.False(t, rm.Allow(), "second probe is rejected while the first is outstanding")
}

func TestUnit_Routine_HalfOpenOutcome(t *testing.T) {
	defer quiet()()

	t.Run("probe success closes", func(t *testing.T) {
		rm := libroutine.NewRoutine(1, 30*time.Millisecond)
		require.Error(t, rm.Execute(context.Background(), failing))
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, rm.Execute(context.Background(), ok))
		require.Equal(t, libroutine.Closed, rm.GetState())
		require.True(t, rm.Allow())
	})

	t.Run("probe failure reopens", func(t *testing.T) {
		rm := libroutine.NewRoutine(1, 30*time.Millisecond)
		require.Error(t, rm.Execute(context.Background(), failing))
		time.Sleep(50 * time.Millisecond)
		require.Error(t, rm.Execute(context.Background(), failing))
		require.Equal(t, libroutine.Open, rm.GetState())
		require.False(t, rm.Allow())
	})
}

func TestUnit_Routine_ForceClose(t *testing.T) {
	defer quiet()()
	rm := libroutine.NewRoutine(2, time.Minute)
	require.Error(t, rm.Execute(context.Background(), failing))
	require.Error(t, rm.Execute(context.Background(), failing))
	require.Equal(t, libroutine.Open, rm.GetState())
	require.ErrorIs(t, rm.Execute(context.Background(), ok), libroutine.ErrCircuitOpen)

	rm.ForceClose()
	require.Equal(t, libroutine.Closed, rm.GetState())
	require.NoError(t, rm.Execute(context.Background(), ok))
}

func TestUnit_Routine_CallerCancellationIsNotAFailure(t *testing.T) {
	rm := libroutine.NewRoutine(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 3 {
		err := rm.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
		require.ErrorIs(t, err, context.Canceled)
	}
	require.Equal(t, libroutine.Closed, rm.GetState())

	expired, cancelExpired := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancelExpired()
	<-expired.Done()
	require.ErrorIs(t, rm.Execute(expired, func(ctx context.Context) error { return ctx.Err() }), context.DeadlineExceeded)
	require.Equal(t, libroutine.Closed, rm.GetState())

	// A failure of the dependency itself still counts.
	require.Error(t, rm.Execute(context.Background(), failing))
	require.Equal(t, libroutine.Open, rm.GetState())
}

func TestUnit_Routine_ExecuteWithRetry(t *testing.T) {
	defer quiet()()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		rm := libroutine.NewRoutine(5, time.Minute)
		var calls int32
		err := rm.ExecuteWithRetry(context.Background(), 5*time.Millisecond, 5, func(context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errDurable
			}
			return nil
		})
		require.NoError(t, err)
		require.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("returns last error when attempts run out", func(t *testing.T) {
		rm := libroutine.NewRoutine(5, time.Minute)
		var calls int32
		err := rm.ExecuteWithRetry(context.Background(), 5*time.Millisecond, 3, func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errDurable
		})
		require.ErrorIs(t, err, errDurable)
		require.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("stops when the breaker opens", func(t *testing.T) {
		rm := libroutine.NewRoutine(1, time.Minute)
		var calls int32
		err := rm.ExecuteWithRetry(context.Background(), 5*time.Millisecond, 3, func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errDurable
		})
		require.ErrorIs(t, err, libroutine.ErrCircuitOpen)
		require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	})

	t.Run("honours cancellation between attempts", func(t *testing.T) {
		rm := libroutine.NewRoutine(5, time.Minute)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		err := rm.ExecuteWithRetry(ctx, time.Second, 3, func(context.Context) error {
			cancel()
			return errDurable
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestUnit_Routine_LoopTrigger(t *testing.T) {
	defer quiet()()
	rm := libroutine.NewRoutine(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trigger := make(chan struct{}, 1)
	ran := make(chan struct{}, 4)
	go rm.Loop(ctx, time.Minute, trigger, func(context.Context) error {
		ran <- struct{}{}
		return nil
	}, func(error) {})

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("loop did not run on start")
	}
	trigger <- struct{}{}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("loop did not run on trigger")
	}
}

func TestUnit_Routine_LoopReportsOpenCircuit(t *testing.T) {
	defer quiet()()
	rm := libroutine.NewRoutine(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trigger := make(chan struct{}, 1)
	errs := make(chan error, 4)
	go rm.Loop(ctx, time.Minute, trigger, failing, func(err error) { errs <- err })

	require.ErrorIs(t, <-errs, errDurable)
	trigger <- struct{}{}
	select {
	case err := <-errs:
		require.ErrorIs(t, err, libroutine.ErrCircuitOpen)
	case <-time.After(time.Second):
		t.Fatal("no error after trigger")
	}
}
