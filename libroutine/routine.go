// Package libroutine provides a circuit breaker and breaker-guarded
// background loops.
package libroutine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("libroutine: circuit open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Routine is a circuit breaker. After threshold consecutive failures it
// opens and rejects calls until resetTimeout has passed; then it lets a
// single probe through and closes again if the probe succeeds.
type Routine struct {
	mu           sync.Mutex
	state        State
	failures     int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	probing      bool
}

func NewRoutine(threshold int, resetTimeout time.Duration) *Routine {
	if threshold < 1 {
		threshold = 1
	}
	return &Routine{
		state:        Closed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

// Allow reports whether a call may proceed. Once the reset timeout elapses
// an open breaker moves to half-open; from there exactly one probe is admitted
// until it reports back through Execute.
func (rm *Routine) Allow() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.allowLocked()
}

func (rm *Routine) allowLocked() bool {
	switch rm.state {
	case Closed:
		return true
	case Open:
		if time.Since(rm.lastFailure) < rm.resetTimeout {
			return false
		}
		rm.state = HalfOpen
		rm.probing = false
		return true
	case HalfOpen:
		if rm.probing {
			return false
		}
		rm.probing = true
		return true
	}
	return false
}

// Execute runs fn if the breaker allows it and records the outcome. An error
// caused by ctx itself being cancelled or expired is returned but not recorded.
func (rm *Routine) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	rm.mu.Lock()
	if !rm.allowLocked() {
		rm.mu.Unlock()
		return ErrCircuitOpen
	}
	if rm.state == HalfOpen {
		rm.probing = true
	}
	rm.mu.Unlock()

	err := fn(ctx)

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err == nil {
		rm.state = Closed
		rm.failures = 0
		rm.probing = false
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		// The caller gave up; that says nothing about the dependency.
		rm.probing = false
		return err
	}
	rm.lastFailure = time.Now()
	if rm.state == HalfOpen {
		rm.state = Open
		rm.probing = false
		return err
	}
	rm.failures++
	if rm.failures >= rm.threshold {
		rm.state = Open
	}
	return err
}

// ExecuteWithRetry calls Execute up to maxAttempts times, sleeping interval
// between attempts. An open breaker or a done context ends the retries early.
func (rm *Routine) ExecuteWithRetry(ctx context.Context, interval time.Duration, maxAttempts int, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = rm.Execute(ctx, fn)
		if err == nil || errors.Is(err, ErrCircuitOpen) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return err
}

// Loop runs fn immediately, then on every tick of interval and whenever
// triggerChan fires, until ctx is done. Errors, including ErrCircuitOpen,
// are passed to errHandle.
func (rm *Routine) Loop(ctx context.Context, interval time.Duration, triggerChan <-chan struct{}, fn func(ctx context.Context) error, errHandle func(err error)) {
	run := func() {
		if err := rm.Execute(ctx, fn); err != nil {
			errHandle(err)
		}
	}
	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		case <-triggerChan:
			run()
		}
	}
}

func (rm *Routine) GetState() State {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.state
}

func (rm *Routine) ForceClose() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.state = Closed
	rm.failures = 0
	rm.probing = false
}

// logStateChange is used by loops to surface transitions once.
func logStateChange(key string, from, to State) {
	if from == to {
		return
	}
	slog.Info("routine state changed", "key", key, "from", from.String(), "to", to.String())
}
