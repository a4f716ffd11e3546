package libroutine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// LoopConfig describes a managed loop. Threshold and ResetTimeout configure
// the loop's breaker and are fixed by the first StartLoop for a key.
type LoopConfig struct {
	Key          string
	Threshold    int
	ResetTimeout time.Duration
	Interval     time.Duration
	Operation    func(ctx context.Context) error
}

// Group tracks managed loops by key so each runs at most once per process.
type Group struct {
	mu       sync.Mutex
	managers map[string]*Routine
	triggers map[string]chan struct{}
	active   map[string]bool
}

var (
	groupOnce     sync.Once
	groupInstance *Group
)

func GetGroup() *Group {
	groupOnce.Do(func() {
		groupInstance = &Group{
			managers: make(map[string]*Routine),
			triggers: make(map[string]chan struct{}),
			active:   make(map[string]bool),
		}
	})
	return groupInstance
}

// StartLoop starts cfg.Operation in the background unless a loop with the
// same key is already running.
func (g *Group) StartLoop(ctx context.Context, cfg *LoopConfig) {
	g.mu.Lock()
	if g.active[cfg.Key] {
		g.mu.Unlock()
		return
	}
	manager, ok := g.managers[cfg.Key]
	if !ok {
		manager = NewRoutine(cfg.Threshold, cfg.ResetTimeout)
		g.managers[cfg.Key] = manager
	}
	trigger, ok := g.triggers[cfg.Key]
	if !ok {
		trigger = make(chan struct{}, 1)
		g.triggers[cfg.Key] = trigger
	}
	g.active[cfg.Key] = true
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			g.active[cfg.Key] = false
			g.mu.Unlock()
		}()
		last := manager.GetState()
		manager.Loop(ctx, cfg.Interval, trigger, cfg.Operation, func(err error) {
			now := manager.GetState()
			logStateChange(cfg.Key, last, now)
			last = now
			if !errors.Is(err, ErrCircuitOpen) {
				slog.Warn("managed loop iteration failed", "key", cfg.Key, "error", err)
			}
		})
	}()
}

// ForceUpdate asks the loop for key to run now. It never blocks; a pending
// trigger already covers the request.
func (g *Group) ForceUpdate(key string) {
	g.mu.Lock()
	trigger, ok := g.triggers[key]
	g.mu.Unlock()
	if !ok {
		return
	}
	select {
	case trigger <- struct{}{}:
	default:
	}
}

func (g *Group) IsLoopActive(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[key]
}

func (g *Group) GetManager(key string) *Routine {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.managers[key]
}

// ResetRoutine closes the breaker for key, if one exists.
func (g *Group) ResetRoutine(key string) {
	if m := g.GetManager(key); m != nil {
		m.ForceClose()
	}
}
