package libbus

import (
	"context"
	"slices"
	"sync"
)

// InMem delivers messages between goroutines of one process. Publish blocks
// per subscriber until the subscriber's channel accepts the message or ctx
// is done, so callers on a hot path should pass a bounded context.
type InMem struct {
	mu      sync.RWMutex
	closed  bool
	streams map[string][]chan<- []byte
}

func NewInMem() *InMem {
	return &InMem{
		streams: make(map[string][]chan<- []byte),
	}
}

func (p *InMem) Publish(ctx context.Context, subject string, data []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrConnectionClosed
	}
	subs := slices.Clone(p.streams[subject])
	p.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *InMem) Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrConnectionClosed
	}
	p.streams[subject] = append(p.streams[subject], ch)
	sub := &inmemSubscription{inmem: p, subject: subject, ch: ch}
	context.AfterFunc(ctx, func() { _ = sub.Unsubscribe() })
	return sub, nil
}

func (p *InMem) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	clear(p.streams)
	return nil
}

type inmemSubscription struct {
	inmem   *InMem
	subject string
	ch      chan<- []byte
}

func (s *inmemSubscription) Unsubscribe() error {
	s.inmem.mu.Lock()
	defer s.inmem.mu.Unlock()
	s.inmem.streams[s.subject] = slices.DeleteFunc(s.inmem.streams[s.subject], func(c chan<- []byte) bool {
		return c == s.ch
	})
	return nil
}

var _ Messenger = (*InMem)(nil)
