package chatsdk

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/contenox/tablechat/chatstore"
)

// DefaultPollInterval matches the web widget.
const DefaultPollInterval = 2500 * time.Millisecond

var ErrEmptyText = errors.New("chatsdk: text required")

type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateIdle
	StateSending
	StateFetching
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateFetching:
		return "fetching"
	}
	return "unknown"
}

// ChatAPI is the customer half of the HTTP API. *HTTPClient implements it.
type ChatAPI interface {
	Init(ctx context.Context) (string, error)
	Fetch(ctx context.Context) (*Conversation, error)
	Send(ctx context.Context, text, displayName string) error
}

type PollerConfig struct {
	Interval time.Duration
	// OnMessages receives the full conversation after every applied fetch.
	// It replaces whatever was rendered before.
	OnMessages func(conversationID string, msgs []chatstore.Message)
	// OnError receives init and fetch failures. Polling continues.
	OnError func(err error)
}

// Poller mirrors one conversation by fetching it on an interval and after
// every send. Responses carry a sequence number taken when the fetch
// started; a response older than the newest applied one is dropped, so a
// slow poll can never overwrite a fresher list.
type Poller struct {
	api ChatAPI
	cfg PollerConfig

	mu             sync.Mutex
	initializing   bool
	initialized    bool
	sending        int
	fetching       int
	conversationID string

	nextSeq atomic.Uint64

	// applyMu serialises the guard check with the callback.
	applyMu sync.Mutex
	applied uint64
}

func NewPoller(api ChatAPI, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	return &Poller{api: api, cfg: cfg}
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.initializing:
		return StateInitializing
	case !p.initialized:
		return StateUninitialized
	case p.sending > 0:
		return StateSending
	case p.fetching > 0:
		return StateFetching
	}
	return StateIdle
}

func (p *Poller) ConversationID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conversationID
}

// Start initialises the session, fetches once, then polls until ctx is
// cancelled. A failed init is reported and polling starts anyway since
// every fetch also establishes the session.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.initializing || p.initialized {
		p.mu.Unlock()
		return errors.New("chatsdk: poller already started")
	}
	p.initializing = true
	p.mu.Unlock()

	id, err := p.api.Init(ctx)
	p.mu.Lock()
	p.initializing = false
	p.initialized = true
	if err == nil {
		p.conversationID = id
	}
	p.mu.Unlock()
	if err != nil {
		p.reportErr(err)
	}

	p.Refresh(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p.sendInFlight() {
				continue
			}
			p.Refresh(ctx)
		}
	}
}

func (p *Poller) sendInFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sending > 0
}

// Send posts a customer message and then fetches exactly once, whether or
// not the post succeeded. Nothing is rendered optimistically.
func (p *Poller) Send(ctx context.Context, text, displayName string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	p.mu.Lock()
	p.sending++
	p.mu.Unlock()

	err := p.api.Send(ctx, text, strings.TrimSpace(displayName))

	p.mu.Lock()
	p.sending--
	p.mu.Unlock()

	p.Refresh(ctx)
	return err
}

// Refresh fetches the conversation now and applies it unless a newer
// response was applied meanwhile.
func (p *Poller) Refresh(ctx context.Context) {
	seq := p.nextSeq.Add(1)

	p.mu.Lock()
	p.fetching++
	p.mu.Unlock()

	conv, err := p.api.Fetch(ctx)

	p.mu.Lock()
	p.fetching--
	if err == nil && conv.ConversationID != "" {
		p.conversationID = conv.ConversationID
	}
	p.mu.Unlock()

	if err != nil {
		p.reportErr(err)
		return
	}

	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	if seq <= p.applied {
		return
	}
	p.applied = seq
	if p.cfg.OnMessages != nil {
		p.cfg.OnMessages(conv.ConversationID, conv.Messages)
	}
}

func (p *Poller) reportErr(err error) {
	if p.cfg.OnError != nil && !errors.Is(err, context.Canceled) {
		p.cfg.OnError(err)
	}
}
