// Package chatservice relays chat messages between customers and staff.
//
// Writes go to the durable store when it is reachable and are always mirrored
// into the volatile store. Reads prefer the durable store and fall back to the
// mirror, so the chat keeps working while the database is down.
package chatservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/contenox/tablechat/chatstore"
	"github.com/contenox/tablechat/libbus"
	"github.com/contenox/tablechat/libroutine"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	ErrEmptyText           = errors.New("text required")
	ErrInvalidSender       = errors.New("invalid sender")
	ErrMissingConversation = errors.New("missing conversation id")
	ErrFieldTooLong        = errors.New("field too long")

	errNoDurableStore = errors.New("no durable store configured")
)

// Bus subjects published by the relay.
const (
	SubjectMessageAppended     = "chat.message.appended"
	SubjectConversationStarted = "chat.conversation.started"
)

// Event is the payload of every bus notification.
type Event struct {
	Message chatstore.Message `json:"message"`
}

type Service interface {
	// EnsureConversation returns a usable conversation id, see Registry.
	EnsureConversation(ctx context.Context, existingID string) string
	// ListMessages never fails; it returns an empty slice when nothing is stored.
	ListMessages(ctx context.Context, conversationID string) []*chatstore.Message
	// AppendMessage validates and stores msg. Only validation errors are returned.
	AppendMessage(ctx context.Context, msg chatstore.Message) (*chatstore.Message, error)
	// LatestPerConversation lists every conversation with its newest message,
	// most recent first and conversations without messages last.
	LatestPerConversation(ctx context.Context) []chatstore.Summary
	EnsureSchema(ctx context.Context) error
	// ProbeDurable pings the durable store through the breaker.
	ProbeDurable(ctx context.Context) error
}

const (
	DefaultDurableTimeout   = 2 * time.Second
	DefaultBreakerThreshold = 3
	DefaultBreakerReset     = 30 * time.Second
)

type Config struct {
	DurableTimeout   time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
}

func (c Config) withDefaults() Config {
	if c.DurableTimeout <= 0 {
		c.DurableTimeout = DefaultDurableTimeout
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = DefaultBreakerReset
	}
	return c
}

type relay struct {
	registry *Registry
	durable  chatstore.DurableStore
	volatile chatstore.VolatileStore
	bus      libbus.Messenger
	metrics  *Metrics
	breaker  *libroutine.Routine
	timeout  time.Duration
}

// New creates the relay. durable, bus and metrics may be nil; volatile may not.
func New(durable chatstore.DurableStore, volatile chatstore.VolatileStore, bus libbus.Messenger, metrics *Metrics, cfg Config) Service {
	cfg = cfg.withDefaults()
	return &relay{
		registry: NewRegistry(volatile),
		durable:  durable,
		volatile: volatile,
		bus:      bus,
		metrics:  metrics,
		breaker:  libroutine.NewRoutine(cfg.BreakerThreshold, cfg.BreakerReset),
		timeout:  cfg.DurableTimeout,
	}
}

func (r *relay) EnsureConversation(_ context.Context, existingID string) string {
	return r.registry.EnsureConversation(existingID)
}

// durableCall runs fn behind the breaker with a bounded context. Failures are
// logged and counted here so callers only decide how to degrade.
//
// The call is detached from the caller's cancellation: a client hanging up
// must neither cut a write short nor count against the breaker. The relay's
// own timeout still bounds it.
func (r *relay) durableCall(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if r.durable == nil {
		return errNoDurableStore
	}
	ctx = context.WithoutCancel(ctx)
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return fn(ctx)
	})
	if err == nil {
		return nil
	}
	r.metrics.durableFailure(op)
	if errors.Is(err, libroutine.ErrCircuitOpen) {
		slog.DebugContext(ctx, "durable chat store skipped, breaker open", "op", op)
	} else {
		slog.WarnContext(ctx, "durable chat store call failed", "op", op, "error", err)
	}
	return err
}

func (r *relay) ListMessages(ctx context.Context, conversationID string) []*chatstore.Message {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return []*chatstore.Message{}
	}
	var msgs []*chatstore.Message
	err := r.durableCall(ctx, "list", func(ctx context.Context) error {
		var err error
		msgs, err = r.durable.ListByConversation(ctx, conversationID)
		return err
	})
	if err == nil && len(msgs) > 0 {
		return msgs
	}
	r.metrics.fallbackRead()
	return r.volatile.List(conversationID)
}

func (r *relay) AppendMessage(ctx context.Context, msg chatstore.Message) (*chatstore.Message, error) {
	msg.Text = strings.TrimSpace(msg.Text)
	msg.ConversationID = strings.TrimSpace(msg.ConversationID)
	msg.DisplayName = strings.TrimSpace(msg.DisplayName)
	if err := validate(&msg); err != nil {
		return nil, err
	}
	if msg.Sender == chatstore.SenderAdmin {
		msg.DisplayName = ""
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Microsecond)

	started := msg.Sender == chatstore.SenderCustomer && r.isFirstMessage(ctx, msg.ConversationID)

	// Mirrored regardless of the durable outcome.
	_ = r.durableCall(ctx, "append", func(ctx context.Context) error {
		return r.durable.Append(ctx, &msg)
	})
	r.volatile.Append(&msg)
	r.metrics.appended(msg.Sender)

	if msg.Sender == chatstore.SenderCustomer {
		r.publish(ctx, SubjectMessageAppended, msg)
		if started {
			r.publish(ctx, SubjectConversationStarted, msg)
		}
	}
	return &msg, nil
}

func validate(msg *chatstore.Message) error {
	if msg.Text == "" {
		return ErrEmptyText
	}
	if !msg.Sender.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSender, msg.Sender)
	}
	if msg.ConversationID == "" {
		return ErrMissingConversation
	}
	if len(msg.ConversationID) > chatstore.MaxConversationIDLen {
		return fmt.Errorf("%w: conversation id exceeds %d characters", ErrFieldTooLong, chatstore.MaxConversationIDLen)
	}
	if len([]rune(msg.DisplayName)) > chatstore.MaxDisplayNameLen {
		return fmt.Errorf("%w: display name exceeds %d characters", ErrFieldTooLong, chatstore.MaxDisplayNameLen)
	}
	return nil
}

// isFirstMessage errs towards true when the durable store cannot answer.
func (r *relay) isFirstMessage(ctx context.Context, conversationID string) bool {
	if len(r.volatile.List(conversationID)) > 0 {
		return false
	}
	var existing []*chatstore.Message
	err := r.durableCall(ctx, "list", func(ctx context.Context) error {
		var err error
		existing, err = r.durable.ListByConversation(ctx, conversationID)
		return err
	})
	return err != nil || len(existing) == 0
}

func (r *relay) publish(ctx context.Context, subject string, msg chatstore.Message) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(Event{Message: msg})
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode chat event", "subject", subject, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.bus.Publish(ctx, subject, payload); err != nil {
		slog.WarnContext(ctx, "failed to publish chat event", "subject", subject, "conversation_id", msg.ConversationID, "error", err)
	}
}

func (r *relay) LatestPerConversation(ctx context.Context) []chatstore.Summary {
	var durableLatest []*chatstore.Message
	_ = r.durableCall(ctx, "latest", func(ctx context.Context) error {
		var err error
		durableLatest, err = r.durable.LatestPerConversation(ctx)
		return err
	})

	seen := lo.KeyBy(durableLatest, func(m *chatstore.Message) string { return m.ConversationID })
	summaries := lo.Map(durableLatest, func(m *chatstore.Message, _ int) chatstore.Summary {
		return chatstore.Summary{ConversationID: m.ConversationID, Latest: m}
	})
	summaries = append(summaries, lo.Filter(r.volatile.Latest(), func(s chatstore.Summary, _ int) bool {
		_, ok := seen[s.ConversationID]
		return !ok
	})...)

	sortSummaries(summaries)
	return summaries
}

// sortSummaries orders by latest message time descending; empty
// conversations go last and ties fall back to the conversation id.
func sortSummaries(s []chatstore.Summary) {
	slices.SortStableFunc(s, func(a, b chatstore.Summary) int {
		switch {
		case a.Latest == nil && b.Latest == nil:
			return strings.Compare(a.ConversationID, b.ConversationID)
		case a.Latest == nil:
			return 1
		case b.Latest == nil:
			return -1
		}
		if c := b.Latest.CreatedAt.Compare(a.Latest.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ConversationID, b.ConversationID)
	})
}

func (r *relay) EnsureSchema(ctx context.Context) error {
	if r.durable == nil {
		return nil
	}
	return r.durable.EnsureSchema(ctx)
}

func (r *relay) ProbeDurable(ctx context.Context) error {
	return r.durableCall(ctx, "ping", func(ctx context.Context) error {
		return r.durable.Ping(ctx)
	})
}

var _ Service = (*relay)(nil)
