package chatservice_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/contenox/tablechat/chatservice"
	"github.com/contenox/tablechat/chatstore"
	"github.com/contenox/tablechat/libbus"
	libdb "github.com/contenox/tablechat/libdbexec"
	"github.com/contenox/tablechat/libtracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("database unreachable")

// flakyStore wraps a real durable store and fails every call while down is set.
type flakyStore struct {
	chatstore.DurableStore
	down  atomic.Bool
	calls atomic.Int64
}

func (f *flakyStore) check() error {
	f.calls.Add(1)
	if f.down.Load() {
		return errDown
	}
	return nil
}

func (f *flakyStore) Append(ctx context.Context, msg *chatstore.Message) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.DurableStore.Append(ctx, msg)
}

func (f *flakyStore) ListByConversation(ctx context.Context, id string) ([]*chatstore.Message, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.DurableStore.ListByConversation(ctx, id)
}

func (f *flakyStore) LatestPerConversation(ctx context.Context) ([]*chatstore.Message, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.DurableStore.LatestPerConversation(ctx)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.DurableStore.Ping(ctx)
}

type fixture struct {
	svc      chatservice.Service
	durable  *flakyStore
	volatile *chatstore.MemStore
	metrics  *chatservice.Metrics
	bus      libbus.Messenger
}

func setup(t *testing.T, cfg chatservice.Config) fixture {
	t.Helper()
	ctx := context.Background()
	db, err := libdb.NewSQLiteDBManager(ctx, filepath.Join(t.TempDir(), "chat.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	durable := &flakyStore{DurableStore: chatstore.New(db)}
	volatile := chatstore.NewMemStore()
	metrics := chatservice.NewMetrics(prometheus.NewRegistry())
	bus := libbus.NewInMem()
	t.Cleanup(func() { _ = bus.Close() })

	svc := chatservice.New(durable, volatile, bus, metrics, cfg)
	require.NoError(t, svc.EnsureSchema(ctx))
	return fixture{svc: svc, durable: durable, volatile: volatile, metrics: metrics, bus: bus}
}

func customer(conv, text string) chatstore.Message {
	return chatstore.Message{ConversationID: conv, Sender: chatstore.SenderCustomer, Text: text}
}

func admin(conv, text string) chatstore.Message {
	return chatstore.Message{ConversationID: conv, Sender: chatstore.SenderAdmin, Text: text}
}

func TestUnit_Relay_ValidationRejectsBeforeStoreAccess(t *testing.T) {
	f := setup(t, chatservice.Config{})
	ctx := context.Background()
	before := f.durable.calls.Load()

	cases := []struct {
		name string
		msg  chatstore.Message
		want error
	}{
		{"empty text", customer("c1", ""), chatservice.ErrEmptyText},
		{"blank text", customer("c1", "  \t\n "), chatservice.ErrEmptyText},
		{"unknown sender", chatstore.Message{ConversationID: "c1", Sender: "waiter", Text: "hi"}, chatservice.ErrInvalidSender},
		{"missing conversation", customer("   ", "hi"), chatservice.ErrMissingConversation},
		{"long conversation id", customer(strings.Repeat("a", 65), "hi"), chatservice.ErrFieldTooLong},
		{"long display name", chatstore.Message{ConversationID: "c1", Sender: chatstore.SenderCustomer, DisplayName: strings.Repeat("n", 101), Text: "hi"}, chatservice.ErrFieldTooLong},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.AppendMessage(ctx, tc.msg)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Equal(t, before, f.durable.calls.Load(), "invalid input must not reach the durable store")
	require.Empty(t, f.volatile.List("c1"))
}

func TestUnit_Relay_NewCustomerScenario(t *testing.T) {
	f := setup(t, chatservice.Config{})
	ctx := context.Background()

	id := f.svc.EnsureConversation(ctx, "")
	require.Regexp(t, `^[0-9a-f]{32}$`, id)
	require.Empty(t, f.svc.ListMessages(ctx, id))

	stored, err := f.svc.AppendMessage(ctx, chatstore.Message{
		ConversationID: id,
		Sender:         chatstore.SenderCustomer,
		DisplayName:    "  Ana ",
		Text:           "  Is the terrace open tonight?  ",
	})
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)
	require.Equal(t, "Is the terrace open tonight?", stored.Text)
	require.Equal(t, "Ana", stored.DisplayName)
	require.False(t, stored.CreatedAt.IsZero())
	require.Equal(t, time.UTC, stored.CreatedAt.Location())

	listed := f.svc.ListMessages(ctx, id)
	require.Len(t, listed, 1)
	require.Equal(t, stored.ID, listed[0].ID)
	require.True(t, stored.CreatedAt.Equal(listed[0].CreatedAt))
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Appended.WithLabelValues("customer")))
}

func TestUnit_Relay_AdminReplyIsVisible(t *testing.T) {
	f := setup(t, chatservice.Config{})
	ctx := context.Background()
	id := f.svc.EnsureConversation(ctx, "")

	_, err := f.svc.AppendMessage(ctx, customer(id, "Table for two at 8?"))
	require.NoError(t, err)
	reply, err := f.svc.AppendMessage(ctx, chatstore.Message{
		ConversationID: id,
		Sender:         chatstore.SenderAdmin,
		DisplayName:    "ignored",
		Text:           "Booked, see you then.",
	})
	require.NoError(t, err)
	require.Empty(t, reply.DisplayName)

	listed := f.svc.ListMessages(ctx, id)
	require.Len(t, listed, 2)
	require.Equal(t, chatstore.SenderCustomer, listed[0].Sender)
	require.Equal(t, chatstore.SenderAdmin, listed[1].Sender)

	latest := f.svc.LatestPerConversation(ctx)
	require.Len(t, latest, 1)
	require.Equal(t, id, latest[0].ConversationID)
	require.Equal(t, reply.ID, latest[0].Latest.ID)
}

func TestUnit_Relay_OrderingWithEqualTimestamps(t *testing.T) {
	f := setup(t, chatservice.Config{})
	ctx := context.Background()
	at := time.Date(2026, 6, 1, 19, 0, 0, 0, time.UTC)
	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		m := customer("tie", text)
		m.CreatedAt = at
		stored, err := f.svc.AppendMessage(ctx, m)
		require.NoError(t, err)
		ids = append(ids, stored.ID)
	}
	listed := f.svc.ListMessages(ctx, "tie")
	require.Len(t, listed, 3)
	for i := range ids {
		require.Equal(t, ids[i], listed[i].ID)
	}
}

func TestUnit_Relay_FallsBackWhenDurableIsDown(t *testing.T) {
	f := setup(t, chatservice.Config{BreakerThreshold: 100})
	ctx := context.Background()
	f.durable.down.Store(true)

	stored, err := f.svc.AppendMessage(ctx, customer("c", "still works"))
	require.NoError(t, err)

	listed := f.svc.ListMessages(ctx, "c")
	require.Len(t, listed, 1)
	require.Equal(t, stored.ID, listed[0].ID)
	require.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.DurableFailures.WithLabelValues("append")), float64(1))
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.FallbackReads))
}

func TestUnit_Relay_NeverMergesTiers(t *testing.T) {
	f := setup(t, chatservice.Config{BreakerThreshold: 100})
	ctx := context.Background()

	f.durable.down.Store(true)
	_, err := f.svc.AppendMessage(ctx, customer("c", "volatile only"))
	require.NoError(t, err)

	f.durable.down.Store(false)
	second, err := f.svc.AppendMessage(ctx, customer("c", "both tiers"))
	require.NoError(t, err)

	require.Len(t, f.volatile.List("c"), 2)
	listed := f.svc.ListMessages(ctx, "c")
	require.Len(t, listed, 1, "durable rows win and are not merged with the mirror")
	require.Equal(t, second.ID, listed[0].ID)
}

func TestUnit_Relay_LatestMergesVolatileConversations(t *testing.T) {
	f := setup(t, chatservice.Config{BreakerThreshold: 100})
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	durableMsg := customer("durable", "stored")
	durableMsg.CreatedAt = base
	_, err := f.svc.AppendMessage(ctx, durableMsg)
	require.NoError(t, err)

	f.durable.down.Store(true)
	volatileMsg := customer("volatile", "mirror only")
	volatileMsg.CreatedAt = base.Add(time.Minute)
	_, err = f.svc.AppendMessage(ctx, volatileMsg)
	require.NoError(t, err)
	f.durable.down.Store(false)

	empty := f.svc.EnsureConversation(ctx, "")

	latest := f.svc.LatestPerConversation(ctx)
	require.Len(t, latest, 3)
	require.Equal(t, "volatile", latest[0].ConversationID)
	require.Equal(t, "durable", latest[1].ConversationID)
	require.Equal(t, empty, latest[2].ConversationID)
	require.Nil(t, latest[2].Latest)
}

func TestUnit_Relay_LatestWhenDurableIsDown(t *testing.T) {
	f := setup(t, chatservice.Config{BreakerThreshold: 100})
	ctx := context.Background()
	_, err := f.svc.AppendMessage(ctx, customer("a", "hi"))
	require.NoError(t, err)

	f.durable.down.Store(true)
	latest := f.svc.LatestPerConversation(ctx)
	require.Len(t, latest, 1)
	require.Equal(t, "a", latest[0].ConversationID)
}

func TestUnit_Relay_BreakerSkipsDeadStore(t *testing.T) {
	f := setup(t, chatservice.Config{BreakerThreshold: 2, BreakerReset: time.Hour})
	ctx := context.Background()
	f.durable.down.Store(true)

	for range 2 {
		_, err := f.svc.AppendMessage(ctx, admin("c", "reply"))
		require.NoError(t, err)
	}
	afterOpen := f.durable.calls.Load()

	for range 5 {
		_, err := f.svc.AppendMessage(ctx, admin("c", "reply"))
		require.NoError(t, err)
	}
	require.Equal(t, afterOpen, f.durable.calls.Load(), "open breaker must not call the store")
	require.Len(t, f.svc.ListMessages(ctx, "c"), 7)
	require.Error(t, f.svc.ProbeDurable(ctx))
}

func TestUnit_Relay_CallerCancellationKeepsWritesDurable(t *testing.T) {
	f := setup(t, chatservice.Config{BreakerThreshold: 3, BreakerReset: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := f.svc.AppendMessage(ctx, customer("c1", "first"))
	require.NoError(t, err)

	gone, cancel := context.WithCancel(ctx)
	cancel()
	for _, text := range []string{"hung up", "hung up again"} {
		_, err := f.svc.AppendMessage(gone, customer("c1", text))
		require.NoError(t, err)
	}

	before := f.durable.calls.Load()
	_, err = f.svc.AppendMessage(ctx, customer("c1", "second"))
	require.NoError(t, err)
	require.Greater(t, f.durable.calls.Load(), before, "a healthy store is still written to")
	require.NoError(t, f.svc.ProbeDurable(ctx))

	time.Sleep(60 * time.Millisecond)
	durableRows, err := f.durable.DurableStore.ListByConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, durableRows, 4)

	listed := f.svc.ListMessages(ctx, "c1")
	texts := make([]string, 0, len(listed))
	for _, m := range listed {
		texts = append(texts, m.Text)
	}
	require.Equal(t, []string{"first", "hung up", "hung up again", "second"}, texts)
}

func TestUnit_Relay_EnsureConversationKeepsMessages(t *testing.T) {
	f := setup(t, chatservice.Config{})
	ctx := context.Background()

	id := f.svc.EnsureConversation(ctx, "")
	_, err := f.svc.AppendMessage(ctx, customer(id, "Table for two at eight?"))
	require.NoError(t, err)

	require.Equal(t, id, f.svc.EnsureConversation(ctx, id))
	require.Equal(t, id, f.svc.EnsureConversation(ctx, id))

	msgs := f.svc.ListMessages(ctx, id)
	require.Len(t, msgs, 1)
	require.Equal(t, "Table for two at eight?", msgs[0].Text)

	f.durable.down.Store(true)
	require.Equal(t, id, f.svc.EnsureConversation(ctx, id))
	msgs = f.svc.ListMessages(ctx, id)
	require.Len(t, msgs, 1, "the volatile mirror is not reset either")
}

type slowStore struct {
	chatstore.DurableStore
}

func (slowStore) Append(ctx context.Context, _ *chatstore.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestUnit_Relay_DurableTimeout(t *testing.T) {
	volatile := chatstore.NewMemStore()
	svc := chatservice.New(slowStore{}, volatile, nil, nil, chatservice.Config{DurableTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := svc.AppendMessage(context.Background(), admin("c", "hello"))
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
	require.Len(t, volatile.List("c"), 1)
}

func TestUnit_Relay_WithoutDurableStore(t *testing.T) {
	volatile := chatstore.NewMemStore()
	svc := chatservice.New(nil, volatile, nil, nil, chatservice.Config{})
	ctx := context.Background()

	require.NoError(t, svc.EnsureSchema(ctx))
	_, err := svc.AppendMessage(ctx, customer("c", "hi"))
	require.NoError(t, err)
	require.Len(t, svc.ListMessages(ctx, "c"), 1)
	require.Len(t, svc.LatestPerConversation(ctx), 1)
	require.Error(t, svc.ProbeDurable(ctx))
}

func TestUnit_Relay_PublishesCustomerEvents(t *testing.T) {
	f := setup(t, chatservice.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appended := make(chan []byte, 10)
	started := make(chan []byte, 10)
	_, err := f.bus.Stream(ctx, chatservice.SubjectMessageAppended, appended)
	require.NoError(t, err)
	_, err = f.bus.Stream(ctx, chatservice.SubjectConversationStarted, started)
	require.NoError(t, err)

	first, err := f.svc.AppendMessage(ctx, customer("c", "first"))
	require.NoError(t, err)
	_, err = f.svc.AppendMessage(ctx, customer("c", "second"))
	require.NoError(t, err)
	_, err = f.svc.AppendMessage(ctx, admin("c", "staff reply"))
	require.NoError(t, err)

	require.Len(t, appended, 2)
	require.Len(t, started, 1)

	var ev chatservice.Event
	require.NoError(t, json.Unmarshal(<-started, &ev))
	require.Equal(t, first.ID, ev.Message.ID)
	require.Equal(t, "c", ev.Message.ConversationID)
}

func TestUnit_Relay_ConcurrentAppends(t *testing.T) {
	f := setup(t, chatservice.Config{})
	ctx := context.Background()
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AppendMessage(ctx, admin("busy", "x"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Len(t, f.svc.ListMessages(ctx, "busy"), 20)
	require.Len(t, f.volatile.List("busy"), 20)
}

func TestUnit_Relay_ActivityTrackerDecorator(t *testing.T) {
	f := setup(t, chatservice.Config{})
	svc := chatservice.WithActivityTracker(f.svc, libtracker.NewLogActivityTracker(nil))
	ctx := libtracker.WithNewRequestID(context.Background())

	id := svc.EnsureConversation(ctx, "")
	_, err := svc.AppendMessage(ctx, customer(id, "hello"))
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, customer(id, ""))
	require.ErrorIs(t, err, chatservice.ErrEmptyText)
	require.Len(t, svc.ListMessages(ctx, id), 1)
	require.Len(t, svc.LatestPerConversation(ctx), 1)
	require.NoError(t, svc.ProbeDurable(ctx))
}
