package chatstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/contenox/tablechat/chatstore"
	libdb "github.com/contenox/tablechat/libdbexec"
	"github.com/stretchr/testify/require"
)

type backend struct {
	db    libdb.DBManager
	store chatstore.DurableStore
}

func setupSQLite(t *testing.T) (context.Context, backend) {
	t.Helper()
	ctx := context.Background()
	db, err := libdb.NewSQLiteDBManager(ctx, filepath.Join(t.TempDir(), "chat.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	store := chatstore.New(db)
	require.NoError(t, store.EnsureSchema(ctx))
	return ctx, backend{db: db, store: store}
}

// startPostgres starts one container for the whole test; every subtest gets
// its own pool on it through freshPostgres.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("requires docker")
	}
	connStr, _, cleanup, err := libdb.SetupLocalInstance(context.Background(), "test", "test", "test")
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return connStr
}

// freshPostgres opens a pool on connStr and starts from an empty chat table.
func freshPostgres(t *testing.T, connStr string) (context.Context, backend) {
	t.Helper()
	ctx := context.Background()
	db, err := libdb.NewPostgresDBManager(ctx, connStr, "")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	_, err = db.WithoutTransaction().ExecContext(ctx, `DROP TABLE IF EXISTS chat_messages`)
	require.NoError(t, err)
	store := chatstore.New(db)
	require.NoError(t, store.EnsureSchema(ctx))
	return ctx, backend{db: db, store: store}
}

type storeCase struct {
	name string
	run  func(t *testing.T, ctx context.Context, b backend)
}

var storeCases = []storeCase{
	{"append and list", testAppendAndList},
	{"tie break is insertion order", testTieBreakIsInsertionOrder},
	{"append rejects duplicate id", testAppendRejectsDuplicateID},
	{"latest per conversation", testLatestPerConversation},
	{"ensure schema is idempotent", testEnsureSchemaIsIdempotent},
	{"ensure schema recreates incomplete table", testEnsureSchemaRecreatesIncompleteTable},
	{"ping", testPing},
}

func TestUnit_SQLiteStore(t *testing.T) {
	for _, tc := range storeCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, b := setupSQLite(t)
			tc.run(t, ctx, b)
		})
	}
}

func TestSystem_PostgresStore(t *testing.T) {
	connStr := startPostgres(t)
	for _, tc := range storeCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, b := freshPostgres(t, connStr)
			tc.run(t, ctx, b)
		})
	}

	t.Run("ensure schema adds missing seq column", func(t *testing.T) {
		ctx, b := freshPostgres(t, connStr)
		exec := b.db.WithoutTransaction()
		_, err := exec.ExecContext(ctx, `DROP TABLE chat_messages`)
		require.NoError(t, err)
		_, err = exec.ExecContext(ctx, `
			CREATE TABLE chat_messages (
				id              VARCHAR(64) PRIMARY KEY,
				conversation_id VARCHAR(64) NOT NULL,
				sender          VARCHAR(16) NOT NULL,
				display_name    VARCHAR(100),
				text            TEXT NOT NULL,
				created_at      TIMESTAMPTZ NOT NULL
			)`)
		require.NoError(t, err)

		require.NoError(t, b.store.EnsureSchema(ctx))

		at := time.Date(2026, 2, 2, 20, 0, 0, 0, time.UTC)
		for _, id := range []string{"late", "early"} {
			require.NoError(t, b.store.Append(ctx, msg(id, "seq", chatstore.SenderCustomer, id, at)))
		}
		listed, err := b.store.ListByConversation(ctx, "seq")
		require.NoError(t, err)
		require.Len(t, listed, 2)
		require.Equal(t, "late", listed[0].ID)
		require.Equal(t, "early", listed[1].ID)

		latest, err := b.store.LatestPerConversation(ctx)
		require.NoError(t, err)
		require.Len(t, latest, 1)
		require.Equal(t, "early", latest[0].ID)
	})
}

func msg(id, conv string, sender chatstore.Sender, text string, at time.Time) *chatstore.Message {
	return &chatstore.Message{ID: id, ConversationID: conv, Sender: sender, Text: text, CreatedAt: at}
}

func testAppendAndList(t *testing.T, ctx context.Context, b backend) {
	base := time.Date(2026, 3, 14, 19, 30, 0, 0, time.UTC)
	first := msg("m1", "c1", chatstore.SenderCustomer, "Do you have a table for four?", base)
	first.DisplayName = "Ana"
	require.NoError(t, b.store.Append(ctx, first))
	require.NoError(t, b.store.Append(ctx, msg("m2", "c1", chatstore.SenderAdmin, "Yes, at 8pm.", base.Add(time.Second))))
	require.NoError(t, b.store.Append(ctx, msg("x1", "c2", chatstore.SenderCustomer, "other", base)))

	listed, err := b.store.ListByConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "m1", listed[0].ID)
	require.Equal(t, "Ana", listed[0].DisplayName)
	require.Equal(t, chatstore.SenderCustomer, listed[0].Sender)
	require.True(t, base.Equal(listed[0].CreatedAt))
	require.Equal(t, "m2", listed[1].ID)
	require.Empty(t, listed[1].DisplayName)
	require.Equal(t, chatstore.SenderAdmin, listed[1].Sender)

	none, err := b.store.ListByConversation(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, none)
}

func testTieBreakIsInsertionOrder(t *testing.T, ctx context.Context, b backend) {
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, b.store.Append(ctx, msg(id, "tie", chatstore.SenderCustomer, id, at)))
	}
	listed, err := b.store.ListByConversation(ctx, "tie")
	require.NoError(t, err)
	require.Len(t, listed, 3)
	require.Equal(t, "zeta", listed[0].ID)
	require.Equal(t, "alpha", listed[1].ID)
	require.Equal(t, "mid", listed[2].ID)

	latest, err := b.store.LatestPerConversation(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, "mid", latest[0].ID)
}

func testAppendRejectsDuplicateID(t *testing.T, ctx context.Context, b backend) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, b.store.Append(ctx, msg("dup", "c", chatstore.SenderCustomer, "a", now)))
	err := b.store.Append(ctx, msg("dup", "c", chatstore.SenderCustomer, "b", now))
	require.ErrorIs(t, err, libdb.ErrUniqueViolation)
}

func testLatestPerConversation(t *testing.T, ctx context.Context, b backend) {
	base := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	require.NoError(t, b.store.Append(ctx, msg("a1", "A", chatstore.SenderCustomer, "hi", base)))
	require.NoError(t, b.store.Append(ctx, msg("b1", "B", chatstore.SenderCustomer, "hello", base.Add(time.Minute))))
	require.NoError(t, b.store.Append(ctx, msg("a2", "A", chatstore.SenderAdmin, "welcome", base.Add(2*time.Minute))))

	latest, err := b.store.LatestPerConversation(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Equal(t, "a2", latest[0].ID, "newest conversation first")
	require.Equal(t, "b1", latest[1].ID)
}

func testEnsureSchemaIsIdempotent(t *testing.T, ctx context.Context, b backend) {
	require.NoError(t, b.store.Append(ctx, msg("keep", "c", chatstore.SenderCustomer, "x", time.Now().UTC())))
	require.NoError(t, b.store.EnsureSchema(ctx))
	listed, err := b.store.ListByConversation(ctx, "c")
	require.NoError(t, err)
	require.Len(t, listed, 1, "a complete table must survive a second EnsureSchema")
}

func testEnsureSchemaRecreatesIncompleteTable(t *testing.T, ctx context.Context, b backend) {
	exec := b.db.WithoutTransaction()
	_, err := exec.ExecContext(ctx, `DROP TABLE chat_messages`)
	require.NoError(t, err)
	_, err = exec.ExecContext(ctx, `CREATE TABLE chat_messages (id TEXT PRIMARY KEY, text TEXT)`)
	require.NoError(t, err)

	require.NoError(t, b.store.EnsureSchema(ctx))
	require.NoError(t, b.store.Append(ctx, msg("after", "c", chatstore.SenderCustomer, "works", time.Now().UTC())))
	listed, err := b.store.ListByConversation(ctx, "c")
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func testPing(t *testing.T, ctx context.Context, b backend) {
	require.NoError(t, b.store.Ping(ctx))
	require.NoError(t, b.db.Close())
	require.Error(t, b.store.Ping(ctx))
}
