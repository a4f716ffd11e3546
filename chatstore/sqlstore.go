// Package chatstore persists chat messages. The durable tier is a single
// append-only SQL table; the volatile tier is an in-process mirror that
// keeps the chat usable when the database is not.
package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/contenox/tablechat/libdbexec"
)

const tableName = "chat_messages"

var dataColumns = []string{"id", "conversation_id", "sender", "display_name", "text", "created_at"}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS chat_messages (
	seq             BIGSERIAL,
	id              VARCHAR(64) PRIMARY KEY,
	conversation_id VARCHAR(64) NOT NULL,
	sender          VARCHAR(16) NOT NULL,
	display_name    VARCHAR(100),
	text            TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation_id ON chat_messages (conversation_id);
CREATE INDEX IF NOT EXISTS idx_chat_messages_created_at ON chat_messages (created_at);
`

// SQLite orders ties by rowid, which grows with every insert as long as
// nothing is deleted.
const schemaSQLite = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender          TEXT NOT NULL,
	display_name    TEXT,
	text            TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation_id ON chat_messages (conversation_id);
CREATE INDEX IF NOT EXISTS idx_chat_messages_created_at ON chat_messages (created_at);
`

type sqlStore struct {
	db      libdbexec.DBManager
	Exec    libdbexec.Exec
	dialect libdbexec.Dialect
}

// New creates a durable store on db. The dialect of db selects DDL and the
// insertion-order column used as a tie-break.
func New(db libdbexec.DBManager) DurableStore {
	return &sqlStore{db: db, Exec: db.WithoutTransaction(), dialect: db.Dialect()}
}

func (s *sqlStore) insertionOrder() string {
	if s.dialect == libdbexec.DialectSQLite {
		return "rowid"
	}
	return "seq"
}

// expectedColumns lists every column the queries rely on. SQLite's rowid is
// implicit; Postgres needs the explicit seq column.
func (s *sqlStore) expectedColumns() []string {
	if s.dialect == libdbexec.DialectSQLite {
		return dataColumns
	}
	return append([]string{"seq"}, dataColumns...)
}

// EnsureSchema creates the chat table, or drops and recreates it when a
// column is missing. Inspection, drop and create share one transaction so a
// failed recreate leaves the previous table in place.
func (s *sqlStore) EnsureSchema(ctx context.Context) error {
	tx, commit, release, err := s.db.WithTransaction(ctx)
	if err != nil {
		return fmt.Errorf("failed to start schema transaction: %w", err)
	}
	defer release()

	existing, err := columns(ctx, tx, s.dialect)
	if err != nil {
		return fmt.Errorf("failed to inspect chat table: %w", err)
	}
	if len(existing) > 0 {
		var missing []string
		for _, c := range s.expectedColumns() {
			if !existing[c] {
				missing = append(missing, c)
			}
		}
		if len(missing) > 0 {
			slog.WarnContext(ctx, "chat table is missing columns, recreating it", "missing", strings.Join(missing, ","))
			if _, err := tx.ExecContext(ctx, `DROP TABLE `+tableName); err != nil {
				return fmt.Errorf("failed to drop outdated chat table: %w", err)
			}
		}
	}

	ddl := schemaPostgres
	if s.dialect == libdbexec.DialectSQLite {
		ddl = schemaSQLite
	}
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create chat table: %w", err)
	}
	if err := commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chat schema: %w", err)
	}
	return nil
}

// columns returns the column names of the chat table, empty if it does not exist.
func columns(ctx context.Context, exec libdbexec.Exec, dialect libdbexec.Dialect) (map[string]bool, error) {
	query := `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1`
	args := []any{tableName}
	if dialect == libdbexec.DialectSQLite {
		query = `SELECT name FROM pragma_table_info('` + tableName + `')`
		args = nil
	}
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

func (s *sqlStore) Append(ctx context.Context, msg *Message) error {
	displayName := sql.NullString{String: msg.DisplayName, Valid: msg.DisplayName != ""}
	_, err := s.Exec.ExecContext(ctx, `
		INSERT INTO chat_messages (id, conversation_id, sender, display_name, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID,
		msg.ConversationID,
		string(msg.Sender),
		displayName,
		msg.Text,
		msg.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append chat message: %w", err)
	}
	return nil
}

func (s *sqlStore) ListByConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.Exec.QueryContext(ctx, `
		SELECT id, conversation_id, sender, display_name, text, created_at
		FROM chat_messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, `+s.insertionOrder()+` ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *sqlStore) LatestPerConversation(ctx context.Context) ([]*Message, error) {
	order := s.insertionOrder()
	rows, err := s.Exec.QueryContext(ctx, `
		SELECT id, conversation_id, sender, display_name, text, created_at
		FROM (
			SELECT id, conversation_id, sender, display_name, text, created_at,
				ROW_NUMBER() OVER (
					PARTITION BY conversation_id
					ORDER BY created_at DESC, `+order+` DESC
				) AS rn
			FROM chat_messages
		) ranked
		WHERE rn = 1
		ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest chat messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *sqlStore) Ping(ctx context.Context) error {
	var one int
	if err := s.Exec.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("chat store ping failed: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()
	var msgs []*Message
	for rows.Next() {
		var (
			msg         Message
			sender      string
			displayName sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &sender, &displayName, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		msg.Sender = Sender(sender)
		msg.DisplayName = displayName.String
		msg.CreatedAt = msg.CreatedAt.UTC()
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return msgs, nil
}
