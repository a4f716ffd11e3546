package libdbexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// sqliteDBManager backs single-process deployments where no Postgres is configured.
type sqliteDBManager struct {
	dbInstance *sql.DB
}

// NewSQLiteDBManager opens the SQLite file at path, creating its parent
// directory when missing. schema, if set, is applied on open.
func NewSQLiteDBManager(ctx context.Context, path string, schema string) (DBManager, error) {
	if err := ensureSQLiteParentDir(path); err != nil {
		return nil, fmt.Errorf("sqlite parent dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", translateSQLiteError(err))
	}
	// One writer at a time; concurrent writers would just hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite connection failed: %w", translateSQLiteError(err))
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err = db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma %q failed: %w", pragma, translateSQLiteError(err))
		}
	}

	if schema != "" {
		if _, err = db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize sqlite schema: %w", translateSQLiteError(err))
		}
	}

	return &sqliteDBManager{dbInstance: db}, nil
}

func (sm *sqliteDBManager) WithoutTransaction() Exec {
	return &txAwareDB{db: sm.dbInstance, errTranslate: translateSQLiteError}
}

func (sm *sqliteDBManager) WithTransaction(ctx context.Context, onRollback ...func()) (Exec, CommitTx, ReleaseTx, error) {
	tx, err := sm.dbInstance.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, func() error { return nil }, fmt.Errorf("%w: begin transaction failed: %w", ErrTxFailed, translateSQLiteError(err))
	}
	commit, release := txFuncs(tx, translateSQLiteError, onRollback)
	return &txAwareDB{tx: tx, errTranslate: translateSQLiteError}, commit, release, nil
}

func (sm *sqliteDBManager) Dialect() Dialect {
	return DialectSQLite
}

func (sm *sqliteDBManager) Close() error {
	if sm.dbInstance != nil {
		return sm.dbInstance.Close()
	}
	return nil
}

func translateSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrQueryCanceled, context.Canceled)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrQueryCanceled, context.DeadlineExceeded)
	}
	// modernc does not expose typed constraint errors; match on the message.
	s := err.Error()
	switch {
	case strings.Contains(s, "UNIQUE constraint"), strings.Contains(s, "PRIMARY KEY constraint"):
		return ErrUniqueViolation
	case strings.Contains(s, "FOREIGN KEY constraint"):
		return ErrForeignKeyViolation
	case strings.Contains(s, "NOT NULL constraint"):
		return ErrNotNullViolation
	case strings.Contains(s, "CHECK constraint"):
		return ErrCheckViolation
	case strings.Contains(s, "no such table"):
		return fmt.Errorf("%w: %s", ErrUndefinedTable, s)
	case strings.Contains(s, "no such column"), strings.Contains(s, "has no column named"):
		return fmt.Errorf("%w: %s", ErrUndefinedColumn, s)
	}
	return fmt.Errorf("libdb: sqlite error: %w", err)
}

// ensureSQLiteParentDir creates the directory holding path. In-memory
// databases are skipped; for file: URIs the query string is ignored.
func ensureSQLiteParentDir(path string) error {
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file::memory") {
		return nil
	}
	fsPath := path
	if strings.HasPrefix(fsPath, "file:") {
		fsPath = strings.TrimPrefix(fsPath, "file:")
		if before, _, ok := strings.Cut(fsPath, "?"); ok {
			fsPath = before
		}
	}
	dir := filepath.Dir(fsPath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
