// Package libdbexec wraps database/sql behind a small executor interface so
// stores can run against Postgres or SQLite, inside or outside a transaction,
// and always see the same sentinel errors.
package libdbexec

import (
	"context"
	"database/sql"
	"errors"
)

var (
	ErrNotFound             = errors.New("libdb: not found")
	ErrTxFailed             = errors.New("libdb: transaction failed")
	ErrUniqueViolation      = errors.New("libdb: unique constraint violation")
	ErrForeignKeyViolation  = errors.New("libdb: foreign key violation")
	ErrNotNullViolation     = errors.New("libdb: not null constraint violation")
	ErrCheckViolation       = errors.New("libdb: check constraint violation")
	ErrConstraintViolation  = errors.New("libdb: constraint violation")
	ErrDeadlockDetected     = errors.New("libdb: deadlock detected")
	ErrSerializationFailure = errors.New("libdb: serialization failure")
	ErrLockNotAvailable     = errors.New("libdb: lock not available")
	ErrQueryCanceled        = errors.New("libdb: query canceled")
	ErrDataTruncation       = errors.New("libdb: data truncation")
	ErrNumericOutOfRange    = errors.New("libdb: numeric value out of range")
	ErrInvalidInputSyntax   = errors.New("libdb: invalid input syntax")
	ErrUndefinedColumn      = errors.New("libdb: undefined column")
	ErrUndefinedTable       = errors.New("libdb: undefined table")
)

// Dialect names the SQL flavour behind a DBManager. Stores use it where
// DDL or catalog queries differ between engines.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Exec is the subset of *sql.DB / *sql.Tx the stores rely on.
type Exec interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) QueryRower
}

// QueryRower is the result of QueryRowContext.
type QueryRower interface {
	Scan(dest ...any) error
}

// CommitTx commits the transaction it was returned with.
type CommitTx func(ctx context.Context) error

// ReleaseTx rolls back unless the transaction was committed. Safe to defer.
type ReleaseTx func() error

// DBManager owns a connection pool.
type DBManager interface {
	WithoutTransaction() Exec
	WithTransaction(ctx context.Context, onRollback ...func()) (Exec, CommitTx, ReleaseTx, error)
	Dialect() Dialect
	Close() error
}
