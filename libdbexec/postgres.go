package libdbexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
)

type postgresDBManager struct {
	dbInstance *sql.DB
}

// NewPostgresDBManager opens a pool for dsn and pings it. When schema is
// non-empty it is executed once after the connection is verified.
func NewPostgresDBManager(ctx context.Context, dsn string, schema string) (DBManager, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", translateError(err))
	}

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database connection failed: %w", translateError(err))
	}

	if schema != "" {
		if _, err = db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", translateError(err))
		}
	}

	return &postgresDBManager{dbInstance: db}, nil
}

func (sm *postgresDBManager) WithoutTransaction() Exec {
	return &txAwareDB{db: sm.dbInstance, errTranslate: translateError}
}

func (sm *postgresDBManager) WithTransaction(ctx context.Context, onRollback ...func()) (Exec, CommitTx, ReleaseTx, error) {
	tx, err := sm.dbInstance.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, func() error { return nil }, fmt.Errorf("%w: begin transaction failed: %w", ErrTxFailed, translateError(err))
	}
	commit, release := txFuncs(tx, translateError, onRollback)
	return &txAwareDB{tx: tx, errTranslate: translateError}, commit, release, nil
}

func (sm *postgresDBManager) Dialect() Dialect {
	return DialectPostgres
}

func (sm *postgresDBManager) Close() error {
	if sm.dbInstance != nil {
		slog.Debug("closing postgres connection pool")
		return sm.dbInstance.Close()
	}
	return nil
}

// txFuncs builds the commit and release closures shared by both drivers.
func txFuncs(tx *sql.Tx, translate func(error) error, onRollback []func()) (CommitTx, ReleaseTx) {
	committed := false
	commitFn := func(commitCtx context.Context) error {
		// A done context means the caller gave up; release will roll back.
		if ctxErr := commitCtx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: context error before commit: %w", ErrTxFailed, ctxErr)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit failed: %w", ErrTxFailed, translate(err))
		}
		committed = true
		return nil
	}

	releaseFn := func() error {
		rollbackErr := tx.Rollback()
		if !committed {
			for _, f := range onRollback {
				if f != nil {
					f()
				}
			}
		}
		if rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			return fmt.Errorf("%w: rollback failed: %w", ErrTxFailed, translate(rollbackErr))
		}
		return nil
	}
	return commitFn, releaseFn
}

// txAwareDB implements Exec on top of either a pool or a transaction and runs
// every error through the driver's translator.
type txAwareDB struct {
	db           *sql.DB
	tx           *sql.Tx
	errTranslate func(error) error
}

func (s *txAwareDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	if s.tx != nil {
		res, err = s.tx.ExecContext(ctx, query, args...)
	} else if s.db != nil {
		res, err = s.db.ExecContext(ctx, query, args...)
	} else {
		return nil, errors.New("libdb: Exec called on uninitialized txAwareDB")
	}
	return res, s.errTranslate(err)
}

func (s *txAwareDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	var err error
	if s.tx != nil {
		rows, err = s.tx.QueryContext(ctx, query, args...)
	} else if s.db != nil {
		rows, err = s.db.QueryContext(ctx, query, args...)
	} else {
		return nil, errors.New("libdb: Query called on uninitialized txAwareDB")
	}
	if err != nil {
		return nil, s.errTranslate(err)
	}
	return rows, nil
}

func (s *txAwareDB) QueryRowContext(ctx context.Context, query string, args ...any) QueryRower {
	var r *sql.Row
	if s.tx != nil {
		r = s.tx.QueryRowContext(ctx, query, args...)
	} else if s.db != nil {
		r = s.db.QueryRowContext(ctx, query, args...)
	} else {
		return &row{err: errors.New("libdb: QueryRow called on uninitialized txAwareDB")}
	}
	return &row{inner: r, errTranslate: s.errTranslate}
}

type row struct {
	inner        *sql.Row
	err          error
	errTranslate func(error) error
}

func (r *row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.inner == nil {
		return errors.New("libdb: Scan called on nil row wrapper")
	}
	return r.errTranslate(r.inner.Scan(dest...))
}

// translateError maps sql and pq errors onto the package sentinels.
func translateError(err error) error {
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

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return ErrUniqueViolation
		case "23503":
			return ErrForeignKeyViolation
		case "23502":
			return ErrNotNullViolation
		case "23514":
			return ErrCheckViolation
		case "40P01":
			return ErrDeadlockDetected
		case "40001":
			return ErrSerializationFailure
		case "55P03":
			return ErrLockNotAvailable
		case "57014":
			return fmt.Errorf("%w: %s", ErrQueryCanceled, pqErr.Message)
		case "22001":
			return ErrDataTruncation
		case "22003":
			return ErrNumericOutOfRange
		case "22P02":
			return fmt.Errorf("%w: %s", ErrInvalidInputSyntax, pqErr.Message)
		case "42703":
			return ErrUndefinedColumn
		case "42P01":
			return ErrUndefinedTable
		default:
			if pqErr.Code.Class() == "23" {
				return fmt.Errorf("%w: %s", ErrConstraintViolation, pqErr.Message)
			}
			return fmt.Errorf("libdb: postgres error: code=%s detail=%q message=%q: %w",
				pqErr.Code, pqErr.Detail, pqErr.Message, err)
		}
	}

	return fmt.Errorf("libdb: unexpected database error: %w", err)
}
