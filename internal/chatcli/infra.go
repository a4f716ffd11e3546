package chatcli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	libbus "github.com/contenox/tablechat/libbus"
	libdb "github.com/contenox/tablechat/libdbexec"
	libkv "github.com/contenox/tablechat/libkvstore"
	"github.com/contenox/tablechat/libroutine"
	"github.com/contenox/tablechat/serverapi"
)

const kvTimeout = 2 * time.Second

// openDatabase connects to Postgres when database_url is set and falls back
// to the SQLite file otherwise. Postgres gets a few attempts since it is
// often still starting next to us.
func openDatabase(ctx context.Context, cfg *serverapi.Config) (libdb.DBManager, error) {
	if cfg.DatabaseURL == "" {
		db, err := libdb.NewSQLiteDBManager(ctx, cfg.SQLitePath, "")
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		slog.Info("using sqlite chat store", "path", cfg.SQLitePath)
		return db, nil
	}
	var dbInstance libdb.DBManager
	err := libroutine.NewRoutine(10, time.Minute).ExecuteWithRetry(ctx, time.Second, 3, func(ctx context.Context) error {
		var err error
		dbInstance, err = libdb.NewPostgresDBManager(ctx, cfg.DatabaseURL, "")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	return dbInstance, nil
}

func openPubSub(ctx context.Context, cfg *serverapi.Config) (libbus.Messenger, error) {
	if cfg.NATSURL == "" {
		return libbus.NewInMem(), nil
	}
	ps, err := libbus.NewPubSub(ctx, &libbus.Config{
		NATSURL:      cfg.NATSURL,
		NATSPassword: cfg.NATSPassword,
		NATSUser:     cfg.NATSUser,
	})
	if err != nil {
		return nil, err
	}
	return ps, nil
}

// openKV uses Valkey when kv_addr is set. Without it session bindings live in
// process memory and the signed cookie carries the conversation id.
func openKV(cfg *serverapi.Config) (libkv.KVManager, error) {
	if cfg.KVAddr == "" {
		return libkv.NewInMemManager(), nil
	}
	return libkv.NewManager(libkv.Config{KVAddr: cfg.KVAddr, KVPassword: cfg.KVPassword}, kvTimeout)
}
