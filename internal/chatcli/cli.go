// Package chatcli holds the tablechat command line: the server, schema
// management and two small terminal clients for staff and customers.
package chatcli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contenox/tablechat/apiframework"
	"github.com/contenox/tablechat/chatstore"
	libdb "github.com/contenox/tablechat/libdbexec"
	"github.com/contenox/tablechat/serverapi"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const (
	defaultServerURL = "http://127.0.0.1:8080"
	shutdownTimeout  = 10 * time.Second
)

// Tenancy is reported on /version. Builds may override it.
var Tenancy = "local"

// Main runs the CLI and exits non-zero on failure.
func Main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "tablechat",
		Short: "Live chat between restaurant guests and staff.",
		Long: `tablechat relays messages between guests on the restaurant site and the staff
answering them. Messages are kept in SQL (Postgres, or a local SQLite file) and
mirrored in memory so the chat keeps working while the database is down.

  Quickstart:
    tablechat serve                          # SQLite in ./.tablechat/chat.db on :8080
    tablechat watch --name Ana               # chat as a guest from the terminal
    tablechat conversations --token <token>  # staff overview
    tablechat conversations reply <id> "We have a table at 8."`,
		SilenceUsage: true,
		Version:      apiframework.GetVersion(),
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (default ./.tablechat/config.yaml or ~/.tablechat/config.yaml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file to load before reading the environment (default ./.env)")

	root.AddCommand(newServeCmd(opts), newSchemaCmd(opts), newConversationsCmd(), newWatchCmd())
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat HTTP server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	config, configPath, err := loadConfig(opts.configPath, opts.envFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	nodeInstanceID := uuid.NewString()[0:8]
	slog.Info("starting tablechat", "node", nodeInstanceID, "version", apiframework.GetVersion(), "config", configPath)

	cleanups := []func() error{}
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](); err != nil {
				slog.Error("cleanup failed", "node", nodeInstanceID, "error", err)
			}
		}
	}()

	dbInstance, err := openDatabase(ctx, config)
	if err != nil {
		slog.Error("durable store unavailable, serving from memory only", "node", nodeInstanceID, "error", err)
		dbInstance = nil
	} else {
		cleanups = append(cleanups, dbInstance.Close)
	}

	ps, err := openPubSub(ctx, config)
	if err != nil {
		return fmt.Errorf("initializing PubSub failed: %w", err)
	}
	cleanups = append(cleanups, ps.Close)

	kvManager, err := openKV(config)
	if err != nil {
		return fmt.Errorf("initializing KV store failed: %w", err)
	}
	cleanups = append(cleanups, kvManager.Close)

	mux := http.NewServeMux()
	cleanup, err := serverapi.New(ctx, mux, nodeInstanceID, Tenancy, config, dbInstance, ps, kvManager)
	if err != nil {
		return fmt.Errorf("initializing API handler failed: %w", err)
	}
	cleanups = append(cleanups, cleanup)

	srv := &http.Server{
		Addr:              config.Addr + ":" + config.Port,
		Handler:           serverapi.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "node", nodeInstanceID, "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down", "node", nodeInstanceID)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newSchemaCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create or repair the chat message table.",
		Long: `Creates chat_messages and its indexes when missing. A table that lacks any
expected column is dropped and recreated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, _, err := loadConfig(opts.configPath, opts.envFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			dbInstance, err := openDatabase(cmd.Context(), config)
			if err != nil {
				return err
			}
			defer dbInstance.Close()
			return ensureSchema(cmd, dbInstance)
		},
	}
}

func ensureSchema(cmd *cobra.Command, dbInstance libdb.DBManager) error {
	store := chatstore.New(dbInstance)
	if err := store.EnsureSchema(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "chat schema ready (%s)\n", dbInstance.Dialect())
	return nil
}
