package chatcli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/contenox/tablechat/chatsdk"
	"github.com/contenox/tablechat/chatstore"
	"github.com/spf13/cobra"
)

type watchOptions struct {
	url      string
	name     string
	interval time.Duration
}

func newWatchCmd() *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Chat as a guest from the terminal.",
		Long: `Opens a conversation, prints new messages as they arrive and sends every line
typed on stdin. Ctrl-D or Ctrl-C ends the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := chatsdk.NewClient(cmd.Context(), chatsdk.Config{BaseURL: opts.url}, nil)
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), client, cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", defaultServerURL, "tablechat server URL")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name shown to staff")
	cmd.Flags().DurationVar(&opts.interval, "interval", chatsdk.DefaultPollInterval, "poll interval")
	return cmd
}

// transcript prints each message once, in the order the server returns them.
type transcript struct {
	mu   sync.Mutex
	out  io.Writer
	seen map[string]bool
}

func (t *transcript) render(_ string, msgs []chatstore.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, msg := range msgs {
		if t.seen[msg.ID] {
			continue
		}
		t.seen[msg.ID] = true
		fmt.Fprintln(t.out, formatMessage(msg))
	}
}

func runWatch(ctx context.Context, api chatsdk.ChatAPI, in io.Reader, out io.Writer, opts *watchOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := &transcript{out: out, seen: map[string]bool{}}
	poller := chatsdk.NewPoller(api, chatsdk.PollerConfig{
		Interval:   opts.interval,
		OnMessages: t.render,
		OnError: func(err error) {
			slog.Warn("chat poll failed", "error", err)
		},
	})

	pollErr := make(chan error, 1)
	go func() { pollErr <- poller.Start(ctx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-pollErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := poller.Send(ctx, line, opts.name); err != nil {
				if errors.Is(err, chatsdk.ErrEmptyText) {
					continue
				}
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}
