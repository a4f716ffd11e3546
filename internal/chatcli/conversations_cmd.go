package chatcli

import (
	"fmt"
	"os"
	"strings"

	"github.com/contenox/tablechat/chatsdk"
	"github.com/spf13/cobra"
)

const adminTokenEnv = "TABLECHAT_ADMIN_TOKEN"

type adminOptions struct {
	url   string
	token string
}

func (o *adminOptions) client() (*chatsdk.HTTPClient, error) {
	token := o.token
	if token == "" {
		token = os.Getenv(adminTokenEnv)
	}
	return chatsdk.NewHTTPClient(chatsdk.Config{BaseURL: o.url, Token: token}, nil)
}

func newConversationsCmd() *cobra.Command {
	opts := &adminOptions{}
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "List conversations with their latest message (staff).",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			summaries, err := client.All(cmd.Context())
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No conversations yet.")
				return nil
			}
			return printSummaries(cmd.OutOrStdout(), summaries)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.url, "url", defaultServerURL, "tablechat server URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", "", "admin token (default $"+adminTokenEnv+")")

	show := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print the full history of a conversation.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			msgs, err := client.Conversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No messages in %s.\n", args[0])
				return nil
			}
			for _, msg := range msgs {
				fmt.Fprintln(cmd.OutOrStdout(), formatMessage(msg))
			}
			return nil
		},
	}

	reply := &cobra.Command{
		Use:   "reply <conversation-id> <text...>",
		Short: "Answer a conversation as staff.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if err := client.Reply(cmd.Context(), args[0], strings.Join(args[1:], " ")); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Replied to %s.\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(show, reply)
	return cmd
}
