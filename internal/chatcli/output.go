// output.go holds CLI output helpers.
package chatcli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/contenox/tablechat/chatsdk"
	"github.com/contenox/tablechat/chatstore"
)

const previewLen = 60

// formatMessage renders one chat line as "[15:04] Label: text".
func formatMessage(msg chatstore.Message) string {
	return fmt.Sprintf("[%s] %s: %s", msg.CreatedAt.Local().Format("15:04"), chatsdk.Label(msg), msg.Text)
}

func printSummaries(w io.Writer, summaries []chatsdk.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONVERSATION\tLAST FROM\tAT\tTEXT")
	for _, s := range summaries {
		from, at, text := "-", "-", ""
		if s.LatestSender != nil {
			from = string(*s.LatestSender)
		}
		if s.LatestAt != nil {
			at = s.LatestAt.Local().Format(time.DateTime)
		}
		if s.LatestText != nil {
			text = preview(*s.LatestText)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ConversationID, from, at, text)
	}
	return tw.Flush()
}

// preview flattens newlines and shortens text to previewLen runes.
func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= previewLen {
		return text
	}
	return string(r[:previewLen-1]) + "…"
}
