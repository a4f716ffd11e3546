package chatservice

import (
	"context"
	"fmt"

	"github.com/contenox/tablechat/chatstore"
	"github.com/contenox/tablechat/libtracker"
)

type activityTrackerDecorator struct {
	service Service
	tracker libtracker.ActivityTracker
}

func (d *activityTrackerDecorator) EnsureConversation(ctx context.Context, existingID string) string {
	_, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"ensure",
		"conversation",
		"existing", existingID != "",
	)
	defer endFn()

	id := d.service.EnsureConversation(ctx, existingID)
	if id != existingID {
		reportChangeFn(id, nil)
	}
	return id
}

func (d *activityTrackerDecorator) ListMessages(ctx context.Context, conversationID string) []*chatstore.Message {
	_, _, endFn := d.tracker.Start(
		ctx,
		"list",
		"messages",
		"conversationID", conversationID,
	)
	defer endFn()

	return d.service.ListMessages(ctx, conversationID)
}

func (d *activityTrackerDecorator) AppendMessage(ctx context.Context, msg chatstore.Message) (*chatstore.Message, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"append",
		"message",
		"conversationID", msg.ConversationID,
		"sender", string(msg.Sender),
	)
	defer endFn()

	stored, err := d.service.AppendMessage(ctx, msg)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(stored.ID, map[string]any{
			"conversationID": stored.ConversationID,
			"sender":         stored.Sender,
			"length":         len(stored.Text),
		})
	}
	return stored, err
}

func (d *activityTrackerDecorator) LatestPerConversation(ctx context.Context) []chatstore.Summary {
	_, _, endFn := d.tracker.Start(ctx, "list", "conversations")
	defer endFn()

	return d.service.LatestPerConversation(ctx)
}

func (d *activityTrackerDecorator) EnsureSchema(ctx context.Context) error {
	reportErrFn, _, endFn := d.tracker.Start(ctx, "ensure", "schema")
	defer endFn()

	err := d.service.EnsureSchema(ctx)
	if err != nil {
		reportErrFn(err)
	}
	return err
}

func (d *activityTrackerDecorator) ProbeDurable(ctx context.Context) error {
	reportErrFn, _, endFn := d.tracker.Start(ctx, "probe", "durable_store")
	defer endFn()

	err := d.service.ProbeDurable(ctx)
	if err != nil {
		reportErrFn(fmt.Errorf("durable store unavailable: %w", err))
	}
	return err
}

func WithActivityTracker(service Service, tracker libtracker.ActivityTracker) Service {
	return &activityTrackerDecorator{
		service: service,
		tracker: tracker,
	}
}

var _ Service = (*activityTrackerDecorator)(nil)
