package chatstore

import (
	"context"
	"time"
)

// Sender identifies who wrote a message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderAdmin    Sender = "admin"
)

func (s Sender) Valid() bool {
	return s == SenderCustomer || s == SenderAdmin
}

// Column limits shared by the schema and request validation.
const (
	MaxConversationIDLen = 64
	MaxSenderLen         = 16
	MaxDisplayNameLen    = 100
)

// Message is one chat line. Messages are immutable once stored.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Sender         Sender    `json:"sender"`
	DisplayName    string    `json:"displayName,omitempty"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Summary pairs a conversation with its most recent message. Latest is nil
// for a conversation that is known but has no messages yet.
type Summary struct {
	ConversationID string
	Latest         *Message
}

// DurableStore is the persistent tier. Every method may fail; callers on
// the request path are expected to degrade rather than surface the error.
type DurableStore interface {
	// EnsureSchema creates the message table and its indexes. An existing
	// table missing any expected column is dropped and recreated.
	EnsureSchema(ctx context.Context) error
	Append(ctx context.Context, msg *Message) error
	// ListByConversation returns messages ordered by creation time, ties
	// broken by insertion order.
	ListByConversation(ctx context.Context, conversationID string) ([]*Message, error)
	// LatestPerConversation returns the newest message of every conversation.
	LatestPerConversation(ctx context.Context) ([]*Message, error)
	Ping(ctx context.Context) error
}

// VolatileStore is the in-process tier. It never fails and loses its
// contents on restart.
type VolatileStore interface {
	// Register makes id known. It reports whether id was new.
	Register(conversationID string) bool
	Append(msg *Message)
	List(conversationID string) []*Message
	// Latest summarises every registered conversation, including empty ones.
	Latest() []Summary
}
