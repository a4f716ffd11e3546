package chatservice

import (
	"encoding/hex"
	"strings"

	"github.com/contenox/tablechat/chatstore"
	"github.com/google/uuid"
)

// Registry hands out conversation ids and makes sure every id it returns is
// known to the volatile store.
type Registry struct {
	volatile chatstore.VolatileStore
}

func NewRegistry(volatile chatstore.VolatileStore) *Registry {
	return &Registry{volatile: volatile}
}

// EnsureConversation returns existingID unchanged when it is non-blank, or a
// freshly generated id otherwise. It never fails.
func (r *Registry) EnsureConversation(existingID string) string {
	id := strings.TrimSpace(existingID)
	if id == "" {
		id = NewConversationID()
	}
	r.volatile.Register(id)
	return id
}

// NewConversationID returns 128 random bits as 32 lowercase hex characters.
func NewConversationID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
