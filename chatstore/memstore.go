package chatstore

import (
	"slices"
	"sync"
)

type conversation struct {
	mu       sync.Mutex
	messages []*Message
}

// MemStore is the volatile tier. The map lock is only taken for writing
// when a new conversation is inserted; appends and reads lock the single
// conversation they touch.
type MemStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
}

func NewMemStore() *MemStore {
	return &MemStore{conversations: make(map[string]*conversation)}
}

func (m *MemStore) lookup(id string) *conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conversations[id]
}

// getOrCreate returns the conversation for id and whether this call created it.
func (m *MemStore) getOrCreate(id string) (*conversation, bool) {
	if c := m.lookup(id); c != nil {
		return c, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conversations[id]; ok {
		return c, false
	}
	c := &conversation{}
	m.conversations[id] = c
	return c, true
}

func (m *MemStore) Register(conversationID string) bool {
	_, created := m.getOrCreate(conversationID)
	return created
}

func (m *MemStore) Append(msg *Message) {
	c, _ := m.getOrCreate(msg.ConversationID)
	cp := *msg
	c.mu.Lock()
	c.messages = append(c.messages, &cp)
	c.mu.Unlock()
}

// List returns copies ordered by CreatedAt. The sort is stable, so equal
// timestamps keep their append order.
func (m *MemStore) List(conversationID string) []*Message {
	c := m.lookup(conversationID)
	if c == nil {
		return []*Message{}
	}
	c.mu.Lock()
	out := make([]*Message, len(c.messages))
	for i, msg := range c.messages {
		cp := *msg
		out[i] = &cp
	}
	c.mu.Unlock()

	slices.SortStableFunc(out, func(a, b *Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

func (m *MemStore) Latest() []Summary {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conversations))
	convs := make([]*conversation, 0, len(m.conversations))
	for id, c := range m.conversations {
		ids = append(ids, id)
		convs = append(convs, c)
	}
	m.mu.RUnlock()

	out := make([]Summary, len(ids))
	for i, c := range convs {
		out[i] = Summary{ConversationID: ids[i], Latest: c.latest()}
	}
	return out
}

// latest picks the newest message; on equal timestamps the later append wins.
func (c *conversation) latest() *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var best *Message
	for _, msg := range c.messages {
		if best == nil || !msg.CreatedAt.Before(best.CreatedAt) {
			best = msg
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

var _ VolatileStore = (*MemStore)(nil)
