package libkvstore

import (
	"context"
	"encoding/json"
	"path"
	"slices"
	"sync"
	"time"
)

type memEntry struct {
	value     json.RawMessage
	expiresAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// memoryManager keeps everything in a map. Expired keys are dropped lazily on access.
type memoryManager struct {
	mu   sync.Mutex
	data map[string]memEntry
	now  func() time.Time
}

func NewInMemManager() KVManager {
	return &memoryManager{data: make(map[string]memEntry), now: time.Now}
}

func (m *memoryManager) Executor(ctx context.Context) (KVExecutor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *memoryManager) Close() error { return nil }

func (m *memoryManager) Get(_ context.Context, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	if e.expired(m.now()) {
		delete(m.data, key)
		return nil, ErrNotFound
	}
	return slices.Clone(e.value), nil
}

func (m *memoryManager) Set(_ context.Context, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memEntry{value: slices.Clone(value)}
	return nil
}

func (m *memoryManager) SetWithTTL(_ context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memEntry{value: slices.Clone(value), expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *memoryManager) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryManager) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// Keys supports glob patterns (path.Match syntax), close enough to Valkey's KEYS.
func (m *memoryManager) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var keys []string
	for k, e := range m.data {
		if e.expired(now) {
			continue
		}
		matched, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if matched {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

var _ KVExecutor = (*memoryManager)(nil)
