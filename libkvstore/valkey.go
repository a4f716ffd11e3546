package libkvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

type valkeyManager struct {
	client  valkey.Client
	timeout time.Duration
}

// NewManager connects to the Valkey server at cfg.KVAddr. timeout bounds
// every command issued through the returned executors.
func NewManager(cfg Config, timeout time.Duration) (KVManager, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{cfg.KVAddr},
		Password:     cfg.KVPassword,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("libkv: failed to connect to valkey: %w", err)
	}
	return &valkeyManager{client: client, timeout: timeout}, nil
}

func (m *valkeyManager) Executor(ctx context.Context) (KVExecutor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &valkeyExecutor{client: m.client, timeout: m.timeout}, nil
}

func (m *valkeyManager) Close() error {
	m.client.Close()
	return nil
}

type valkeyExecutor struct {
	client  valkey.Client
	timeout time.Duration
}

func (e *valkeyExecutor) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *valkeyExecutor) Get(ctx context.Context, key string) (json.RawMessage, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	b, err := e.client.Do(ctx, e.client.B().Get().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("libkv: get %q: %w", key, err)
	}
	return json.RawMessage(b), nil
}

func (e *valkeyExecutor) Set(ctx context.Context, key string, value json.RawMessage) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	cmd := e.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Build()
	if err := e.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("libkv: set %q: %w", key, err)
	}
	return nil
}

func (e *valkeyExecutor) SetWithTTL(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	cmd := e.client.B().Set().Key(key).Value(valkey.BinaryString(value)).PxMilliseconds(ttl.Milliseconds()).Build()
	if err := e.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("libkv: set %q with ttl: %w", key, err)
	}
	return nil
}

func (e *valkeyExecutor) Delete(ctx context.Context, key string) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	if err := e.client.Do(ctx, e.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("libkv: delete %q: %w", key, err)
	}
	return nil
}

func (e *valkeyExecutor) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	n, err := e.client.Do(ctx, e.client.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("libkv: exists %q: %w", key, err)
	}
	return n > 0, nil
}

func (e *valkeyExecutor) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	keys, err := e.client.Do(ctx, e.client.B().Keys().Pattern(pattern).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("libkv: keys %q: %w", pattern, err)
	}
	return keys, nil
}
