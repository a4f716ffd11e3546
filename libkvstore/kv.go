// Package libkvstore is a minimal key/value abstraction with a Valkey
// implementation for shared deployments and an in-process one for local runs.
package libkvstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("libkv: key not found")

type Config struct {
	KVAddr     string
	KVPassword string
}

// KVManager owns the connection and hands out executors.
type KVManager interface {
	Executor(ctx context.Context) (KVExecutor, error)
	Close() error
}

// KVExecutor performs key operations. Values are raw JSON.
type KVExecutor interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	SetWithTTL(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}
