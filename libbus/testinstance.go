package libbus

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcnats "github.com/testcontainers/testcontainers-go/modules/nats"
)

// SetupNatsInstance starts a disposable NATS container.
func SetupNatsInstance(ctx context.Context) (string, testcontainers.Container, func(), error) {
	cleanup := func() {}
	container, err := tcnats.Run(ctx, "nats:2.10-alpine")
	if err != nil {
		return "", nil, cleanup, fmt.Errorf("failed to start nats container: %w", err)
	}
	cleanup = func() {
		timeout := time.Second
		if err := container.Stop(ctx, &timeout); err != nil {
			panic(err)
		}
	}
	url, err := container.ConnectionString(ctx)
	if err != nil {
		return "", nil, cleanup, err
	}
	return url, container, cleanup, nil
}

// NewTestPubSub starts a NATS container and returns a Messenger connected to it.
func NewTestPubSub() (Messenger, func(), error) {
	ctx := context.Background()
	url, _, cleanup, err := SetupNatsInstance(ctx)
	if err != nil {
		return nil, cleanup, err
	}
	ps, err := NewPubSub(ctx, &Config{NATSURL: url})
	if err != nil {
		return nil, cleanup, err
	}
	return ps, cleanup, nil
}
