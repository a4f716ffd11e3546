// Package libbus is a thin publish/subscribe abstraction.
// NATS backs it in server deployments; InMem serves single-process runs and tests.
package libbus

import (
	"context"
	"errors"
)

var (
	ErrConnectionClosed       = errors.New("libbus: connection closed")
	ErrStreamSubscriptionFail = errors.New("libbus: stream subscription failed")
	ErrMessagePublish         = errors.New("libbus: publish failed")
)

// Subscription is returned by Stream.
type Subscription interface {
	Unsubscribe() error
}

// Messenger is the bus contract shared by all implementations.
type Messenger interface {
	// Publish is fire-and-forget.
	Publish(ctx context.Context, subject string, data []byte) error
	// Stream delivers every message on subject to ch until ctx is done or
	// the subscription is removed.
	Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error)
	Close() error
}

type Config struct {
	NATSURL      string
	NATSUser     string
	NATSPassword string
}
