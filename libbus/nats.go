package libbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type ps struct {
	nc *nats.Conn
}

// NewPubSub connects to the NATS server described by cfg.
func NewPubSub(ctx context.Context, cfg *Config) (Messenger, error) {
	opts := []nats.Option{
		nats.Name("tablechat"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.NATSUser != "" {
		opts = append(opts, nats.UserInfo(cfg.NATSUser, cfg.NATSPassword))
	}
	nc, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := nc.FlushWithContext(flushCtx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to flush nats connection: %w", err)
	}
	return &ps{nc: nc}, nil
}

func (p *ps) Publish(ctx context.Context, subject string, data []byte) error {
	if p.nc.IsClosed() {
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.nc.Publish(subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrConnectionClosed
		}
		return fmt.Errorf("%w: %w", ErrMessagePublish, err)
	}
	return nil
}

func (p *ps) Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error) {
	if p.nc.IsClosed() {
		return nil, ErrConnectionClosed
	}
	natsChan := make(chan *nats.Msg, 64)
	sub, err := p.nc.ChanSubscribe(subject, natsChan)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamSubscriptionFail, err)
	}
	go func() {
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-natsChan:
				if !ok {
					return
				}
				select {
				case ch <- msg.Data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

func (p *ps) Close() error {
	p.nc.Close()
	return nil
}

var _ Messenger = (*ps)(nil)
