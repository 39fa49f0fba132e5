// Package redis provides a Redis pub/sub backplane implementation for relay.
// It mirrors the NATS backplane over a single Redis channel for deployments
// that already run Redis and do not want a second broker.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaykit/relay"
)

// Backplane implements relay.Backplane using Redis pub/sub.
type Backplane struct {
	client  *redis.Client
	codec   relay.Codec
	channel string
	log     *zap.Logger

	cancel context.CancelFunc
	closed chan struct{}
}

var _ relay.Backplane = &Backplane{}

// New creates a Redis backplane on the given client. Channel scopes the
// pub/sub channel; it may be empty. A nil logger disables logging.
func New(client *redis.Client, channel string, codec relay.Codec, log *zap.Logger) *Backplane {
	if log == nil {
		log = zap.NewNop()
	}
	name := "relay:frames"
	if channel != "" {
		name = "relay:frames:" + channel
	}
	return &Backplane{
		client:  client,
		codec:   codec,
		channel: name,
		log:     log,
		closed:  make(chan struct{}),
	}
}

func (b *Backplane) Publish(ctx context.Context, f *relay.Frame) error {
	buf, err := b.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return b.client.Publish(ctx, b.channel, buf).Err()
}

// Subscribe starts a goroutine that decodes incoming frames and hands them to
// handler. Receive errors other than shutdown are logged and the loop
// continues; go-redis reconnects the pub/sub connection underneath.
func (b *Backplane) Subscribe(handler func(*relay.Frame)) error {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	go func() {
		defer close(b.closed)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var f relay.Frame
				if err := b.codec.Decode([]byte(msg.Payload), &f); err != nil {
					b.log.Warn("dropping undecodable backplane frame",
						zap.String("channel", b.channel),
						zap.Error(err))
					continue
				}
				handler(&f)
			}
		}
	}()
	return nil
}

func (b *Backplane) Close() error {
	if b.cancel != nil {
		b.cancel()
		<-b.closed
	}
	return nil
}
