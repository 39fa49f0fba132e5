// Package nats provides a NATS backplane implementation for relay. Every hub
// instance publishes its frames to a shared subject and receives the frames
// of every other instance, so a message published anywhere reaches clients
// connected everywhere.
package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/relaykit/relay"
)

// Backplane implements relay.Backplane using NATS as the message broker.
// Frames are encoded with the provided codec (MessagePack in a standard
// deployment) and fit in single NATS messages.
type Backplane struct {
	conn         *nats.Conn
	codec        relay.Codec
	subject      string
	log          *zap.Logger
	subscription *nats.Subscription
}

var _ relay.Backplane = &Backplane{}

// New creates a NATS backplane on the given connection. Channel scopes the
// subject so multiple deployments can share one NATS cluster; it may be
// empty. A nil logger disables logging.
func New(conn *nats.Conn, channel string, codec relay.Codec, log *zap.Logger) *Backplane {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backplane{
		conn:    conn,
		codec:   codec,
		subject: subjectFor(channel),
		log:     log,
	}
}

// Publish enqueues the frame on the client's flush buffer. The NATS client
// has no context-aware publish; a context already done before the call is
// honored, the buffered write itself does not block.
func (b *Backplane) Publish(ctx context.Context, f *relay.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := b.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return b.conn.Publish(b.subject, buf)
}

func (b *Backplane) Subscribe(handler func(*relay.Frame)) error {
	subscription, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		var f relay.Frame
		if err := b.codec.Decode(msg.Data, &f); err != nil {
			b.log.Warn("dropping undecodable backplane frame",
				zap.String("subject", b.subject),
				zap.Error(err))
			return
		}
		handler(&f)
	})
	if err != nil {
		return err
	}
	b.subscription = subscription
	return nil
}

func (b *Backplane) Close() error {
	if b.subscription != nil {
		return b.subscription.Unsubscribe()
	}
	return nil
}
