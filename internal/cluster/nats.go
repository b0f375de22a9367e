package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBus carries relay traffic over NATS core pub/sub. NATS has no shared
// set primitive, so a NATS-backed cluster runs without the presence store
// and stats fall back to per-instance counts.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// NewNATSBus connects to a NATS server with the reconnect behavior tuned for
// a long-lived relay.
func NewNATSBus(url string, logger zerolog.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(500*time.Millisecond, time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected, events will not federate until reconnect")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSBus{conn: conn, logger: logger}, nil
}

// Publish sends data on the topic subject.
func (b *NATSBus) Publish(_ context.Context, topic string, data []byte) error {
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers fn for the topic subject.
func (b *NATSBus) Subscribe(_ context.Context, topic string, fn Handler) (func(), error) {
	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}

	return func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug().Err(err).Str("topic", topic).Msg("NATS unsubscribe failed")
		}
	}, nil
}

// Close drains the connection so queued publishes flush before shutdown.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
