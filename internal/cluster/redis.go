package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus carries relay traffic over Redis pub/sub. One client publishes,
// a dedicated pub/sub connection per subscription receives.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, url string, logger zerolog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisBus{client: client, logger: logger}, nil
}

// Publish sends data on the topic channel.
func (b *RedisBus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a pub/sub connection for topic and pumps messages to fn
// until unsubscribed or the bus closes.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, fn Handler) (func(), error) {
	pubsub := b.client.Subscribe(ctx, topic)
	// Force the subscription onto the wire before returning so callers can
	// publish immediately after.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			fn([]byte(msg.Payload))
		}
	}()

	return func() {
		if err := pubsub.Close(); err != nil {
			b.logger.Debug().Err(err).Str("topic", topic).Msg("Redis unsubscribe failed")
		}
	}, nil
}

// Close tears down all subscriptions and the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return b.client.Close()
}

// Client exposes the underlying Redis client so the presence store can share
// the connection pool.
func (b *RedisBus) Client() *redis.Client { return b.client }
