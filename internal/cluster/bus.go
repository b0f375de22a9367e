// Package cluster federates events between server instances through a shared
// message bus and tracks cluster-wide presence.
package cluster

import "context"

// Handler receives raw messages from a bus subscription.
type Handler func(data []byte)

// Bus is the shared message bus the relay publishes through. Implementations
// must preserve per-topic publish order from a single origin.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe registers fn for every message on topic and returns an
	// unsubscribe function.
	Subscribe(ctx context.Context, topic string, fn Handler) (func(), error)
	Close() error
}
