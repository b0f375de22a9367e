package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Envelope is the message the relay publishes on the bus: the already
// encoded EVENT frame plus the channel/event pair needed for subscriber
// lookup on the receiving side.
type Envelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Frame   json.RawMessage `json:"frame"`
}

// DefaultTopic is the single logical topic all instances share.
const DefaultTopic = "helene:events"

// Deliverer performs the local fan-out for a bus-received event. Unknown
// channels or events are the deliverer's problem to log and drop; the relay
// never republishes.
type Deliverer func(channel, event string, frame []byte)

// Relay connects one server instance to the shared bus. Locally emitted
// events are published to the bus only; the relay's own subscription then
// performs the local fan-out on every instance, origin included, which keeps
// delivery at most once per local subscriber.
type Relay struct {
	bus        Bus
	presence   Presence // nil when the bus has no presence backend
	topic      string
	instanceID string
	deliver    Deliverer
	logger     zerolog.Logger

	mu          sync.Mutex
	userRefs    map[string]int
	unsubscribe func()
}

// NewRelay wires a relay. presence may be nil.
func NewRelay(bus Bus, presence Presence, instanceID, topic string, deliver Deliverer, logger zerolog.Logger) *Relay {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Relay{
		bus:        bus,
		presence:   presence,
		topic:      topic,
		instanceID: instanceID,
		deliver:    deliver,
		logger:     logger,
		userRefs:   make(map[string]int),
	}
}

// Start registers the instance and subscribes to the shared topic.
func (r *Relay) Start(ctx context.Context) error {
	if r.presence != nil {
		if err := r.presence.Register(ctx, r.instanceID); err != nil {
			return fmt.Errorf("register instance: %w", err)
		}
	}
	unsubscribe, err := r.bus.Subscribe(ctx, r.topic, r.onMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.topic, err)
	}
	r.mu.Lock()
	r.unsubscribe = unsubscribe
	r.mu.Unlock()

	r.logger.Info().Str("instance", r.instanceID).Str("topic", r.topic).Msg("Cluster relay started")
	return nil
}

// Publish sends a locally emitted event to the bus. Local subscribers are
// served by the relay's own subscription, never directly.
func (r *Relay) Publish(ctx context.Context, channel, event string, frame []byte) error {
	data, err := json.Marshal(Envelope{Event: event, Channel: channel, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.bus.Publish(ctx, r.topic, data); err != nil {
		return fmt.Errorf("publish %s/%s: %w", channel, event, err)
	}
	return nil
}

func (r *Relay) onMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn().Err(err).Msg("Dropping malformed bus message")
		return
	}
	r.deliver(env.Channel, env.Event, env.Frame)
}

// SessionOpened records a new local connection in the cluster presence sets.
func (r *Relay) SessionOpened(ctx context.Context, clientID string) {
	if r.presence == nil {
		return
	}
	if err := r.presence.AddClient(ctx, r.instanceID, clientID); err != nil {
		r.logger.Warn().Err(err).Str("client", clientID).Msg("Presence add client failed")
	}
}

// SessionClosed removes a local connection from the presence sets.
func (r *Relay) SessionClosed(ctx context.Context, clientID string) {
	if r.presence == nil {
		return
	}
	if err := r.presence.RemoveClient(ctx, r.instanceID, clientID); err != nil {
		r.logger.Warn().Err(err).Str("client", clientID).Msg("Presence remove client failed")
	}
}

// UserAuthenticated reference-counts sessions per user so a user joins the
// cluster users set on their first session only.
func (r *Relay) UserAuthenticated(ctx context.Context, userID string) {
	if r.presence == nil || userID == "" {
		return
	}
	r.mu.Lock()
	r.userRefs[userID]++
	first := r.userRefs[userID] == 1
	r.mu.Unlock()

	if first {
		if err := r.presence.AddUser(ctx, r.instanceID, userID); err != nil {
			r.logger.Warn().Err(err).Str("user", userID).Msg("Presence add user failed")
		}
	}
}

// UserLoggedOut removes the user from the cluster set when their last
// session on this instance ends.
func (r *Relay) UserLoggedOut(ctx context.Context, userID string) {
	if r.presence == nil || userID == "" {
		return
	}
	r.mu.Lock()
	if r.userRefs[userID] > 0 {
		r.userRefs[userID]--
	}
	last := r.userRefs[userID] == 0
	if last {
		delete(r.userRefs, userID)
	}
	r.mu.Unlock()

	if last {
		if err := r.presence.RemoveUser(ctx, r.instanceID, userID); err != nil {
			r.logger.Warn().Err(err).Str("user", userID).Msg("Presence remove user failed")
		}
	}
}

// Counts returns cluster-wide connection and distinct-user counts. The
// second return is false when no presence backend is configured.
func (r *Relay) Counts(ctx context.Context) (clients, users int64, ok bool, err error) {
	if r.presence == nil {
		return 0, 0, false, nil
	}
	clients, users, err = r.presence.Counts(ctx)
	return clients, users, true, err
}

// Close unsubscribes and removes the instance from the presence sets. The
// bus itself belongs to the caller.
func (r *Relay) Close(ctx context.Context) {
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if r.presence != nil {
		if err := r.presence.Deregister(ctx, r.instanceID); err != nil {
			r.logger.Warn().Err(err).Str("instance", r.instanceID).Msg("Presence deregister failed")
		}
	}
	r.logger.Info().Str("instance", r.instanceID).Msg("Cluster relay stopped")
}
