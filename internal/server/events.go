package server

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/helenejs/helene/internal/metrics"
	"github.com/helenejs/helene/internal/protocol"
)

// EventOptions configures a global event at registration time.
type EventOptions struct {
	Protected bool
	// ShouldSubscribe, when set, is consulted per rpc:on attempt. Returning
	// false records a denied subscription for that event.
	ShouldSubscribe func(sess *Session, event, channel string) bool
}

// EventDef is a globally named broadcast signal. The same event name is
// delivered through any channel holding subscribers for it.
type EventDef struct {
	Name string
	EventOptions
}

// AddEvent registers a global event definition.
func (s *Server) AddEvent(name string, opts EventOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[name] = &EventDef{Name: name, EventOptions: opts}
}

func (s *Server) event(name string) (*EventDef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.events[name]
	return def, ok
}

// Channel is a named partition of the event namespace. Subscriber sets hold
// session uuids, not sessions, so session death cannot dangle.
type Channel struct {
	server *Server
	name   string
}

// Channel returns the named channel, creating it lazily. The empty name
// resolves to the server-wide default.
func (s *Server) Channel(name string) *Channel {
	if name == "" {
		name = protocol.NoChannel
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelLocked(name)
}

func (s *Server) channelLocked(name string) *Channel {
	if subs, ok := s.subscribers[name]; ok && subs != nil {
		return &Channel{server: s, name: name}
	}
	s.subscribers[name] = make(map[string]map[string]struct{})
	return &Channel{server: s, name: name}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// subscribe inserts the session into this channel's set for event.
// Duplicate inserts are no-ops.
func (c *Channel) subscribe(sess *Session, event string) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subscribers[c.name]
	if subs == nil {
		subs = make(map[string]map[string]struct{})
		s.subscribers[c.name] = subs
	}
	if subs[event] == nil {
		subs[event] = make(map[string]struct{})
	}
	subs[event][sess.uuid] = struct{}{}
}

// unsubscribe removes the session from this channel's set for event and
// reports whether it was subscribed. Empty non-default channels are evicted.
func (c *Channel) unsubscribe(sess *Session, event string) bool {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subscribers[c.name]
	set := subs[event]
	if set == nil {
		return false
	}
	if _, ok := set[sess.uuid]; !ok {
		return false
	}
	delete(set, sess.uuid)
	if len(set) == 0 {
		delete(subs, event)
	}
	s.evictChannelLocked(c.name)
	return true
}

// subscribed reports membership for (channel, event, session).
func (c *Channel) subscribed(sess *Session, event string) bool {
	s := c.server
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscribers[c.name][event][sess.uuid]
	return ok
}

func (s *Server) evictChannelLocked(name string) {
	if name == protocol.NoChannel {
		return
	}
	if len(s.subscribers[name]) == 0 {
		delete(s.subscribers, name)
	}
}

// Emit broadcasts an event to every subscriber of this channel across the
// cluster. With a relay attached the frame goes to the bus only; the relay's
// own subscription performs the local fan-out, so each local subscriber sees
// the event exactly once. Unknown events are logged and dropped.
func (c *Channel) Emit(event string, params any) {
	s := c.server
	if _, ok := s.event(event); !ok {
		log.Warn().Str("event", event).Str("channel", c.name).Msg("Emit for unregistered event, dropping")
		return
	}

	frame := protocol.NewEventFrame(c.name, event, params)
	data, err := protocol.Encode(frame)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to encode event frame")
		return
	}
	metrics.EventsEmitted.WithLabelValues(event).Inc()

	if relay := s.relay; relay != nil {
		err := relay.Publish(context.Background(), c.name, event, data)
		if err == nil {
			return
		}
		metrics.RelayErrors.Inc()
		log.Warn().Err(err).Str("event", event).Str("channel", c.name).
			Msg("Relay publish failed, delivering locally only")
		// The bus never carried the frame, so a local fan-out cannot
		// double-deliver.
	}
	s.fanOutLocal(c.name, event, data)
}

// Defer schedules an Emit on the next scheduler tick, letting the calling
// handler return first.
func (c *Channel) Defer(event string, params any) {
	go c.Emit(event, params)
}

// fanOutLocal delivers an encoded EVENT frame to every local subscriber of
// (channel, event) exactly once. It is the relay's Deliverer, so unknown
// channels are silent; unknown events are logged and dropped.
func (s *Server) fanOutLocal(channel, event string, data []byte) {
	if _, ok := s.event(event); !ok {
		log.Warn().Str("event", event).Str("channel", channel).Msg("Dropping event with no local definition")
		return
	}

	s.mu.RLock()
	set := s.subscribers[channel][event]
	targets := make([]*Session, 0, len(set))
	for uuid := range set {
		if sess, ok := s.sessions[uuid]; ok {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		if err := sess.sendEncoded(data); err != nil {
			log.Debug().Err(err).Str("session", sess.uuid).Str("event", event).Msg("Event delivery failed")
			continue
		}
		metrics.EventsDelivered.Inc()
	}
}

// removeSession drops the session from the registry and every subscriber
// set, evicting channels it emptied.
func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	_, known := s.sessions[sess.uuid]
	delete(s.sessions, sess.uuid)
	for name, subs := range s.subscribers {
		for event, set := range subs {
			delete(set, sess.uuid)
			if len(set) == 0 {
				delete(subs, event)
			}
		}
		s.evictChannelLocked(name)
	}
	s.mu.Unlock()

	if !known {
		return
	}
	metrics.Connections.WithLabelValues(sess.Transport()).Dec()
	if relay := s.relay; relay != nil {
		relay.SessionClosed(context.Background(), sess.uuid)
		if userID := sess.UserID(); userID != "" {
			relay.UserLoggedOut(context.Background(), userID)
		}
	}
	// Disconnecting without rpc:logout still releases the authenticated
	// gauge slot.
	sess.clearAuth()
	s.notifier.emit(NotifyDisconnection, sess)
}
