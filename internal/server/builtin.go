package server

import (
	"context"

	"github.com/helenejs/helene/internal/auth"
	"github.com/helenejs/helene/internal/protocol"
)

// rpcInit authenticates the session from the client-supplied payload and
// returns the context projection the client is allowed to see. A falsy auth
// result leaves the session unauthenticated and returns false.
func (s *Server) rpcInit(c *CallContext) (any, error) {
	params := c.ParamsMap()

	var meta map[string]any
	if m, ok := params["meta"].(map[string]any); ok {
		meta = m
	}

	if s.opts.Auth == nil {
		c.Session.clearAuth()
		return false, nil
	}

	authContext, err := s.opts.Auth(c.Context(), params)
	if err != nil {
		c.Session.clearAuth()
		return nil, protocol.ErrAuthenticationFailed
	}
	if authContext == nil {
		c.Session.clearAuth()
		return false, nil
	}

	userID := auth.UserID(authContext)
	if userID == "" {
		c.Session.clearAuth()
		return nil, protocol.ErrAuthenticationFailed
	}

	c.Session.setAuth(authContext, userID, meta)
	if relay := s.relay; relay != nil {
		relay.UserAuthenticated(context.Background(), userID)
	}
	s.notifier.emit(NotifyAuthentication, c.Session)

	return auth.Project(authContext, s.opts.AllowedContextKeys), nil
}

// rpcLogin mirrors rpc:init but is meant to run over HTTP so the caller can
// set a secure cookie from the returned context. A denied login is an error,
// not a silent unauthenticated session.
func (s *Server) rpcLogin(c *CallContext) (any, error) {
	authContext, err := s.opts.Auth(c.Context(), c.ParamsMap())
	if err != nil || authContext == nil {
		return nil, protocol.ErrAuthenticationFailed
	}
	if auth.UserID(authContext) == "" {
		return nil, protocol.ErrAuthenticationFailed
	}
	return auth.Project(authContext, s.opts.AllowedContextKeys), nil
}

// rpcLogout clears the session's authenticated state.
func (s *Server) rpcLogout(c *CallContext) (any, error) {
	userID := c.Session.UserID()
	c.Session.clearAuth()
	if relay := s.relay; relay != nil && userID != "" {
		relay.UserLoggedOut(context.Background(), userID)
	}
	s.notifier.emit(NotifyLogout, c.Session)
	return true, nil
}

// rpcOn subscribes the session to events on a channel, answering a per-event
// boolean map. Denials record false instead of failing the call.
func (s *Server) rpcOn(c *CallContext) (any, error) {
	events, channelName := subscriptionParams(c)
	result := make(map[string]any, len(events))

	// Single-shot HTTP sessions hold no subscription state; recording them
	// would leak subscriber-set entries that no disconnect ever cleans up.
	channelAllowed := !c.Session.transient
	if channelAllowed && s.opts.ShouldSubscribeToChannel != nil {
		channelAllowed = s.opts.ShouldSubscribeToChannel(c.Session, channelName)
	}
	var channel *Channel
	if channelAllowed {
		channel = s.Channel(channelName)
	}

	for _, event := range events {
		if !channelAllowed {
			result[event] = false
			continue
		}
		def, ok := s.event(event)
		if !ok {
			result[event] = false
			continue
		}
		if def.Protected && !c.Session.Authenticated() {
			result[event] = false
			continue
		}
		if def.ShouldSubscribe != nil && !def.ShouldSubscribe(c.Session, event, channelName) {
			result[event] = false
			continue
		}
		channel.subscribe(c.Session, event)
		result[event] = true
	}
	return result, nil
}

// rpcOff removes the session from subscriber sets, mirroring rpcOn's result
// shape.
func (s *Server) rpcOff(c *CallContext) (any, error) {
	events, channelName := subscriptionParams(c)
	result := make(map[string]any, len(events))
	channel := s.Channel(channelName)

	for _, event := range events {
		if _, ok := s.event(event); !ok {
			result[event] = false
			continue
		}
		result[event] = channel.unsubscribe(c.Session, event)
	}
	return result, nil
}

// eventProbe reports which of the named events are registered.
func (s *Server) eventProbe(c *CallContext) (any, error) {
	events, _ := subscriptionParams(c)
	result := make(map[string]any, len(events))
	for _, event := range events {
		_, ok := s.event(event)
		result[event] = ok
	}
	return result, nil
}

func subscriptionParams(c *CallContext) (events []string, channel string) {
	params := c.ParamsMap()
	channel, _ = params["channel"].(string)
	if channel == "" {
		channel = protocol.NoChannel
	}
	switch v := params["events"].(type) {
	case []any:
		for _, item := range v {
			if name, ok := item.(string); ok {
				events = append(events, name)
			}
		}
	case []string:
		events = v
	case string:
		events = []string{v}
	}
	return events, channel
}
