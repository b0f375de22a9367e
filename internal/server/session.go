package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/helenejs/helene/internal/metrics"
	"github.com/helenejs/helene/internal/protocol"
)

// Transport kinds a session can ride on.
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
	TransportHTTP      = "http"
)

// sessionTransport is the outbound half of a connection. Enqueue must be
// safe for concurrent use; each implementation serializes its own writes so
// frames never interleave on the wire.
type sessionTransport interface {
	kind() string
	enqueue(data []byte) error
	close() error
}

// Session is the server-side state for one live client connection,
// regardless of transport.
type Session struct {
	server     *Server
	uuid       string
	remoteAddr string
	userAgent  string

	mu            sync.RWMutex
	authenticated bool
	authContext   map[string]any
	userID        string
	meta          map[string]any
	lastActivity  time.Time

	limiter   *rate.Limiter
	transport sessionTransport
	transient bool

	heartbeatEcho chan struct{}
	closeOnce     sync.Once
	closed        chan struct{}
}

func newSession(s *Server, uuid string, t sessionTransport, remoteAddr, userAgent string) *Session {
	sess := &Session{
		server:        s,
		uuid:          uuid,
		remoteAddr:    remoteAddr,
		userAgent:     userAgent,
		transport:     t,
		lastActivity:  time.Now(),
		heartbeatEcho: make(chan struct{}, 1),
		closed:        make(chan struct{}),
	}
	if rl := s.opts.RateLimit; rl != nil {
		max, interval := rl.Max, rl.Interval
		if max <= 0 {
			max = defaultRateLimitMax
		}
		if interval <= 0 {
			interval = defaultRateLimitInterval
		}
		sess.limiter = rate.NewLimiter(rate.Every(interval/time.Duration(max)), max)
	}
	return sess
}

// UUID returns the session identity assigned during SETUP.
func (s *Session) UUID() string { return s.uuid }

// RemoteAddr returns the peer address recorded at accept time.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// UserAgent returns the client's User-Agent header, when known.
func (s *Session) UserAgent() string { return s.userAgent }

// Transport names the transport this session rides on.
func (s *Session) Transport() string { return s.transport.kind() }

// Authenticated reports whether rpc:init succeeded on this session.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Context returns a copy of the authenticated context. It is always empty
// while the session is unauthenticated.
func (s *Session) Context() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.authContext))
	for k, v := range s.authContext {
		out[k] = v
	}
	return out
}

// UserID returns the stable user identifier, empty when unauthenticated.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Meta returns the client-supplied metadata from rpc:init.
func (s *Session) Meta() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

func (s *Session) setAuth(authContext map[string]any, userID string, meta map[string]any) {
	s.mu.Lock()
	s.authenticated = true
	s.authContext = authContext
	s.userID = userID
	if meta != nil {
		s.meta = meta
	}
	s.mu.Unlock()
	if !s.transient {
		metrics.AuthenticatedUsers.Inc()
	}
}

// clearAuth resets the session to the unauthenticated state. The context is
// always emptied together with the flag.
func (s *Session) clearAuth() {
	s.mu.Lock()
	wasAuthenticated := s.authenticated
	s.authenticated = false
	s.authContext = nil
	s.userID = ""
	s.mu.Unlock()
	if wasAuthenticated && !s.transient {
		metrics.AuthenticatedUsers.Dec()
	}
}

// allow consumes one rate-limit token. Sessions without a bucket always pass.
func (s *Session) allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// touch records inbound activity, which keeps SSE sessions alive.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Send encodes and queues a frame on the session's transport.
func (s *Session) Send(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return s.transport.enqueue(data)
}

// Result answers a METHOD frame.
func (s *Session) Result(id, method string, value any) error {
	return s.Send(protocol.NewResultFrame(id, method, value))
}

// Error answers a METHOD frame with a sanitized error.
func (s *Session) Error(id string, err *protocol.Error) error {
	return s.Send(protocol.NewErrorFrame(id, err))
}

// SendEvent delivers one EVENT frame to this session.
func (s *Session) SendEvent(channel, event string, params any) error {
	return s.Send(protocol.NewEventFrame(channel, event, params))
}

// sendEncoded writes a pre-encoded frame, used by the broadcast fan-out so
// a channel emission is encoded once.
func (s *Session) sendEncoded(data []byte) error {
	return s.transport.enqueue(data)
}

func (s *Session) echoHeartbeat() {
	select {
	case s.heartbeatEcho <- struct{}{}:
	default:
	}
}

// Close tears down the transport and removes the session from the server's
// registry and every subscriber set.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.transport.close(); err != nil {
			log.Debug().Err(err).Str("session", s.uuid).Msg("Transport close failed")
		}
		s.server.removeSession(s)
	})
}

// keepAlive drives the server side of the heartbeat: send HEARTBEAT every
// interval and close the session when the peer misses the echo window.
func (s *Session) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			// Drain a stale echo so the wait below only matches a fresh one.
			select {
			case <-s.heartbeatEcho:
			default:
			}
			if err := s.Send(protocol.Heartbeat); err != nil {
				log.Debug().Err(err).Str("session", s.uuid).Msg("Heartbeat send failed")
			}
			select {
			case <-s.heartbeatEcho:
			case <-s.closed:
				return
			case <-time.After(interval / 2):
				log.Warn().Str("session", s.uuid).Msg("Heartbeat missed, closing session")
				s.Close()
				return
			}
		}
	}
}

// idleWatch closes SSE sessions whose client stopped POSTing within the
// keep-alive window.
func (s *Session) idleWatch(window time.Duration) {
	ticker := time.NewTicker(window / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if time.Since(s.lastSeen()) > window {
				log.Info().Str("session", s.uuid).Msg("SSE session idle, closing stream")
				s.Close()
				return
			}
		}
	}
}
