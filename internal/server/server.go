// Package server implements the real-time RPC and pub/sub server: session
// lifecycle, method dispatch, channel broadcast, the three transports, and
// the cluster relay hookup.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/google/uuid"

	"github.com/helenejs/helene/internal/cluster"
	"github.com/helenejs/helene/internal/protocol"
)

// Endpoint paths shared with the client.
const (
	WebSocketPath = "/helene-ws"
	HTTPPath      = "/__h"
)

// Rate-limit defaults used when limiting is enabled without a shape.
const (
	defaultRateLimitMax      = 60
	defaultRateLimitInterval = 60 * time.Second
)

// DefaultKeepAliveInterval is the heartbeat tick for WebSocket sessions and
// the activity baseline for SSE streams.
const DefaultKeepAliveInterval = 10 * time.Second

// AuthFunc matches auth.Func; re-declared here to keep Options readable.
type AuthFunc = func(ctx context.Context, payload map[string]any) (map[string]any, error)

// RateLimitOptions shapes the per-session request bucket.
type RateLimitOptions struct {
	Max      int
	Interval time.Duration
}

// Options configures a Server at construction time.
type Options struct {
	Host    string
	Port    int
	Origins []string // allowed Origin hosts for WS upgrades; empty allows all

	Auth               AuthFunc
	AllowedContextKeys []string

	RateLimit         *RateLimitOptions // nil disables limiting
	KeepAliveInterval time.Duration

	// Cluster relay. Bus enables federation; Presence additionally enables
	// cluster-wide stats. InstanceID defaults to a random uuid.
	Bus          cluster.Bus
	Presence     cluster.Presence
	InstanceID   string
	ClusterTopic string

	// ShouldSubscribeToChannel gates rpc:on per (session, channel).
	ShouldSubscribeToChannel func(sess *Session, channel string) bool
}

// Server is one instance of the RPC/pub-sub node.
type Server struct {
	opts     Options
	mux      *http.ServeMux
	notifier *Notifier
	relay    *cluster.Relay
	cache    *gocache.Cache

	mu          sync.RWMutex
	sessions    map[string]*Session
	methods     map[string]*methodDef
	events      map[string]*EventDef
	subscribers map[string]map[string]map[string]struct{} // channel → event → session uuids

	httpLimitersMu sync.Mutex
	httpLimiters   map[string]*limiterEntry

	accepting atomic.Bool
	listener  net.Listener
	httpSrv   *http.Server
}

// New builds a server, registers the default methods, and starts the cluster
// relay when a bus is configured.
func New(opts Options) (*Server, error) {
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}

	s := &Server{
		opts:         opts,
		mux:          http.NewServeMux(),
		notifier:     newNotifier(),
		cache:        gocache.New(gocache.NoExpiration, time.Minute),
		sessions:     make(map[string]*Session),
		methods:      make(map[string]*methodDef),
		events:       make(map[string]*EventDef),
		subscribers:  make(map[string]map[string]map[string]struct{}),
		httpLimiters: make(map[string]*limiterEntry),
	}
	s.subscribers[protocol.NoChannel] = make(map[string]map[string]struct{})
	s.registerDefaultMethods()

	s.mux.HandleFunc(WebSocketPath, s.handleWebSocket)
	s.mux.HandleFunc(HTTPPath, s.handleHTTP)

	if opts.Bus != nil {
		s.relay = cluster.NewRelay(opts.Bus, opts.Presence, opts.InstanceID, opts.ClusterTopic, s.fanOutLocal, log.Logger)
		if err := s.relay.Start(context.Background()); err != nil {
			return nil, fmt.Errorf("start cluster relay: %w", err)
		}
	}

	s.accepting.Store(true)
	s.notifier.emit(NotifyReady, s)
	return s, nil
}

// Notifier exposes the internal lifecycle notifier for observers.
func (s *Server) Notifier() *Notifier { return s.notifier }

// Handler returns the HTTP handler carrying all three transports, for
// embedding into an existing mux or an httptest server.
func (s *Server) Handler() http.Handler { return s.mux }

// AcceptConnections toggles the upgrade gate. While false, WS upgrades
// answer 503.
func (s *Server) AcceptConnections(accept bool) {
	s.accepting.Store(accept)
}

// Addr returns the bound listen address once ListenAndServe has started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ListenAndServe binds the configured host:port and serves until ctx is
// cancelled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.Close(context.Background())
	}()

	log.Info().Str("addr", listener.Addr().String()).Msg("Server listening")
	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stats reports connection and distinct-user counts: cluster-wide when a
// presence store is attached, local otherwise.
type Stats struct {
	Connections int64
	Users       int64
	Clustered   bool
}

// Stats returns live counts. Presence failures fall back to local counts.
func (s *Server) Stats(ctx context.Context) Stats {
	if s.relay != nil {
		clients, users, ok, err := s.relay.Counts(ctx)
		if err == nil && ok {
			return Stats{Connections: clients, Users: users, Clustered: true}
		}
		if err != nil {
			log.Warn().Err(err).Msg("Cluster stats unavailable, falling back to local counts")
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	distinct := make(map[string]struct{})
	for _, sess := range s.sessions {
		if id := sess.UserID(); id != "" {
			distinct[id] = struct{}{}
		}
	}
	return Stats{
		Connections: int64(len(s.sessions)),
		Users:       int64(len(distinct)),
	}
}

// Close stops accepting, notifies and closes every session, deregisters
// from the cluster, and shuts the HTTP listener down.
func (s *Server) Close(ctx context.Context) error {
	s.accepting.Store(false)

	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()
	for _, sess := range sessions {
		sess.Close()
	}

	if s.relay != nil {
		s.relay.Close(ctx)
	}

	s.notifier.emit(NotifyClosed, s)

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Session looks a live session up by uuid.
func (s *Server) Session(uuid string) (*Session, bool) {
	return s.session(uuid)
}

func (s *Server) session(uuid string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[uuid]
	return sess, ok
}

// registerSession claims a uuid for the session. On collision the server
// assigns a fresh id; the caller reads the final identity back from the
// session.
func (s *Server) registerSession(sess *Session) {
	s.mu.Lock()
	if _, taken := s.sessions[sess.uuid]; taken || sess.uuid == "" {
		sess.uuid = uuid.NewString()
	}
	s.sessions[sess.uuid] = sess
	s.mu.Unlock()
}
