// Package client implements the matching client engine: transport selection,
// request/response correlation, automatic reconnection, channel subscription
// state, and context persistence.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helenejs/helene/internal/protocol"
)

// Mode selects how the client reaches the server.
type Mode string

const (
	// HTTPOnly routes every call over HTTP POST; no events are received.
	HTTPOnly Mode = "http"
	// HTTPSSE routes calls over HTTP POST and receives events over SSE.
	HTTPSSE Mode = "http_sse"
	// WebSocket carries both directions over one socket.
	WebSocket Mode = "websocket"
)

// Lifecycle events observable with OnLifecycle.
const (
	EventWebSocketConnected = "websocket:connected"
	EventWebSocketClosed    = "websocket:closed"
	EventInitialized        = "initialized"
)

// DefaultKeepAliveInterval mirrors the server heartbeat tick.
const DefaultKeepAliveInterval = 10 * time.Second

// Options configures a Client.
type Options struct {
	// Host is the server authority, e.g. "localhost:3000".
	Host   string
	Secure bool
	Mode   Mode

	// Token is passed to rpc:init. It can be rotated later with SetToken.
	Token string
	Meta  map[string]any

	// StorePath persists the last known context between runs. Empty
	// disables persistence.
	StorePath string

	// IdleTimeout closes the transport after inactivity; Touch resets it.
	// Zero disables the idle timer.
	IdleTimeout time.Duration

	KeepAliveInterval time.Duration
	HTTPClient        *http.Client
	Logger            zerolog.Logger
}

// Client is one logical connection to a server, surviving transport drops.
type Client struct {
	opts   Options
	uuid   string
	httpc  *http.Client
	logger zerolog.Logger
	store  *contextStore
	queue  *queue

	mu          sync.Mutex
	mode        Mode
	token       string
	serverCtx   map[string]any
	initialized bool
	initCh      chan struct{}
	subs        map[string]map[string]bool // channel → events we hold
	handlers    map[string][]func(params any)
	lifecycle   map[string][]func()

	pendingOn  map[string]map[string][]chan subResult
	pendingOff map[string]map[string][]chan subResult
	flushTimer *time.Timer

	ws  *wsConn
	sse *sseStream

	idleTimer *time.Timer

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a client and starts its transport. The persisted context, when
// present and well formed, is loaded before any network activity.
func New(opts Options) *Client {
	if opts.Mode == "" {
		opts.Mode = WebSocket
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = DefaultKeepAliveInterval
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Client{
		opts:       opts,
		uuid:       uuid.NewString(),
		httpc:      httpc,
		logger:     opts.Logger,
		queue:      newQueue(),
		mode:       opts.Mode,
		token:      opts.Token,
		initCh:     make(chan struct{}),
		subs:       make(map[string]map[string]bool),
		handlers:   make(map[string][]func(any)),
		lifecycle:  make(map[string][]func()),
		pendingOn:  make(map[string]map[string][]chan subResult),
		pendingOff: make(map[string]map[string][]chan subResult),
		closed:     make(chan struct{}),
	}
	if opts.StorePath != "" {
		c.store = &contextStore{path: opts.StorePath}
		if ctx := c.store.load(); ctx != nil {
			c.serverCtx = ctx
		}
	}

	c.startTransport()
	c.armIdleTimer()
	return c
}

// UUID returns the client-chosen session identity sent during SETUP.
func (c *Client) UUID() string { return c.uuid }

// Initialized reports whether rpc:init completed on the current transport.
func (c *Client) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// ServerContext returns the context projection the server returned from the
// last successful rpc:init.
func (c *Client) ServerContext() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.serverCtx))
	for k, v := range c.serverCtx {
		out[k] = v
	}
	return out
}

// SetToken rotates the auth token. An established SSE stream is torn down so
// the next one re-authenticates, and WebSocket re-inits in place.
func (c *Client) SetToken(ctx context.Context, token string) error {
	c.mu.Lock()
	c.token = token
	sse := c.sse
	ws := c.ws
	c.mu.Unlock()

	if sse != nil {
		sse.stop()
	}
	if ws != nil && ws.ready() {
		return c.initialize(ctx)
	}
	return nil
}

// SetMode switches transports at runtime.
func (c *Client) SetMode(mode Mode) {
	c.mu.Lock()
	if c.mode == mode {
		c.mu.Unlock()
		return
	}
	c.mode = mode
	c.mu.Unlock()

	c.stopTransport()
	c.setInitialized(false)
	c.startTransport()
}

// On registers a handler for an event on a channel. Pass an empty channel
// for the server-wide default.
func (c *Client) On(channel, event string, fn func(params any)) {
	if channel == "" {
		channel = protocol.NoChannel
	}
	key := channel + "\x00" + event
	c.mu.Lock()
	c.handlers[key] = append(c.handlers[key], fn)
	c.mu.Unlock()
}

// OnLifecycle observes client lifecycle events such as
// EventWebSocketConnected.
func (c *Client) OnLifecycle(name string, fn func()) {
	c.mu.Lock()
	c.lifecycle[name] = append(c.lifecycle[name], fn)
	c.mu.Unlock()
}

func (c *Client) emitLifecycle(name string) {
	c.mu.Lock()
	fns := append([]func(){}, c.lifecycle[name]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Touch resets the idle timer; callers invoke it on user activity.
func (c *Client) Touch() {
	c.armIdleTimer()
}

func (c *Client) armIdleTimer() {
	if c.opts.IdleTimeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.opts.IdleTimeout, func() {
		c.logger.Info().Msg("Idle timeout reached, closing transport")
		c.stopTransport()
	})
}

// Close stops all transports and rejects pending requests. The client cannot
// be reused afterwards.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		c.mu.Unlock()
		c.stopTransport()
		c.queue.rejectAll(fmt.Errorf("client closed"))
	})
}

func (c *Client) startTransport() {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()

	switch mode {
	case WebSocket:
		ws := newWSConn(c)
		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		go ws.run()
	case HTTPSSE:
		sse := newSSEStream(c)
		c.mu.Lock()
		c.sse = sse
		c.mu.Unlock()
		go sse.run()
		// Init after the stream opens so rpc:init binds to the stream's
		// session instead of a transient one.
		go func() {
			select {
			case <-sse.ready:
			case <-time.After(10 * time.Second):
			case <-c.closed:
				return
			}
			c.initHTTP()
		}()
	case HTTPOnly:
		go c.initHTTP()
	}
}

func (c *Client) stopTransport() {
	c.mu.Lock()
	ws := c.ws
	sse := c.sse
	c.ws = nil
	c.sse = nil
	c.mu.Unlock()

	if ws != nil {
		ws.stop()
	}
	if sse != nil {
		sse.stop()
	}
	c.setInitialized(false)
}

// initHTTP performs rpc:init over HTTP for the non-WebSocket modes.
func (c *Client) initHTTP() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.initialize(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("HTTP init failed")
	}
}

// initialize runs rpc:init with the persisted token and stores the returned
// context projection.
func (c *Client) initialize(ctx context.Context) error {
	c.mu.Lock()
	params := map[string]any{"token": c.token}
	if c.opts.Meta != nil {
		params["meta"] = c.opts.Meta
	}
	c.mu.Unlock()

	result, err := c.Call(ctx, protocol.MethodRPCInit, params, &CallOptions{IgnoreInit: true})
	if err != nil {
		return fmt.Errorf("rpc:init: %w", err)
	}

	if ctxMap, ok := result.(map[string]any); ok {
		c.mu.Lock()
		c.serverCtx = ctxMap
		c.mu.Unlock()
		if c.store != nil {
			c.store.save(ctxMap)
		}
	}
	c.setInitialized(true)
	c.emitLifecycle(EventInitialized)
	return nil
}

func (c *Client) setInitialized(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v == c.initialized {
		return
	}
	c.initialized = v
	if v {
		close(c.initCh)
	} else {
		c.initCh = make(chan struct{})
	}
}

func (c *Client) waitInitialized(d time.Duration) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	ch := c.initCh
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-c.closed:
		return fmt.Errorf("client closed")
	case <-time.After(d):
		return fmt.Errorf("client not initialized")
	}
}

// handleFrame processes one inbound frame from any transport.
func (c *Client) handleFrame(f protocol.Frame) {
	switch f.Type {
	case protocol.FrameResult:
		c.queue.resolve(f.ID, f.Result)
	case protocol.FrameError:
		if f.ID == "" {
			c.logger.Warn().Str("message", f.Message).Msg("Server error without correlation id")
			return
		}
		c.queue.reject(f.ID, protocol.ErrorFromFrame(f))
	case protocol.FrameEvent:
		c.dispatchEvent(f)
	case protocol.FrameHeartbeat:
		// Echoed by the transport that received it.
	default:
		c.logger.Debug().Str("type", f.Type.String()).Msg("Ignoring unexpected frame")
	}
}

func (c *Client) dispatchEvent(f protocol.Frame) {
	channel := f.Channel
	if channel == "" {
		channel = protocol.NoChannel
	}
	key := channel + "\x00" + f.Event
	c.mu.Lock()
	fns := append([]func(any){}, c.handlers[key]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(f.Params)
	}
}
