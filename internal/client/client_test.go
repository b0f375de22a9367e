package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helenejs/helene/internal/protocol"
	"github.com/helenejs/helene/internal/server"
)

// startServer runs a real server behind httptest and returns its host
// authority for client options.
func startServer(t *testing.T, opts server.Options) (*server.Server, string) {
	t.Helper()
	s, err := server.New(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close(context.Background())
	})
	return s, strings.TrimPrefix(ts.URL, "http://")
}

func startClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c := New(opts)
	t.Cleanup(c.Close)
	return c
}

func testAuth(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if payload["token"] == "letmein" {
		return map[string]any{"userId": "u1", "role": "admin"}, nil
	}
	return nil, nil
}

func TestWebSocketClientCall(t *testing.T) {
	s, host := startServer(t, server.Options{})
	s.AddMethod("echo", func(c *server.CallContext) (any, error) {
		return c.Params, nil
	}, server.MethodOptions{})

	c := startClient(t, Options{Host: host, Mode: WebSocket})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := c.Call(ctx, "echo", map[string]any{"msg": "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"msg": "hi"}, result)
	assert.True(t, c.Initialized())
}

func TestHTTPOnlyClientCall(t *testing.T) {
	s, host := startServer(t, server.Options{})
	s.AddMethod("double", func(c *server.CallContext) (any, error) {
		params := c.ParamsMap()
		text, _ := params["text"].(string)
		return text + text, nil
	}, server.MethodOptions{})

	c := startClient(t, Options{Host: host, Mode: HTTPOnly})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := c.Call(ctx, "double", map[string]any{"text": "ab"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "abab", result)
}

func TestClientMethodErrorSurfaces(t *testing.T) {
	s, host := startServer(t, server.Options{})
	s.AddMethod("deny", func(c *server.CallContext) (any, error) {
		return nil, protocol.ErrMethodForbidden
	}, server.MethodOptions{})

	c := startClient(t, Options{Host: host, Mode: WebSocket})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.Call(ctx, "deny", nil, nil)
	require.Error(t, err)
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.MsgMethodForbidden, perr.Message)
}

func TestClientTokenAuthentication(t *testing.T) {
	s, host := startServer(t, server.Options{
		Auth:               testAuth,
		AllowedContextKeys: []string{"role"},
	})
	s.AddMethod("whoami", func(c *server.CallContext) (any, error) {
		return c.Session.UserID(), nil
	}, server.MethodOptions{Protected: true})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	authed := startClient(t, Options{Host: host, Mode: WebSocket, Token: "letmein"})
	result, err := authed.Call(ctx, "whoami", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "u1", result)
	serverCtx := authed.ServerContext()
	assert.Equal(t, "u1", serverCtx["userId"])
	assert.Equal(t, "admin", serverCtx["role"])

	anon := startClient(t, Options{Host: host, Mode: WebSocket})
	_, err = anon.Call(ctx, "whoami", nil, nil)
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.MsgMethodForbidden, perr.Message)
}

func TestClientSubscribeReceivesEvents(t *testing.T) {
	s, host := startServer(t, server.Options{})
	s.AddEvent("tick", server.EventOptions{})

	c := startClient(t, Options{Host: host, Mode: WebSocket})

	received := make(chan any, 1)
	c.On("", "tick", func(params any) { received <- params })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok, err := c.Subscribe(ctx, "", "tick")
	require.NoError(t, err)
	require.True(t, ok)

	s.Channel("").Emit("tick", map[string]any{"n": "1"})
	select {
	case params := <-received:
		assert.Equal(t, map[string]any{"n": "1"}, params)
	case <-time.After(5 * time.Second):
		t.Fatal("event never arrived")
	}
}

func TestClientSubscriptionsBatchIntoOneCall(t *testing.T) {
	s, host := startServer(t, server.Options{})
	s.AddEvent("a", server.EventOptions{})
	s.AddEvent("b", server.EventOptions{})

	var rpcOnCalls atomic.Int64
	s.Notifier().On(server.NotifyMethodExecution, func(payload any) {
		if payload.(server.MethodExecution).Name == protocol.MethodRPCOn {
			rpcOnCalls.Add(1)
		}
	})

	c := startClient(t, Options{Host: host, Mode: WebSocket})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Wait for init so the debounce window is the only variable.
	_, err := c.Call(ctx, protocol.MethodListMethods, nil, nil)
	require.NoError(t, err)

	type verdict struct {
		ok  bool
		err error
	}
	results := make(chan verdict, 2)
	for _, event := range []string{"a", "b"} {
		event := event
		go func() {
			ok, err := c.Subscribe(ctx, "room", event)
			results <- verdict{ok, err}
		}()
	}
	for i := 0; i < 2; i++ {
		v := <-results
		require.NoError(t, v.err)
		assert.True(t, v.ok)
	}
	assert.Equal(t, int64(1), rpcOnCalls.Load(), "debounced subscriptions share one rpc:on")

	subs := c.Subscriptions()
	assert.ElementsMatch(t, []string{"a", "b"}, subs["room"])
}

func TestClientUnsubscribeStopsDelivery(t *testing.T) {
	s, host := startServer(t, server.Options{})
	s.AddEvent("tick", server.EventOptions{})

	c := startClient(t, Options{Host: host, Mode: WebSocket})
	var count atomic.Int64
	c.On("", "tick", func(params any) { count.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok, err := c.Subscribe(ctx, "", "tick")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Unsubscribe(ctx, "", "tick")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, c.Subscriptions())

	s.Channel("").Emit("tick", nil)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(0), count.Load())
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	s, host := startServer(t, server.Options{KeepAliveInterval: time.Second})
	s.AddEvent("tick", server.EventOptions{})

	c := startClient(t, Options{Host: host, Mode: WebSocket, KeepAliveInterval: time.Second})

	received := make(chan any, 4)
	c.On("", "tick", func(params any) { received <- params })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ok, err := c.Subscribe(ctx, "", "tick")
	require.NoError(t, err)
	require.True(t, ok)

	// Kill the server-side session; the client must reconnect and rebuild
	// its subscriptions on its own.
	sess, found := s.Session(c.UUID())
	require.True(t, found)
	sess.Close()

	require.Eventually(t, func() bool {
		subscribedSess, ok := s.Session(c.UUID())
		if !ok {
			return false
		}
		s.Channel("").Emit("tick", "after-reconnect")
		_ = subscribedSess
		select {
		case <-received:
			return true
		default:
			return false
		}
	}, 10*time.Second, 200*time.Millisecond)
}

func TestClientCallTimeout(t *testing.T) {
	s, host := startServer(t, server.Options{})
	s.AddMethod("stall", func(c *server.CallContext) (any, error) {
		time.Sleep(2 * time.Second)
		return nil, nil
	}, server.MethodOptions{})

	c := startClient(t, Options{Host: host, Mode: WebSocket})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.Call(ctx, "stall", nil, &CallOptions{Timeout: 200 * time.Millisecond})
	assert.ErrorIs(t, err, errResultTimeout)
}

func TestClientRateLimitedOverHTTP(t *testing.T) {
	s, host := startServer(t, server.Options{
		RateLimit: &server.RateLimitOptions{Max: 3, Interval: time.Hour},
	})
	s.AddMethod("ping", func(c *server.CallContext) (any, error) { return "pong", nil }, server.MethodOptions{})

	c := startClient(t, Options{Host: host, Mode: HTTPOnly})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var limited bool
	for i := 0; i < 10; i++ {
		_, err := c.Call(ctx, "ping", nil, nil)
		var perr *protocol.Error
		if errors.As(err, &perr) && perr.Message == protocol.MsgRateLimitExceeded {
			limited = true
			break
		}
	}
	assert.True(t, limited, "sequential HTTP calls share one budget")
}

func TestClientVoidCall(t *testing.T) {
	s, host := startServer(t, server.Options{})
	ran := make(chan struct{}, 1)
	s.AddMethod("fire", func(c *server.CallContext) (any, error) {
		ran <- struct{}{}
		return "ignored", nil
	}, server.MethodOptions{})

	c := startClient(t, Options{Host: host, Mode: WebSocket})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Warm up so the socket is ready before the fire-and-forget send.
	_, err := c.Call(ctx, protocol.MethodListMethods, nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.Void(ctx, "fire", nil, nil))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("void call never executed")
	}
}

func TestClientPersistsContext(t *testing.T) {
	s, host := startServer(t, server.Options{
		Auth:               testAuth,
		AllowedContextKeys: []string{"role"},
	})
	_ = s

	storePath := t.TempDir() + "/context.json"
	c := startClient(t, Options{Host: host, Mode: WebSocket, Token: "letmein", StorePath: storePath})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.Call(ctx, protocol.MethodListMethods, nil, nil)
	require.NoError(t, err)

	store := &contextStore{path: storePath}
	require.Eventually(t, func() bool {
		saved := store.load()
		return saved != nil && saved["userId"] == "u1"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestClientSSEModeReceivesEvents(t *testing.T) {
	s, host := startServer(t, server.Options{})
	s.AddEvent("tick", server.EventOptions{})

	c := startClient(t, Options{Host: host, Mode: HTTPSSE})

	received := make(chan any, 1)
	c.On("", "tick", func(params any) { received <- params })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ok, err := c.Subscribe(ctx, "", "tick")
	require.NoError(t, err)
	require.True(t, ok)

	s.Channel("").Emit("tick", map[string]any{"via": "sse"})
	select {
	case params := <-received:
		assert.Equal(t, map[string]any{"via": "sse"}, params)
	case <-time.After(10 * time.Second):
		t.Fatal("SSE event never arrived")
	}
}
