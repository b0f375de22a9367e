package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helenejs/helene/internal/protocol"
)

func postEnvelope(t *testing.T, url string, frame protocol.Frame, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	payload, err := protocol.Encode(frame)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"context": map[string]any{},
		"payload": json.RawMessage(payload),
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url+HTTPPath, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestHTTPPostRoundTrip(t *testing.T) {
	s := newTestServer(t, Options{})
	s.AddMethod("echo", func(c *CallContext) (any, error) { return c.Params, nil }, MethodOptions{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	frame := protocol.NewMethodFrame("echo", map[string]any{"msg": "hi"})
	resp, raw := postEnvelope(t, ts.URL, frame, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reply, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.FrameResult, reply.Type)
	assert.Equal(t, frame.ID, reply.ID)
	assert.Equal(t, map[string]any{"msg": "hi"}, reply.Result)
}

func TestHTTPPostVoidAnswers204(t *testing.T) {
	s := newTestServer(t, Options{})
	s.AddMethod("fire", func(c *CallContext) (any, error) { return nil, nil }, MethodOptions{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	frame := protocol.NewMethodFrame("fire", nil)
	frame.Void = true
	resp, raw := postEnvelope(t, ts.URL, frame, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, raw)
}

func TestHTTPPostRejectsNonMethodFrame(t *testing.T) {
	s := newTestServer(t, Options{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, raw := postEnvelope(t, ts.URL, protocol.NewEventFrame("c", "e", nil), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reply, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgInvalidRequest, reply.Message)
}

func TestHTTPPostGarbageAnswersParseError(t *testing.T) {
	s := newTestServer(t, Options{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+HTTPPath, "application/json", strings.NewReader("{broken"))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	reply, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgParseError, reply.Message)
	assert.Empty(t, reply.ID)
}

func TestHTTPBearerAuthUnlocksProtectedMethod(t *testing.T) {
	s := newTestServer(t, Options{Auth: tokenAuth})
	s.AddMethod("whoami", func(c *CallContext) (any, error) {
		return c.Session.UserID(), nil
	}, MethodOptions{Protected: true})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	// Without a token the transient session stays unauthenticated.
	_, raw := postEnvelope(t, ts.URL, protocol.NewMethodFrame("whoami", nil), nil)
	reply, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgMethodForbidden, reply.Message)

	_, raw = postEnvelope(t, ts.URL, protocol.NewMethodFrame("whoami", nil), map[string]string{
		"Authorization": "Bearer letmein",
	})
	reply, err = protocol.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.FrameResult, reply.Type)
	assert.Equal(t, "u1", reply.Result)
}

func TestHTTPRateLimitSharedAcrossRequests(t *testing.T) {
	s := newTestServer(t, Options{
		RateLimit: &RateLimitOptions{Max: 5, Interval: time.Hour},
	})
	s.AddMethod("ping", func(c *CallContext) (any, error) { return "pong", nil }, MethodOptions{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	headers := map[string]string{"x-client-id": "bursty-client"}
	for i := 0; i < 5; i++ {
		_, raw := postEnvelope(t, ts.URL, protocol.NewMethodFrame("ping", nil), headers)
		reply, err := protocol.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, protocol.FrameResult, reply.Type, "call %d should pass", i)
	}

	_, raw := postEnvelope(t, ts.URL, protocol.NewMethodFrame("ping", nil), headers)
	reply, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgRateLimitExceeded, reply.Message)
}

func TestHTTPTransientSubscribeDenied(t *testing.T) {
	s := newTestServer(t, Options{})
	s.AddEvent("tick", EventOptions{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	// Without a bound stream each POST is a throwaway session; recording
	// its uuid would leak a subscriber entry no disconnect ever removes.
	for i := 0; i < 3; i++ {
		_, raw := postEnvelope(t, ts.URL, protocol.NewMethodFrame(protocol.MethodRPCOn, map[string]any{
			"events":  "tick",
			"channel": "leak-room",
		}), nil)
		reply, err := protocol.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, protocol.FrameResult, reply.Type)
		assert.Equal(t, map[string]any{"tick": false}, reply.Result)
	}

	s.mu.RLock()
	_, channelExists := s.subscribers["leak-room"]
	s.mu.RUnlock()
	assert.False(t, channelExists, "denied one-shot subscribes must leave no channel state")
}

func TestHTTPPostKeepsBoundSessionLimiter(t *testing.T) {
	s := newTestServer(t, Options{
		RateLimit: &RateLimitOptions{Max: 5, Interval: time.Hour},
	})
	s.AddMethod("ping", func(c *CallContext) (any, error) { return "pong", nil }, MethodOptions{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+HTTPPath, nil)
	require.NoError(t, err)
	req.Header.Set("x-client-id", "stream-client")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, ok := s.session("stream-client")
		return ok
	}, time.Second, 10*time.Millisecond)
	sess, _ := s.session("stream-client")
	require.NotNil(t, sess.limiter)
	own := sess.limiter

	_, raw := postEnvelope(t, ts.URL, protocol.NewMethodFrame("ping", nil), map[string]string{
		"x-client-id": "stream-client",
	})
	reply, err := protocol.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.FrameResult, reply.Type)
	assert.Same(t, own, sess.limiter, "POSTs must not swap a stream session's bucket")
}

func TestSSERequiresClientID(t *testing.T) {
	s := newTestServer(t, Options{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + HTTPPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSEGateWhenNotAccepting(t *testing.T) {
	s := newTestServer(t, Options{})
	s.AcceptConnections(false)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+HTTPPath, nil)
	req.Header.Set("x-client-id", "blocked")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSSEStreamDeliversEvents(t *testing.T) {
	s := newTestServer(t, Options{})
	s.AddEvent("tick", EventOptions{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+HTTPPath, nil)
	require.NoError(t, err)
	req.Header.Set("x-client-id", "sse-client")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Wait for the stream's session to register, then subscribe over POST.
	require.Eventually(t, func() bool {
		_, ok := s.session("sse-client")
		return ok
	}, time.Second, 10*time.Millisecond)

	_, raw := postEnvelope(t, ts.URL, protocol.NewMethodFrame(protocol.MethodRPCOn, map[string]any{
		"events": "tick",
	}), map[string]string{"x-client-id": "sse-client"})
	reply, err := protocol.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.FrameResult, reply.Type)

	s.Channel("").Emit("tick", map[string]any{"n": "1"})

	reader := bufio.NewReader(resp.Body)
	var dataLines []string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
			continue
		}
		if line == "" && len(dataLines) > 0 {
			break
		}
	}

	event, err := protocol.Decode([]byte(strings.Join(dataLines, "\n")))
	require.NoError(t, err)
	assert.Equal(t, protocol.FrameEvent, event.Type)
	assert.Equal(t, "tick", event.Event)
	assert.Equal(t, map[string]any{"n": "1"}, event.Params)
}

func TestSSETransportReprefixesNewlines(t *testing.T) {
	rec := httptest.NewRecorder()
	transport := &sseTransport{w: rec, flusher: rec, done: make(chan struct{})}

	require.NoError(t, transport.enqueue([]byte("line1\nline2")))
	body := rec.Body.String()
	assert.Equal(t, "id: 1\ndata: line1\ndata: line2\n\n", body)
}

func TestSSECloseWritesTerminationEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	transport := &sseTransport{w: rec, flusher: rec, done: make(chan struct{})}

	require.NoError(t, transport.close())
	assert.Contains(t, rec.Body.String(), "event: close")

	// Close is idempotent and enqueue after close is a silent drop.
	require.NoError(t, transport.close())
	require.NoError(t, transport.enqueue([]byte("late")))
	assert.NotContains(t, rec.Body.String(), "late")
}
