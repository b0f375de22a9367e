package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/helenejs/helene/internal/protocol"
)

// errResultTimeout rejects queue entries whose response never arrived.
var errResultTimeout = errors.New("Result Timeout")

// DefaultCallTimeout bounds a call's wait for its result.
const DefaultCallTimeout = 20 * time.Second

// CallOptions tune a single call.
type CallOptions struct {
	Timeout time.Duration
	// HTTP forces this call over HTTP POST regardless of mode.
	HTTP bool
	// HTTPFallback routes over HTTP when the socket is not ready.
	// Defaults to true.
	HTTPFallback *bool
	MaxRetries   int
	RetryDelay   time.Duration
	// IgnoreInit skips the wait for rpc:init completion.
	IgnoreInit bool
}

func (o *CallOptions) withDefaults() CallOptions {
	out := CallOptions{Timeout: DefaultCallTimeout}
	if o != nil {
		out = *o
		if out.Timeout <= 0 {
			out.Timeout = DefaultCallTimeout
		}
	}
	return out
}

func (o CallOptions) httpFallback() bool {
	return o.HTTPFallback == nil || *o.HTTPFallback
}

// Call invokes a named method and waits for its result.
func (c *Client) Call(ctx context.Context, method string, params any, opts *CallOptions) (any, error) {
	o := opts.withDefaults()

	if !o.IgnoreInit && method != protocol.MethodRPCInit {
		if err := c.waitInitialized(o.Timeout / 2); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= o.MaxRetries; attempt++ {
		if attempt > 0 && o.RetryDelay > 0 {
			select {
			case <-time.After(o.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.closed:
				return nil, fmt.Errorf("client closed")
			}
		}
		result, err := c.callOnce(ctx, method, params, o)
		if err == nil {
			return result, nil
		}
		lastErr = err
		// Method-level errors are authoritative; only transport-ish
		// failures are worth retrying.
		var perr *protocol.Error
		if errors.As(err, &perr) {
			return nil, err
		}
	}
	return nil, lastErr
}

// Void invokes a method without expecting any response; method errors never
// surface.
func (c *Client) Void(ctx context.Context, method string, params any, opts *CallOptions) error {
	o := opts.withDefaults()
	frame := protocol.NewMethodFrame(method, params)
	frame.Void = true

	if c.routeHTTP(o) {
		_, err := c.postFrame(ctx, frame)
		return err
	}
	return c.sendWS(frame)
}

func (c *Client) callOnce(ctx context.Context, method string, params any, o CallOptions) (any, error) {
	frame := protocol.NewMethodFrame(method, params)

	if c.routeHTTP(o) {
		return c.postFrame(ctx, frame)
	}

	entry := c.queue.add(frame.ID, method, o.Timeout)
	if err := c.sendWS(frame); err != nil {
		c.queue.take(frame.ID)
		return nil, err
	}

	select {
	case out := <-entry.ch:
		return out.result, out.err
	case <-ctx.Done():
		c.queue.take(frame.ID)
		return nil, ctx.Err()
	}
}

// routeHTTP decides the transport for one request: forced HTTP, a non-WS
// mode, or socket-down fallback.
func (c *Client) routeHTTP(o CallOptions) bool {
	if o.HTTP {
		return true
	}
	c.mu.Lock()
	mode := c.mode
	ws := c.ws
	c.mu.Unlock()

	if mode != WebSocket {
		return true
	}
	if ws == nil || !ws.ready() {
		return o.httpFallback()
	}
	return false
}

func (c *Client) sendWS(frame protocol.Frame) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil || !ws.ready() {
		return fmt.Errorf("websocket not connected")
	}
	return ws.send(frame)
}

func (c *Client) baseURL() string {
	scheme := "http"
	if c.opts.Secure {
		scheme = "https"
	}
	return scheme + "://" + c.opts.Host
}

func (c *Client) wsURL() string {
	scheme := "ws"
	if c.opts.Secure {
		scheme = "wss"
	}
	return scheme + "://" + c.opts.Host + "/helene-ws?uuid=" + c.uuid
}

// postFrame sends one METHOD frame in the HTTP envelope and decodes the
// result frame from the body.
func (c *Client) postFrame(ctx context.Context, frame protocol.Frame) (any, error) {
	payload, err := protocol.Encode(frame)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	body, err := json.Marshal(map[string]any{
		"context": map[string]any{"token": token},
		"payload": json.RawMessage(payload),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/__h", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-client-id", c.uuid)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http call: %s", resp.Status)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	reply, err := protocol.Decode(raw)
	if err != nil {
		return nil, err
	}
	switch reply.Type {
	case protocol.FrameResult:
		return reply.Result, nil
	case protocol.FrameError:
		return nil, protocol.ErrorFromFrame(reply)
	default:
		return nil, fmt.Errorf("unexpected response frame %q", reply.Type)
	}
}
