package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helenejs/helene/internal/protocol"
)

var errNotConnected = errors.New("websocket not connected")

const (
	wsHandshakeWait  = 15 * time.Second
	wsWriteWait      = 10 * time.Second
	wsSendBufferSize = 64
	maxBackoff       = 60 * time.Second
)

// wsConn owns the persistent WebSocket: a reconnect loop that re-runs
// SETUP, rpc:init, and channel resubscription on every successful open.
type wsConn struct {
	client *Client

	mu     sync.Mutex
	conn   *websocket.Conn
	sendCh chan []byte

	readyFlag atomic.Bool
	stopped   chan struct{}
	stopOnce  sync.Once
}

func newWSConn(c *Client) *wsConn {
	return &wsConn{client: c, stopped: make(chan struct{})}
}

func (w *wsConn) ready() bool { return w.readyFlag.Load() }

func (w *wsConn) stop() {
	w.stopOnce.Do(func() {
		close(w.stopped)
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

func (w *wsConn) send(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	w.mu.Lock()
	ch := w.sendCh
	w.mu.Unlock()
	if ch == nil {
		return errNotConnected
	}
	select {
	case ch <- data:
		return nil
	case <-w.stopped:
		return errNotConnected
	}
}

// run is the reconnect loop: connect, pump, back off, repeat, until stop.
func (w *wsConn) run() {
	attempts := 0
	for {
		select {
		case <-w.stopped:
			return
		default:
		}

		err := w.connectAndPump()
		if err != nil {
			w.client.logger.Debug().Err(err).Msg("WebSocket connection ended")
		}
		w.client.setInitialized(false)
		w.client.emitLifecycle(EventWebSocketClosed)

		select {
		case <-w.stopped:
			return
		case <-time.After(backoffDelay(attempts)):
		}
		attempts++
	}
}

// backoffDelay follows min(64·n², 60000) ms with ±10% jitter.
func backoffDelay(attempts int) time.Duration {
	ms := math.Min(64*float64(attempts)*float64(attempts), float64(maxBackoff/time.Millisecond))
	jittered := ms * (0.9 + 0.2*rand.Float64())
	return time.Duration(jittered) * time.Millisecond
}

func (w *wsConn) connectAndPump() error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeWait}
	conn, _, err := dialer.Dial(w.client.wsURL(), nil)
	if err != nil {
		return err
	}

	sendCh := make(chan []byte, wsSendBufferSize)
	w.mu.Lock()
	w.conn = conn
	w.sendCh = sendCh
	w.mu.Unlock()

	defer func() {
		w.readyFlag.Store(false)
		w.mu.Lock()
		w.conn = nil
		w.sendCh = nil
		w.mu.Unlock()
		conn.Close()
	}()

	connCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.writePump(connCtx, conn, sendCh)

	// SETUP must be the first client frame.
	setup, err := protocol.Encode(protocol.Frame{Type: protocol.FrameSetup, UUID: w.client.uuid})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, setup); err != nil {
		return err
	}

	w.readyFlag.Store(true)
	w.client.emitLifecycle(EventWebSocketConnected)

	// Init and resubscribe run alongside the read pump so results can be
	// correlated.
	go func() {
		ctx, initCancel := context.WithTimeout(connCtx, 10*time.Second)
		defer initCancel()
		if err := w.client.initialize(ctx); err != nil {
			w.client.logger.Warn().Err(err).Msg("Init after connect failed")
			return
		}
		w.client.resubscribeAllChannels(ctx)
	}()

	return w.readPump(conn)
}

func (w *wsConn) readPump(conn *websocket.Conn) error {
	interval := w.client.opts.KeepAliveInterval
	for {
		// The server heartbeats every interval; going twice that without
		// traffic means the connection is dead.
		conn.SetReadDeadline(time.Now().Add(2 * interval))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := protocol.Decode(raw)
		if err != nil {
			w.client.logger.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		if frame.Type == protocol.FrameHeartbeat {
			if err := w.send(protocol.Heartbeat); err != nil {
				w.client.logger.Debug().Err(err).Msg("Heartbeat echo failed")
			}
			continue
		}
		w.client.handleFrame(frame)
	}
}

func (w *wsConn) writePump(ctx context.Context, conn *websocket.Conn, sendCh <-chan []byte) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-w.stopped:
			return
		case data := <-sendCh:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
