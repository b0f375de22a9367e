package server

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/helenejs/helene/internal/metrics"
	"github.com/helenejs/helene/internal/protocol"
)

const (
	wsReadBufferSize  = 1024 * 16
	wsWriteBufferSize = 1024 * 16
	wsWriteWait       = 10 * time.Second
	wsSendBufferSize  = 256
	wsSetupWait       = 15 * time.Second
)

// wsTransport serializes outbound frames onto one gorilla connection via a
// buffered channel drained by writePump.
type wsTransport struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func (t *wsTransport) kind() string { return TransportWebSocket }

// enqueue queues a frame for the write pump. A send on a closed or congested
// socket is dropped with a warning rather than blocking the caller.
func (t *wsTransport) enqueue(data []byte) error {
	select {
	case <-t.done:
		log.Warn().Msg("Dropping frame for closed WebSocket session")
		return nil
	default:
	}
	select {
	case t.send <- data:
		return nil
	default:
		log.Warn().Msg("WebSocket send buffer full, dropping frame")
		return nil
	}
}

func (t *wsTransport) close() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	return t.conn.Close()
}

func (t *wsTransport) writePump() {
	defer t.conn.Close()
	for {
		select {
		case <-t.done:
			t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.opts.Origins) == 0 || origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.opts.Origins {
		if parsed.Hostname() == allowed || origin == allowed {
			return true
		}
	}
	return false
}

// handleWebSocket upgrades the connection, consumes the SETUP frame, and
// runs the session's read loop. Upgrades while the server is not accepting
// answer 503.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.accepting.Load() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	clientUUID := r.URL.Query().Get("uuid")

	// First client frame must be SETUP carrying the chosen uuid.
	conn.SetReadDeadline(time.Now().Add(wsSetupWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket closed before SETUP")
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	setup, err := protocol.Decode(raw)
	if err != nil || setup.Type != protocol.FrameSetup {
		data, _ := protocol.Encode(protocol.NewErrorFrame("", protocol.ErrInvalidRequest))
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		conn.WriteMessage(websocket.TextMessage, data)
		conn.Close()
		return
	}
	if setup.UUID != "" {
		clientUUID = setup.UUID
	}

	transport := &wsTransport{
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
		done: make(chan struct{}),
	}
	sess := newSession(s, clientUUID, transport, r.RemoteAddr, r.UserAgent())
	s.registerSession(sess)
	metrics.Connections.WithLabelValues(TransportWebSocket).Inc()

	log.Info().Str("session", sess.uuid).Str("remote", r.RemoteAddr).Msg("WebSocket client connected")
	s.notifySessionOpened(sess)

	go transport.writePump()
	go sess.keepAlive(s.opts.KeepAliveInterval)
	go s.wsReadLoop(sess, transport)
}

func (s *Server) wsReadLoop(sess *Session, t *wsTransport) {
	defer func() {
		sess.Close()
		log.Info().Str("session", sess.uuid).Msg("WebSocket client disconnected")
	}()

	respond := sessionResponder(sess)
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("session", sess.uuid).Msg("WebSocket read error")
			}
			return
		}
		// Handlers may run concurrently for the same session; the write
		// pump serializes responses.
		go s.handleFrame(sess, raw, respond)
	}
}
