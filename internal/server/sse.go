package server

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/helenejs/helene/internal/metrics"
)

// sseCloseMessage terminates the stream from the server side.
const sseCloseMessage = "event: close\ndata: Server-side termination\n\n"

// sseTransport writes frames as Server-Sent Events. The stream is
// server→client only; the paired client sends everything via HTTP POST.
type sseTransport struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	nextID  int
	done    chan struct{}
}

func (t *sseTransport) kind() string { return TransportSSE }

func (t *sseTransport) enqueue(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return nil
	default:
	}
	t.nextID++
	// Newlines inside the payload must each start a fresh data: line.
	payload := bytes.ReplaceAll(data, []byte("\n"), []byte("\ndata: "))
	if _, err := fmt.Fprintf(t.w, "id: %d\ndata: %s\n\n", t.nextID, payload); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

func (t *sseTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return nil
	default:
	}
	fmt.Fprint(t.w, sseCloseMessage)
	t.flusher.Flush()
	close(t.done)
	return nil
}

// handleSSE opens the long-lived event stream for the client id named in
// x-client-id. A reconnect under the same id replaces the previous stream.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if !s.accepting.Load() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	clientID := r.Header.Get("x-client-id")
	if clientID == "" {
		http.Error(w, "x-client-id header required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if old, exists := s.session(clientID); exists {
		old.Close()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	transport := &sseTransport{w: w, flusher: flusher, done: make(chan struct{})}
	sess := newSession(s, clientID, transport, r.RemoteAddr, r.UserAgent())
	s.registerSession(sess)
	metrics.Connections.WithLabelValues(TransportSSE).Inc()

	log.Info().Str("session", sess.uuid).Str("remote", r.RemoteAddr).Msg("SSE stream opened")
	s.notifySessionOpened(sess)

	// The stream dies when the client stops POSTing for the keep-alive
	// window.
	go sess.idleWatch(2 * s.opts.KeepAliveInterval)

	select {
	case <-transport.done:
	case <-r.Context().Done():
	}
	sess.Close()
	log.Info().Str("session", sess.uuid).Msg("SSE stream closed")
}
