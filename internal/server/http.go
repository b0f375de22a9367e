package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/helenejs/helene/internal/auth"
	"github.com/helenejs/helene/internal/protocol"
)

const httpMaxBodyBytes = 1 << 20

// envelope is the HTTP POST body: the auth context plus one encoded METHOD
// frame.
type envelope struct {
	Context map[string]any  `json:"context"`
	Payload json.RawMessage `json:"payload"`
}

// httpTransport is the outbound half of a transient single-shot session.
// It has no stream, so any broadcast aimed at it is dropped.
type httpTransport struct{}

func (httpTransport) kind() string              { return TransportHTTP }
func (httpTransport) enqueue(data []byte) error { return nil }
func (httpTransport) close() error              { return nil }

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// httpLimiter shares one rate bucket per HTTP caller, keyed by client id
// when presented and remote IP otherwise, so single-shot requests still
// count against a sliding budget.
func (s *Server) httpLimiter(key string) *rate.Limiter {
	rl := s.opts.RateLimit
	if rl == nil {
		return nil
	}
	max, interval := rl.Max, rl.Interval
	if max <= 0 {
		max = defaultRateLimitMax
	}
	if interval <= 0 {
		interval = defaultRateLimitInterval
	}

	s.httpLimitersMu.Lock()
	defer s.httpLimitersMu.Unlock()

	if len(s.httpLimiters) > 10_000 {
		cutoff := time.Now().Add(-10 * time.Minute)
		for k, e := range s.httpLimiters {
			if e.lastSeen.Before(cutoff) {
				delete(s.httpLimiters, k)
			}
		}
	}

	entry, ok := s.httpLimiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Every(interval/time.Duration(max)), max)}
		s.httpLimiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// handleHTTP serves the /__h endpoint: POST carries a single METHOD frame,
// GET opens an SSE stream.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleSSE(w, r)
	case http.MethodPost:
		s.handlePost(w, r)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, httpMaxBodyBytes))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.writeFrame(w, protocol.NewErrorFrame("", protocol.NewParseError(err)))
		return
	}

	frame, err := protocol.Decode(env.Payload)
	if err != nil {
		s.writeFrame(w, protocol.NewErrorFrame("", protocol.Sanitize(err)))
		return
	}
	if frame.Type != protocol.FrameMethod {
		s.writeFrame(w, protocol.NewErrorFrame(frame.ID, protocol.ErrInvalidRequest))
		return
	}

	clientID := r.Header.Get("x-client-id")
	sess, bound := s.session(clientID)
	if bound {
		// POSTs keep the paired SSE stream's view of activity fresh. The
		// stream session already carries its own bucket; swapping it here
		// would race with concurrent allow() calls.
		sess.touch()
	} else {
		sess = s.transientSession(r, env.Context)
		sess.limiter = s.httpLimiter(limiterKey(r, clientID))
	}

	var captured *protocol.Frame
	s.dispatchMethod(sess, frame, func(f protocol.Frame) {
		captured = &f
	})

	if captured == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeFrame(w, *captured)
}

// transientSession builds a throwaway session for one HTTP request. The
// bearer token from the headers is merged into the auth payload; no
// subscription state survives the request.
func (s *Server) transientSession(r *http.Request, authPayload map[string]any) *Session {
	sess := newSession(s, uuid.NewString(), httpTransport{}, r.RemoteAddr, r.UserAgent())
	sess.transient = true

	if s.opts.Auth == nil {
		return sess
	}
	if authPayload == nil {
		authPayload = map[string]any{}
	}
	if token := auth.BearerToken(r); token != "" {
		if _, present := authPayload["token"]; !present {
			authPayload["token"] = token
		}
	}
	if len(authPayload) == 0 {
		return sess
	}

	authContext, err := s.opts.Auth(r.Context(), authPayload)
	if err != nil || authContext == nil {
		return sess
	}
	userID := auth.UserID(authContext)
	if userID == "" {
		return sess
	}
	sess.setAuth(authContext, userID, nil)
	return sess
}

func (s *Server) writeFrame(w http.ResponseWriter, f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode HTTP response frame")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func limiterKey(r *http.Request, clientID string) string {
	if clientID != "" {
		return clientID
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// notifySessionOpened records the new connection with the relay and the
// internal notifier.
func (s *Server) notifySessionOpened(sess *Session) {
	if s.relay != nil {
		s.relay.SessionOpened(context.Background(), sess.uuid)
	}
	s.notifier.emit(NotifyConnection, sess)
}
