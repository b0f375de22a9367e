package client

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/helenejs/helene/internal/protocol"
)

// sseStream is the server→client half of HTTP_SSE mode. All client-to-server
// traffic still travels over HTTP POST; periodic keep:alive POSTs keep the
// server's activity view fresh.
type sseStream struct {
	client *Client

	mu        sync.Mutex
	resp      *http.Response
	ready     chan struct{}
	readyOnce sync.Once
	stopped   chan struct{}
	stopOnce  sync.Once
}

func newSSEStream(c *Client) *sseStream {
	return &sseStream{
		client:  c,
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (s *sseStream) stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.mu.Lock()
		if s.resp != nil {
			s.resp.Body.Close()
		}
		s.mu.Unlock()
	})
}

func (s *sseStream) run() {
	go s.keepAliveLoop()

	for {
		select {
		case <-s.stopped:
			return
		default:
		}
		if err := s.consume(); err != nil {
			s.client.logger.Debug().Err(err).Msg("SSE stream ended")
		}
		select {
		case <-s.stopped:
			return
		case <-time.After(time.Second):
		}
	}
}

// keepAliveLoop POSTs keep:alive at half the server window so the stream is
// not reaped as idle.
func (s *sseStream) keepAliveLoop() {
	interval := s.client.opts.KeepAliveInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := s.client.Void(ctx, protocol.MethodKeepAlive, nil, &CallOptions{HTTP: true})
			cancel()
			if err != nil {
				s.client.logger.Debug().Err(err).Msg("keep:alive POST failed")
			}
		}
	}
}

func (s *sseStream) consume() error {
	req, err := http.NewRequest(http.MethodGet, s.client.baseURL()+"/__h", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-client-id", s.client.uuid)

	// Stream requests must not use the client-wide timeout.
	streamClient := &http.Client{Transport: s.client.httpc.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return &httpStatusError{status: resp.Status}
	}
	// The server registers the session once the stream is up; POSTs made
	// after this point bind to it.
	s.readyOnce.Do(func() { close(s.ready) })

	s.mu.Lock()
	s.resp = resp
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.resp = nil
		s.mu.Unlock()
		resp.Body.Close()
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLines []string
	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName == "close" {
				return nil
			}
			if len(dataLines) > 0 {
				s.handlePayload(strings.Join(dataLines, "\n"))
			}
			dataLines = dataLines[:0]
			eventName = ""
		case strings.HasPrefix(line, "data: "):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			// Sequence numbers are informational.
		}
	}
	return scanner.Err()
}

func (s *sseStream) handlePayload(payload string) {
	frame, err := protocol.Decode([]byte(payload))
	if err != nil {
		s.client.logger.Warn().Err(err).Msg("Dropping undecodable SSE payload")
		return
	}
	s.client.handleFrame(frame)
}

type httpStatusError struct{ status string }

func (e *httpStatusError) Error() string { return "sse stream: " + e.status }
