package server

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/helenejs/helene/internal/metrics"
	"github.com/helenejs/helene/internal/protocol"
)

// responder receives the single response frame for a METHOD dispatch. On
// WebSocket and SSE it writes to the session transport; on HTTP POST it
// captures the frame for the response body.
type responder func(f protocol.Frame)

func sessionResponder(sess *Session) responder {
	return func(f protocol.Frame) {
		if err := sess.Send(f); err != nil {
			log.Debug().Err(err).Str("session", sess.uuid).Msg("Response send failed")
		}
	}
}

// handleFrame routes one decoded-once inbound frame. Parse failures answer
// with an uncorrelated Parse Error and leave the connection up.
func (s *Server) handleFrame(sess *Session, raw []byte, respond responder) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		respond(protocol.NewErrorFrame("", protocol.Sanitize(err)))
		return
	}

	switch frame.Type {
	case protocol.FrameHeartbeat:
		sess.touch()
		sess.echoHeartbeat()

	case protocol.FrameMethod:
		sess.touch()
		// keep:alive short-circuits full dispatch.
		if frame.Method == protocol.MethodKeepAlive {
			if !frame.Void {
				respond(protocol.NewResultFrame(frame.ID, frame.Method, true))
			}
			return
		}
		s.dispatchMethod(sess, frame, respond)

	case protocol.FrameSetup:
		// SETUP is consumed during the upgrade handshake; a repeat is a
		// protocol violation worth logging but not a teardown.
		log.Debug().Str("session", sess.uuid).Msg("Ignoring duplicate SETUP frame")

	default:
		log.Debug().Str("session", sess.uuid).Str("type", frame.Type.String()).Msg("Ignoring unexpected frame")
	}
}

// dispatchMethod runs the per-call algorithm: rate limit, lookup, protected
// gate, schema, middleware, handler, cache, response.
func (s *Server) dispatchMethod(sess *Session, frame protocol.Frame, respond responder) {
	reply := func(f protocol.Frame) {
		if !frame.Void {
			respond(f)
		}
	}
	fail := func(err *protocol.Error, outcome string) {
		metrics.MethodCalls.WithLabelValues(frame.Method, outcome).Inc()
		reply(protocol.NewErrorFrame(frame.ID, err))
	}

	if !sess.allow() {
		metrics.RateLimited.Inc()
		fail(protocol.ErrRateLimitExceeded, "rate_limited")
		return
	}

	def, ok := s.method(frame.Method)
	if !ok {
		fail(protocol.ErrMethodNotFound, "not_found")
		return
	}

	if def.opts.Protected && !sess.Authenticated() {
		fail(protocol.ErrMethodForbidden, "forbidden")
		return
	}

	if def.opts.Schema != nil {
		if violations := def.opts.Schema(frame.Params); len(violations) > 0 {
			fail(protocol.NewInvalidParamsError(violations), "invalid_params")
			return
		}
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if def.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, def.opts.Timeout)
		defer cancel()
	}

	call := &CallContext{
		ExecutionID: protocol.NewID(),
		Session:     sess,
		Params:      frame.Params,
	}
	call.ctx = context.WithValue(ctx, callContextKey{}, call)

	started := time.Now()
	result, err := s.runMethod(def, call)
	elapsed := time.Since(started)

	metrics.MethodDuration.WithLabelValues(def.name).Observe(elapsed.Seconds())
	s.notifier.emit(NotifyMethodExecution, MethodExecution{
		Name:    def.name,
		Elapsed: elapsed,
		Params:  call.Params,
		Result:  result,
		Err:     err,
	})

	if err != nil {
		fail(protocol.Sanitize(err), "error")
		return
	}
	metrics.MethodCalls.WithLabelValues(def.name, "ok").Inc()
	reply(protocol.NewResultFrame(frame.ID, def.name, result))
}

// runMethod applies middleware, consults the result cache, and invokes the
// handler, converting panics into internal errors.
func (s *Server) runMethod(def *methodDef, call *CallContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = protocol.NewInternalError(fmt.Errorf("method %s panicked: %v", def.name, r))
		}
	}()

	for _, mw := range def.opts.Middleware {
		out, mwErr := mw(call)
		if mwErr != nil {
			return nil, mwErr
		}
		call.Params = mergeParams(call.Params, out)
	}

	var cacheKey string
	if def.opts.CacheTTL > 0 {
		cacheKey, err = s.cacheKey(def.name, call.Params)
		if err == nil {
			if cached, hit := s.cache.Get(cacheKey); hit {
				return cached, nil
			}
		}
	}

	result, err = def.handler(call)
	if err != nil {
		return nil, err
	}

	if def.opts.CacheTTL > 0 && cacheKey != "" {
		s.cache.Set(cacheKey, result, def.opts.CacheTTL)
	}
	return result, nil
}

// mergeParams implements the middleware mutation contract: a returned map is
// merged over map params, any other non-nil value replaces them.
func mergeParams(params, out any) any {
	if out == nil {
		return params
	}
	outMap, outIsMap := out.(map[string]any)
	if !outIsMap {
		return out
	}
	paramsMap, paramsIsMap := params.(map[string]any)
	if !paramsIsMap {
		return outMap
	}
	merged := make(map[string]any, len(paramsMap)+len(outMap))
	for k, v := range paramsMap {
		merged[k] = v
	}
	for k, v := range outMap {
		merged[k] = v
	}
	return merged
}

// cacheKey normalizes params through the wire codec so logically equal
// params share a memoized result.
func (s *Server) cacheKey(method string, params any) (string, error) {
	data, err := protocol.EncodeValue(params)
	if err != nil {
		return "", err
	}
	return method + "\x00" + string(data), nil
}
