package server

import (
	"context"
	"time"

	"github.com/helenejs/helene/internal/protocol"
)

// Handler is a server-side procedure callable by clients. The CallContext
// carries the execution id, the calling session, and the (possibly
// middleware-rewritten) params.
type Handler func(c *CallContext) (any, error)

// Middleware runs before the handler. A returned map is merged over the
// running params; any other non-nil return replaces them outright. An error
// aborts the chain and becomes the method's result error.
type Middleware func(c *CallContext) (any, error)

// Schema validates params before middleware and handler run. It returns the
// list of violations; an empty list means the params are valid.
type Schema func(params any) []string

// MethodOptions configures a method at registration time. The definition is
// immutable afterwards.
type MethodOptions struct {
	Protected  bool
	Middleware []Middleware
	Schema     Schema
	CacheTTL   time.Duration
	Timeout    time.Duration
}

type methodDef struct {
	name    string
	handler Handler
	opts    MethodOptions
}

// CallContext is the ambient per-call state passed to handlers and
// middleware. It is also retrievable from the context.Context given to
// nested helpers via FromContext.
type CallContext struct {
	ctx         context.Context
	ExecutionID string
	Session     *Session
	Params      any
}

// Context returns the per-call context.Context. It carries the CallContext
// itself and the method timeout, when one is configured.
func (c *CallContext) Context() context.Context { return c.ctx }

// ParamsMap coerces params to a map, returning an empty map for nil or
// non-map params.
func (c *CallContext) ParamsMap() map[string]any {
	if m, ok := c.Params.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

type callContextKey struct{}

// FromContext retrieves the ambient CallContext inside a handler call tree.
func FromContext(ctx context.Context) (*CallContext, bool) {
	c, ok := ctx.Value(callContextKey{}).(*CallContext)
	return c, ok
}

// AddMethod registers a named method. Registering an existing name replaces
// it; runtime additions are serialized by the registry lock.
func (s *Server) AddMethod(name string, handler Handler, opts MethodOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = &methodDef{name: name, handler: handler, opts: opts}
}

func (s *Server) method(name string) (*methodDef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.methods[name]
	return def, ok
}

// MethodNames lists the registered methods, for list:methods.
func (s *Server) MethodNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	return names
}

// registerDefaultMethods installs the reserved method set. rpc:login is
// added only when an auth function is configured.
func (s *Server) registerDefaultMethods() {
	s.AddMethod(protocol.MethodRPCInit, s.rpcInit, MethodOptions{})
	s.AddMethod(protocol.MethodRPCLogout, s.rpcLogout, MethodOptions{})
	s.AddMethod(protocol.MethodRPCOn, s.rpcOn, MethodOptions{})
	s.AddMethod(protocol.MethodRPCOff, s.rpcOff, MethodOptions{})
	s.AddMethod(protocol.MethodKeepAlive, func(c *CallContext) (any, error) {
		c.Session.touch()
		return true, nil
	}, MethodOptions{})
	s.AddMethod(protocol.MethodListMethods, func(c *CallContext) (any, error) {
		return s.MethodNames(), nil
	}, MethodOptions{})
	s.AddMethod(protocol.MethodEventProbe, s.eventProbe, MethodOptions{})

	if s.opts.Auth != nil {
		s.AddMethod(protocol.MethodRPCLogin, s.rpcLogin, MethodOptions{})
	}
}
