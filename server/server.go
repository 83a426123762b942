// Package server holds the methods a peer exposes and runs incoming calls
// through the middleware chain.
//
// Call processing is split in two so that stream references in arguments are
// registered in the order their messages arrived:
//
//	session reader → Prepare (lookup, decode args, import streams)
//	  → go Call.Run → middleware chain → businessHandler → Handler.Invoke
package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rerpc/failure"
	"rerpc/message"
	"rerpc/middleware"
	"rerpc/stream"
)

// Server is the set of callable methods of one peer, shared by all of its
// sessions.
type Server struct {
	mu          sync.RWMutex
	handlers    map[string]Handler     // "Service.Method" → handler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	wg       sync.WaitGroup // in-flight calls, for Shutdown
	shutdown atomic.Bool
	log      *zap.Logger
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.businessHandler
	return s
}

// Register exposes rcvr's methods under its type name.
func (svr *Server) Register(rcvr any) error {
	return svr.RegisterName("", rcvr)
}

// RegisterName exposes rcvr's methods under name.
func (svr *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	for methodName, m := range svc.method {
		svr.Handle(svc.name, methodName, svc.handler(m))
	}
	svr.log.Debug("service registered", zap.String("service", svc.name), zap.Int("methods", len(svc.method)))
	return nil
}

// Handle exposes h as service.method, replacing any earlier handler.
func (svr *Server) Handle(service, method string, h Handler) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.handlers[service+"."+method] = h
}

// Use appends a middleware. Middlewares run in the order they were added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
}

func (svr *Server) lookup(service, method string) (Handler, bool) {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	h, ok := svr.handlers[service+"."+method]
	return h, ok
}

// Call is an incoming call ready to run.
type Call struct {
	svr     *Server
	req     *middleware.Request
	handler middleware.HandlerFunc
}

// Request returns the decoded call.
func (c *Call) Request() *middleware.Request { return c.req }

// Prepare resolves the target of req and decodes its arguments, importing
// stream references into cc. Errors carry a FailureInfo for the CallFailure.
func (svr *Server) Prepare(req message.CallRequest, cc *stream.Context) (*Call, error) {
	if svr.shutdown.Load() {
		return nil, failure.New("server", failure.NotReady("shutting down"))
	}
	h, ok := svr.lookup(req.Service, req.Method)
	if !ok {
		return nil, failure.New("server", failure.Unresolved(fmt.Sprintf("no method %s.%s", req.Service, req.Method)))
	}
	args, err := h.Decode(cc, req.Args)
	if err != nil {
		return nil, failure.New("decode arguments", failure.Request(err.Error())).WithCause(err)
	}

	svr.mu.RLock()
	handler := svr.handler
	svr.mu.RUnlock()

	svr.wg.Add(1)
	return &Call{
		svr:     svr,
		handler: handler,
		req: &middleware.Request{
			ID:      req.RequestID,
			Service: req.Service,
			Method:  req.Method,
			Args:    args,
			Meta:    req.Meta,
		},
	}, nil
}

// Run invokes the call. It must be called exactly once per prepared call.
func (c *Call) Run(ctx context.Context) (*middleware.Response, error) {
	defer c.svr.wg.Done()
	resp, err := c.handler(ctx, c.req)
	if err == nil && resp == nil {
		resp = &middleware.Response{}
	}
	return resp, err
}

// businessHandler is the innermost handler of the chain.
func (svr *Server) businessHandler(ctx context.Context, req *middleware.Request) (*middleware.Response, error) {
	h, ok := svr.lookup(req.Service, req.Method)
	if !ok {
		return nil, failure.New("server", failure.Unresolved(fmt.Sprintf("no method %s.%s", req.Service, req.Method)))
	}
	return h.Invoke(ctx, req)
}

// Shutdown refuses new calls with serviceNotReady and waits for in-flight
// calls to finish.
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.shutdown.Store(true)

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("server: timeout waiting for ongoing calls to finish")
	}
}
