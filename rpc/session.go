// Package rpc runs calls and streams between two peers over one Transport.
//
// A Session owns the single reader of the transport and demultiplexes what
// it receives: call results go to the waiting caller by request id, incoming
// calls go to the server, stream traffic goes to the stream bridge. All
// outgoing messages share one send lock.
//
// When the transport goes away every waiting call fails with a
// transportError and every open stream is closed with one.
package rpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"rerpc/failure"
	"rerpc/message"
	"rerpc/stream"
	"rerpc/transport"
)

var (
	errSessionClosed = errors.New("rpc: session closed")
	errCallCancelled = errors.New("rpc: call cancelled by caller")
	errNoRemote      = errors.New("rpc: remote address unknown")
)

// Session is one connected peer.
type Session struct {
	local  string
	remote atomic.Pointer[string]
	t      transport.Transport[message.TransportMessage]
	opts   options
	log    *zap.Logger
	bridge *stream.Bridge

	ctx    context.Context
	cancel context.CancelCauseFunc

	sendMu sync.Mutex

	pending  sync.Map // message.UID → *pendingCall
	inflight sync.Map // message.UID → context.CancelCauseFunc

	once   sync.Once
	done   chan struct{}
	err    error
	reader chan struct{}
	calls  sync.WaitGroup
}

// NewSession starts serving t as local talking to remote. An empty remote
// is learned from the first announcement or envelope. The session ends when
// ctx is done, Close is called, or the transport fails.
func NewSession(ctx context.Context, t transport.Transport[message.TransportMessage], local, remote string, opts ...Option) *Session {
	o := buildOptions(opts)
	s := &Session{
		local:  local,
		t:      t,
		opts:   o,
		log:    o.log.With(zap.String("local", local)),
		done:   make(chan struct{}),
		reader: make(chan struct{}),
	}
	if remote != "" {
		s.remote.Store(&remote)
	}
	s.ctx, s.cancel = context.WithCancelCause(ctx)
	s.bridge = stream.NewBridge(s, stream.WithWindow(o.window), stream.WithLogger(s.log))

	if o.announce {
		go func() {
			s.sendMu.Lock()
			defer s.sendMu.Unlock()
			if err := s.t.Outgoing.Send(s.ctx, message.RouteOpened{Address: local}); err != nil {
				s.log.Debug("announce failed", zap.Error(err))
			}
		}()
	}
	go s.read()
	return s
}

func (s *Session) Local() string { return s.local }

// Remote returns the peer address, or "" while it is unknown.
func (s *Session) Remote() string {
	if r := s.remote.Load(); r != nil {
		return *r
	}
	return ""
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended, a *transport.DisconnectedError, or nil
// while it is running.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close ends the session and waits for its reader to stop.
func (s *Session) Close() {
	s.cancel(errSessionClosed)
	<-s.reader
}

// Wait blocks until the session has ended and its handlers returned.
func (s *Session) Wait() error {
	<-s.reader
	s.calls.Wait()
	return s.err
}

// SendRPC seals m for the remote peer and sends it.
func (s *Session) SendRPC(ctx context.Context, m message.RpcMessage) error {
	remote := s.Remote()
	if remote == "" {
		return errNoRemote
	}
	env, err := message.Seal(m, remote, s.local)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.t.Outgoing.Send(ctx, env)
}

// ConsumeResource tells the peer that path was consumed.
func (s *Session) ConsumeResource(ctx context.Context, path string) error {
	return s.SendRPC(ctx, message.ResourceConsumed{ResourcePath: path})
}

func (s *Session) learnRemote(addr string) {
	if addr != "" && s.remote.CompareAndSwap(nil, &addr) {
		s.log.Debug("remote learned", zap.String("remote", addr))
	}
}

func (s *Session) read() {
	defer close(s.reader)
	for {
		m, err := s.t.Incoming.Receive(s.ctx)
		if err != nil {
			s.teardown(err)
			return
		}
		switch m := m.(type) {
		case message.RouteOpened:
			s.learnRemote(m.Address)
			s.route(m)
		case message.RouteClosed:
			s.route(m)
		case message.Envelope:
			if m.Destination != s.local {
				s.log.Debug("envelope for another endpoint dropped", zap.String("destination", m.Destination))
				continue
			}
			s.learnRemote(m.Origin)
			rm, err := m.ParseMessage()
			if err != nil {
				s.log.Warn("undecodable payload", zap.String("origin", m.Origin), zap.Error(err))
				continue
			}
			s.dispatch(rm)
		}
	}
}

func (s *Session) route(m message.TransportMessage) {
	s.log.Debug("route", zap.String("type", m.Type()))
	if s.opts.onRoute != nil {
		s.opts.onRoute(m)
	}
}

func (s *Session) dispatch(m message.RpcMessage) {
	switch m := m.(type) {
	case message.CallResult:
		s.completeResult(m)
	case message.CallFailure:
		if p, ok := s.takePending(m.RequestID); ok {
			p.finish(callOutcome{err: failure.CallFailed(p.name, m.Error)})
		}
	case message.CallRequest:
		s.serve(m)
	case message.CancelCall:
		if cancel, ok := s.inflight.LoadAndDelete(m.RequestID); ok {
			cancel.(context.CancelCauseFunc)(errCallCancelled)
		}
	case message.ResourceConsumed:
		if s.opts.onResource != nil {
			s.opts.onResource(m.ResourcePath)
		}
	default:
		if !s.bridge.Dispatch(m) {
			s.log.Warn("unexpected message", zap.String("type", m.Type()))
		}
	}
}

// teardown runs once, on the reader, when the session ends.
func (s *Session) teardown(err error) {
	s.once.Do(func() {
		cause := err
		if s.ctx.Err() != nil {
			cause = context.Cause(s.ctx)
		}
		if _, ok := transport.AsDisconnected(cause); !ok {
			cause = transport.Disconnected("session ended", cause)
		}
		s.err = cause
		s.cancel(cause)
		close(s.done)

		info := failure.FromError(cause)
		s.pending.Range(func(key, _ any) bool {
			if p, ok := s.takePending(key.(message.UID)); ok {
				p.finish(callOutcome{err: failure.CallFailed(p.name, info).WithCause(cause)})
			}
			return true
		})
		s.inflight.Range(func(key, value any) bool {
			s.inflight.Delete(key)
			value.(context.CancelCauseFunc)(cause)
			return true
		})
		s.bridge.Close(cause)
		s.log.Info("session ended", zap.Error(cause))
	})
}
