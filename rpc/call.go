package rpc

import (
	"bytes"
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"rerpc/codec"
	"rerpc/failure"
	"rerpc/message"
	"rerpc/stream"
)

type callOutcome struct {
	meta map[string]string
	err  error
}

type pendingCall struct {
	name   string
	decode func(cc *stream.Context, raw json.RawMessage) error
	done   chan callOutcome
}

func (p *pendingCall) finish(out callOutcome) {
	p.done <- out
}

func (s *Session) takePending(id message.UID) (*pendingCall, bool) {
	v, ok := s.pending.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	return v.(*pendingCall), true
}

// Call invokes service.method on the peer. args is encoded with its stream
// references exported; reply, a pointer or nil, receives the result with its
// stream references imported.
//
// A failed call returns a *failure.Error naming the call. Cancelling ctx
// sends CancelCall and returns ctx's error.
func (s *Session) Call(ctx context.Context, service, method string, args, reply any, opts ...CallOption) error {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	id := message.NewUID()
	name := failure.CallName(service, method, string(id))

	if err := s.Err(); err != nil {
		return failure.CallFailed(name, failure.FromError(err)).WithCause(err)
	}

	cc := stream.NewContext(name)
	var raw json.RawMessage
	if args != nil {
		if err := stream.Export(cc, args); err != nil {
			return err
		}
		var err error
		if raw, err = codec.Marshal(args); err != nil {
			return err
		}
	}

	p := &pendingCall{
		name: name,
		decode: func(cc *stream.Context, raw json.RawMessage) error {
			if reply == nil {
				return nil
			}
			if len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
				if err := codec.Unmarshal(raw, reply); err != nil {
					return err
				}
			}
			return stream.Import(cc, reply)
		},
		done: make(chan callOutcome, 1),
	}
	s.pending.Store(id, p)
	// The session may have ended between Err and Store.
	select {
	case <-s.done:
		if _, ok := s.takePending(id); ok {
			return failure.CallFailed(name, failure.FromError(s.err)).WithCause(s.err)
		}
	default:
	}

	reg := s.bridge.Register(cc.Seal())
	err := s.SendRPC(ctx, message.CallRequest{
		RequestID: id,
		Service:   service,
		Method:    method,
		Args:      raw,
		Meta:      o.meta,
	})
	if err != nil {
		s.takePending(id)
		reg.Abort(err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failure.CallFailed(name, failure.FromError(err)).WithCause(err)
	}
	reg.Start()

	select {
	case out := <-p.done:
		return s.deliver(out, o)
	case <-ctx.Done():
		if _, ok := s.takePending(id); ok {
			s.cancelRemote(id)
			return ctx.Err()
		}
		// The outcome is already on its way.
		return s.deliver(<-p.done, o)
	}
}

func (s *Session) deliver(out callOutcome, o callOptions) error {
	if out.err == nil && o.replyMeta != nil {
		*o.replyMeta = out.meta
	}
	return out.err
}

func (s *Session) cancelRemote(id message.UID) {
	go func() {
		if err := s.SendRPC(s.ctx, message.CancelCall{RequestID: id}); err != nil {
			s.log.Debug("cancel not sent", zap.String("request", string(id)), zap.Error(err))
		}
	}()
}

// completeResult runs on the reader so that stream references in the result
// are registered before any of their traffic is read.
func (s *Session) completeResult(m message.CallResult) {
	p, ok := s.takePending(m.RequestID)
	if !ok {
		// Cancelled; streams in the result stay unknown and are refused when
		// the peer announces them.
		return
	}
	cc := stream.NewContext(p.name)
	if err := p.decode(cc, m.Result); err != nil {
		s.bridge.Register(cc.Seal()).Abort(err)
		p.finish(callOutcome{err: failure.CallFailed(p.name, failure.Request(err.Error())).WithCause(err)})
		return
	}
	s.bridge.Register(cc.Seal()).Start()
	p.finish(callOutcome{meta: m.Meta})
}

// Invoke is Call with a typed result.
func Invoke[R any](ctx context.Context, s *Session, service, method string, args any, opts ...CallOption) (R, error) {
	var reply R
	err := s.Call(ctx, service, method, args, &reply, opts...)
	return reply, err
}

// serve handles an incoming call. Arguments are decoded here, on the reader;
// the handler runs on its own goroutine.
func (s *Session) serve(req message.CallRequest) {
	id := req.RequestID
	name := failure.CallName(req.Service, req.Method, string(id))
	if s.opts.srv == nil {
		s.replyFailure(id, failure.Unresolved("no services exposed by "+s.local))
		return
	}

	cc := stream.NewContext(name)
	call, err := s.opts.srv.Prepare(req, cc)
	reg := s.bridge.Register(cc.Seal())
	if err != nil {
		reg.Abort(err)
		s.replyFailure(id, failure.FromError(err))
		return
	}
	reg.Start()

	ctx, cancel := context.WithCancelCause(s.ctx)
	s.inflight.Store(id, cancel)
	s.calls.Add(1)
	go func() {
		defer s.calls.Done()
		defer cancel(nil)

		resp, err := call.Run(ctx)
		if _, ok := s.inflight.LoadAndDelete(id); !ok {
			// Cancelled by the caller or the session; nobody waits for an answer.
			return
		}
		if err != nil {
			s.sendFailure(id, failure.FromError(err))
			return
		}

		out := stream.NewContext(name)
		var result json.RawMessage
		if resp.Reply != nil {
			if err := stream.Export(out, resp.Reply); err != nil {
				s.bridge.Register(out.Seal()).Abort(err)
				s.sendFailure(id, failure.Request(err.Error()))
				return
			}
			if result, err = codec.Marshal(resp.Reply); err != nil {
				s.bridge.Register(out.Seal()).Abort(err)
				s.sendFailure(id, failure.Request(err.Error()))
				return
			}
		}
		reg := s.bridge.Register(out.Seal())
		err = s.SendRPC(s.ctx, message.CallResult{RequestID: id, Result: result, Meta: resp.Meta})
		if err != nil {
			reg.Abort(err)
			s.log.Debug("result not sent", zap.String("call", name), zap.Error(err))
			return
		}
		reg.Start()
	}()
}

// replyFailure answers from the reader without blocking it.
func (s *Session) replyFailure(id message.UID, info failure.Info) {
	s.calls.Add(1)
	go func() {
		defer s.calls.Done()
		s.sendFailure(id, info)
	}()
}

func (s *Session) sendFailure(id message.UID, info failure.Info) {
	if err := s.SendRPC(s.ctx, message.CallFailure{RequestID: id, Error: info}); err != nil {
		s.log.Debug("failure not sent", zap.String("request", string(id)), zap.Error(err))
	}
}
