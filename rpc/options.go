package rpc

import (
	"go.uber.org/zap"

	"rerpc/message"
	"rerpc/server"
	"rerpc/stream"
)

type options struct {
	srv        *server.Server
	log        *zap.Logger
	window     int
	onRoute    func(message.TransportMessage)
	onResource func(path string)
	announce   bool
}

// Option configures a Session.
type Option func(*options)

// WithServer serves incoming calls from srv. Without it every incoming call
// fails with unresolvedService.
func WithServer(srv *server.Server) Option {
	return func(o *options) { o.srv = srv }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithWindow sets the stream credit granted to remote producers.
func WithWindow(n int) Option {
	return func(o *options) { o.window = n }
}

// WithRouteObserver receives RouteOpened and RouteClosed announcements. It
// runs on the session's reader and must not block.
func WithRouteObserver(fn func(message.TransportMessage)) Option {
	return func(o *options) { o.onRoute = fn }
}

// WithResourceObserver receives ResourceConsumed paths. It runs on the
// session's reader and must not block.
func WithResourceObserver(fn func(path string)) Option {
	return func(o *options) { o.onResource = fn }
}

// WithAnnounce sends RouteOpened for the local address when the session
// starts, so a peer that does not know it yet can reply.
func WithAnnounce() Option {
	return func(o *options) { o.announce = true }
}

func buildOptions(opts []Option) options {
	o := options{log: zap.NewNop(), window: stream.DefaultWindow}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type callOptions struct {
	meta      map[string]string
	replyMeta *map[string]string
}

// CallOption configures one call.
type CallOption func(*callOptions)

// WithMeta attaches metadata to the CallRequest.
func WithMeta(meta map[string]string) CallOption {
	return func(o *callOptions) { o.meta = meta }
}

// ReplyMeta stores the CallResult metadata in dst.
func ReplyMeta(dst *map[string]string) CallOption {
	return func(o *callOptions) { o.replyMeta = dst }
}
