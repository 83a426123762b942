// Package middleware wraps the handling of incoming calls.
//
// Chain(A, B, C)(h) runs as A → B → C → h and unwinds in reverse, so the
// first middleware sees the whole call including the time spent in the rest.
package middleware

import (
	"context"

	"rerpc/message"
)

// Request is an incoming call after its arguments were decoded.
type Request struct {
	ID      message.UID
	Service string
	Method  string
	// Args is the decoded argument value, usually a pointer.
	Args any
	Meta map[string]string
}

// Name is the call display name.
func (r *Request) Name() string {
	return r.Service + "." + r.Method + "#" + string(r.ID)
}

// Response is what a handler produced. Reply is encoded into the CallResult.
type Response struct {
	Reply any
	Meta  map[string]string
}

type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
