// Package transport defines the narrow boundary between the RPC core and the
// physical link: a Transport is a pair of message endpoints over one link, and a
// Factory produces one Transport per connection attempt.
//
// Terminal failure of a link is signaled by DisconnectedError. Once either end
// has reported it, both ends are unusable and no further Send succeeds.
package transport

import (
	"context"
	"errors"

	"rerpc/failure"
)

// Sink is the outgoing end of a Transport.
type Sink[M any] interface {
	Send(ctx context.Context, m M) error
}

// Source is the incoming end of a Transport.
type Source[M any] interface {
	Receive(ctx context.Context) (M, error)
}

// Transport is one physical link seen as two message endpoints.
type Transport[M any] struct {
	Outgoing Sink[M]
	Incoming Source[M]
}

// Body runs for as long as one physical connection is up. Its context is
// cancelled with a *DisconnectedError cause when the link breaks.
type Body[M any] func(ctx context.Context, t Transport[M]) error

// Factory performs one physical connect attempt and invokes body with the live
// Transport. Connect returns when the link ends or body returns; a broken or
// refused link is reported as a *DisconnectedError.
type Factory[M any] interface {
	Connect(ctx context.Context, stats *Stats, body Body[M]) error
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc[M any] func(ctx context.Context, stats *Stats, body Body[M]) error

func (f FactoryFunc[M]) Connect(ctx context.Context, stats *Stats, body Body[M]) error {
	return f(ctx, stats, body)
}

// DisconnectedError reports that the physical link is gone.
type DisconnectedError struct {
	Reason string
	Cause  error
}

// Disconnected builds a DisconnectedError. cause may be nil.
func Disconnected(reason string, cause error) *DisconnectedError {
	return &DisconnectedError{Reason: reason, Cause: cause}
}

func (e *DisconnectedError) Error() string {
	if e.Cause != nil {
		return "transport disconnected: " + e.Reason + ": " + e.Cause.Error()
	}
	return "transport disconnected: " + e.Reason
}

func (e *DisconnectedError) Unwrap() error { return e.Cause }

// FailureInfo maps the disconnect to the transport bucket of the taxonomy.
func (e *DisconnectedError) FailureInfo() failure.Info {
	return failure.Transport(e.Error())
}

// AsDisconnected finds a DisconnectedError in err's chain.
func AsDisconnected(err error) (*DisconnectedError, bool) {
	var d *DisconnectedError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
