package transport

import (
	"context"
	"sync"
)

// FaultInjector wraps a Factory for reconnect testing. New connections are
// held back while the gate is closed, and Sever breaks the active ones.
type FaultInjector[M any] struct {
	inner Factory[M]

	mu     sync.Mutex
	open   chan struct{} // closed while connecting is allowed
	active map[*activeConn]struct{}
}

type activeConn struct {
	cancel context.CancelCauseFunc
}

func NewFaultInjector[M any](inner Factory[M], allowed bool) *FaultInjector[M] {
	f := &FaultInjector[M]{
		inner:  inner,
		open:   make(chan struct{}),
		active: make(map[*activeConn]struct{}),
	}
	if allowed {
		close(f.open)
	}
	return f
}

// SetAllowed opens or closes the connect gate. Live connections are not
// affected.
func (f *FaultInjector[M]) SetAllowed(allowed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.open:
		if !allowed {
			f.open = make(chan struct{})
		}
	default:
		if allowed {
			close(f.open)
		}
	}
}

// Sever breaks every active connection with reason and returns how many it
// broke.
func (f *FaultInjector[M]) Sever(reason string) int {
	f.mu.Lock()
	conns := make([]*activeConn, 0, len(f.active))
	for c := range f.active {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		c.cancel(Disconnected(reason, nil))
	}
	return len(conns)
}

func (f *FaultInjector[M]) Connect(ctx context.Context, stats *Stats, body Body[M]) error {
	f.mu.Lock()
	gate := f.open
	f.mu.Unlock()

	select {
	case <-gate:
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	return f.inner.Connect(ctx, stats, func(ctx context.Context, t Transport[M]) error {
		ctx, cancel := context.WithCancelCause(ctx)
		c := &activeConn{cancel: cancel}
		f.mu.Lock()
		f.active[c] = struct{}{}
		f.mu.Unlock()
		defer func() {
			f.mu.Lock()
			delete(f.active, c)
			f.mu.Unlock()
			cancel(nil)
		}()

		err := body(ctx, t)
		if d, ok := AsDisconnected(context.Cause(ctx)); ok {
			return d
		}
		return err
	})
}
