package transport

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"rerpc/message"
)

// wire adapts one physical connection to a Transport of TransportMessages.
//
// Exactly one goroutine reads the connection and hands decoded messages to
// Receive; writers share the connection under mu so frames never interleave.
type wire struct {
	incoming chan message.TransportMessage

	encode func(m message.TransportMessage) ([]byte, error)

	mu         sync.Mutex
	writeFrame func(data []byte) error

	once      sync.Once
	done      chan struct{}
	err       *DisconnectedError
	closeConn func() error
	cancel    context.CancelCauseFunc
}

func newWire(encode func(message.TransportMessage) ([]byte, error), writeFrame func([]byte) error, closeConn func() error) *wire {
	return &wire{
		incoming:   make(chan message.TransportMessage, 64),
		encode:     encode,
		writeFrame: writeFrame,
		done:       make(chan struct{}),
		closeConn:  closeConn,
	}
}

// fail breaks the link once. It reports whether this call was the first.
func (w *wire) fail(err *DisconnectedError) bool {
	first := false
	w.once.Do(func() {
		first = true
		w.err = err
		close(w.done)
		if w.closeConn != nil {
			_ = w.closeConn()
		}
		if w.cancel != nil {
			w.cancel(err)
		}
	})
	return first
}

func (w *wire) broken() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

func (w *wire) Send(ctx context.Context, m message.TransportMessage) error {
	if err := w.broken(); err != nil {
		return err
	}
	data, err := w.encode(m)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.broken(); err != nil {
		return err
	}
	if err := w.writeFrame(data); err != nil {
		w.fail(Disconnected("write", err))
		return w.err
	}
	return nil
}

func (w *wire) Receive(ctx context.Context) (message.TransportMessage, error) {
	if err := w.broken(); err != nil {
		return nil, err
	}
	select {
	case m := <-w.incoming:
		return m, nil
	case <-w.done:
		return nil, w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver hands one decoded message to Receive.
func (w *wire) deliver(m message.TransportMessage) bool {
	select {
	case w.incoming <- m:
		return true
	case <-w.done:
		return false
	}
}

// run drives the connection until the link breaks or body returns.
// read must loop until the connection fails; extra goroutines (heartbeats)
// must return once w.done is closed.
func (w *wire) run(ctx context.Context, read func() error, body Body[message.TransportMessage], extra ...func() error) error {
	bodyCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	w.cancel = cancel

	var (
		bodyErr    error
		brokeFirst bool
	)
	var g errgroup.Group
	g.Go(func() error {
		err := read()
		if w.fail(Disconnected("read", err)) {
			brokeFirst = true
		}
		return nil
	})
	for _, fn := range extra {
		g.Go(fn)
	}
	g.Go(func() error {
		bodyErr = body(bodyCtx, Transport[message.TransportMessage]{Outgoing: w, Incoming: w})
		w.fail(Disconnected("session ended", bodyErr))
		return nil
	})
	stop := context.AfterFunc(ctx, func() {
		w.fail(Disconnected("cancelled", context.Cause(ctx)))
	})
	defer stop()

	_ = g.Wait()

	if brokeFirst || w.err.Reason == "write" {
		return w.err
	}
	if bodyErr != nil {
		return bodyErr
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

var errConnClosed = errors.New("transport: connection closed")
