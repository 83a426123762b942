package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrClosed is returned by Send once the channel is closed, and by
	// Receive after the receiving end closed it.
	ErrClosed = errors.New("stream: closed")
)

type channel[T any] struct {
	items chan T

	once       sync.Once
	done       chan struct{}
	err        error
	byConsumer bool
}

// NewChannel creates a local channel pair holding up to buffer elements in
// flight.
func NewChannel[T any](buffer int) (*Sender[T], *Receiver[T]) {
	c := &channel[T]{
		items: make(chan T, buffer),
		done:  make(chan struct{}),
	}
	return &Sender[T]{c: c}, &Receiver[T]{c: c}
}

func (c *channel[T]) close(err error, byConsumer bool) {
	c.once.Do(func() {
		c.err = err
		c.byConsumer = byConsumer
		close(c.done)
	})
}

func (c *channel[T]) closeErr() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Sender is the producing end of a channel.
type Sender[T any] struct {
	c *channel[T]
}

// Send blocks until v is accepted, the channel is closed, or ctx is done.
func (s *Sender[T]) Send(ctx context.Context, v T) error {
	select {
	case <-s.c.done:
		return s.closedErr()
	default:
	}
	select {
	case s.c.items <- v:
		return nil
	case <-s.c.done:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sender[T]) closedErr() error {
	if s.c.err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, s.c.err)
	}
	return ErrClosed
}

// Close ends the stream. A nil err is a normal end: the receiver drains what
// was sent and then gets io.EOF.
func (s *Sender[T]) Close(err error) {
	s.c.close(err, false)
}

// Done is closed once either end closed the channel.
func (s *Sender[T]) Done() <-chan struct{} { return s.c.done }

// Err returns the error the channel was closed with.
func (s *Sender[T]) Err() error { return s.c.closeErr() }

// Receiver is the consuming end of a channel.
type Receiver[T any] struct {
	c *channel[T]
}

// Receive returns the next element. It returns io.EOF after a normal end and
// the close error after an abnormal one.
func (r *Receiver[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-r.c.items:
		return v, nil
	default:
	}
	select {
	case v := <-r.c.items:
		return v, nil
	case <-r.c.done:
		if r.c.byConsumer {
			return zero, ErrClosed
		}
		select {
		case v := <-r.c.items:
			return v, nil
		default:
		}
		if r.c.err != nil {
			return zero, r.c.err
		}
		return zero, io.EOF
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close tells the producer the stream is no longer needed.
func (r *Receiver[T]) Close(err error) {
	r.c.close(err, true)
}

// Done is closed once either end closed the channel.
func (r *Receiver[T]) Done() <-chan struct{} { return r.c.done }

// Err returns the error the channel was closed with.
func (r *Receiver[T]) Err() error { return r.c.closeErr() }
