package connection

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("connection: loop closed")

// Observable holds the current Status of one Loop. The loop is its only
// writer; every subscriber sees every transition, in order.
type Observable[T any] struct {
	mu      sync.Mutex
	current Status[T]
	closed  bool
	subs    map[*Subscription[T]]struct{}
}

func newObservable[T any](initial Status[T]) *Observable[T] {
	return &Observable[T]{
		current: initial,
		subs:    make(map[*Subscription[T]]struct{}),
	}
}

// Current returns the latest status.
func (o *Observable[T]) Current() Status[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Subscribe returns a subscription whose first value is the current status.
func (o *Observable[T]) Subscribe() *Subscription[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := &Subscription[T]{
		owner:  o,
		queue:  []Status[T]{o.current},
		notify: make(chan struct{}, 1),
		closed: o.closed,
	}
	s.notify <- struct{}{}
	if !o.closed {
		o.subs[s] = struct{}{}
	}
	return s
}

func (o *Observable[T]) publish(s Status[T]) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = s
	for sub := range o.subs {
		sub.push(s)
	}
}

func (o *Observable[T]) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for sub := range o.subs {
		sub.finish()
	}
	clear(o.subs)
}

// Subscription is an unbounded, ordered feed of status transitions.
type Subscription[T any] struct {
	owner *Observable[T]

	mu     sync.Mutex
	queue  []Status[T]
	closed bool
	notify chan struct{}
}

func (s *Subscription[T]) push(st Status[T]) {
	s.mu.Lock()
	s.queue = append(s.queue, st)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next status. After the loop stops and the backlog is
// drained it returns ErrClosed.
func (s *Subscription[T]) Next(ctx context.Context) (Status[T], error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			st := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return st, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close detaches the subscription.
func (s *Subscription[T]) Close() {
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	s.finish()
}
