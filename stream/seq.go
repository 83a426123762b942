package stream

import (
	"context"
	"errors"
	"io"
	"iter"
)

// FromSeq drains seq into a new channel and returns its receiving end, ready
// to be wrapped with OutOf. The feeding goroutine is detached from ctx's
// cancellation since the sequence outlives the call that asked for it; it
// stops when the receiver is closed.
func FromSeq[T any](ctx context.Context, seq iter.Seq[T]) *Receiver[T] {
	ctx = context.WithoutCancel(ctx)
	s, r := NewChannel[T](0)
	go func() {
		for v := range seq {
			if err := s.Send(ctx, v); err != nil {
				return
			}
		}
		s.Close(nil)
	}()
	return r
}

// FromSeq2 is FromSeq for sequences that can fail; the first error ends the
// stream with that error.
func FromSeq2[T any](ctx context.Context, seq iter.Seq2[T, error]) *Receiver[T] {
	ctx = context.WithoutCancel(ctx)
	s, r := NewChannel[T](0)
	go func() {
		for v, err := range seq {
			if err != nil {
				s.Close(err)
				return
			}
			if err := s.Send(ctx, v); err != nil {
				return
			}
		}
		s.Close(nil)
	}()
	return r
}

// ToSeq reads r until its end. A normal end stops the sequence; any other
// error is yielded once. Breaking out of the loop closes r.
func ToSeq[T any](ctx context.Context, r *Receiver[T]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			v, err := r.Receive(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !yield(v, nil) {
				r.Close(nil)
				return
			}
		}
	}
}
