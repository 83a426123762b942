// Package connection keeps one logical session alive over a series of
// physical connections.
//
// A Loop connects through a transport.Factory, builds a session on every new
// Transport and publishes its progress as a Status:
//
//	Connecting → Connected(session) → TemporarilyDisconnected(retryAt) → Connecting → ...
//
// The wait between attempts grows per consecutive failure and drops back to
// the floor once a connection succeeds. The attempt number keeps counting for
// the lifetime of the loop.
package connection

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rerpc/transport"
)

// SessionFunc builds the session value for one live Transport. The session
// must stop when ctx is done; ctx carries the disconnect reason as its cause.
type SessionFunc[M, T any] func(ctx context.Context, t transport.Transport[M]) (T, error)

type options struct {
	log   *zap.Logger
	stats *transport.Stats
	name  string
}

// Option configures Start and Serve.
type Option func(*options)

// WithLogger sets the logger used for reconnect lines.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithStats collects traffic counters from every physical connection.
func WithStats(s *transport.Stats) Option {
	return func(o *options) { o.stats = s }
}

// WithName labels log lines.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func buildOptions(opts []Option) options {
	o := options{log: zap.NewNop(), name: "connection"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Loop is a running connection loop.
type Loop[T any] struct {
	status *Observable[T]
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches a connection loop. It runs until ctx is done or Close is
// called.
func Start[M, T any](ctx context.Context, factory transport.Factory[M], backoff Backoff, newSession SessionFunc[M, T], opts ...Option) *Loop[T] {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(ctx)
	l := &Loop[T]{
		status: newObservable[T](Connecting[T]{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(l.done)
		defer l.status.close()
		run(ctx, l.status, factory, backoff, newSession, o)
	}()
	return l
}

func run[M, T any](ctx context.Context, status *Observable[T], factory transport.Factory[M], backoff Backoff, newSession SessionFunc[M, T], o options) {
	log := o.log.With(zap.String("loop", o.name))
	delay := backoff.Next(0)
	attempt := 0

	// status starts out as Connecting
	for {
		err := factory.Connect(ctx, o.stats, func(ctx context.Context, t transport.Transport[M]) error {
			delay = backoff.Next(0)
			value, err := newSession(ctx, t)
			if err != nil {
				return err
			}
			status.publish(Connected[T]{Value: value})
			log.Info("connected")
			<-ctx.Done()
			return context.Cause(ctx)
		})
		if ctx.Err() != nil {
			return
		}

		var reason error = err
		if d, ok := transport.AsDisconnected(err); ok {
			reason = d
		}
		attempt++
		pending := newPendingDelay(delay)
		status.publish(TemporarilyDisconnected[T]{
			RetryAt: time.Now().Add(delay),
			Delay:   delay,
			Attempt: attempt,
			Reason:  reason,
			Pending: pending,
		})
		log.Info(fmt.Sprintf("attempt #%d in %dms", attempt, delay.Milliseconds()), zap.Error(reason))

		if !pending.wait(ctx.Done()) {
			return
		}
		delay = backoff.Next(delay)
		status.publish(Connecting[T]{})
	}
}

// Status returns the observable connection status.
func (l *Loop[T]) Status() *Observable[T] { return l.status }

// Done is closed once the loop has stopped.
func (l *Loop[T]) Done() <-chan struct{} { return l.done }

// Close stops the loop, tears down the live connection if any, and waits
// for the loop to exit.
func (l *Loop[T]) Close() {
	l.cancel()
	<-l.done
}

// Serve is the service-side loop: it reconnects with the same backoff rules
// but exposes no status, only running body for every connection. It returns
// the context's error once ctx is done.
func Serve[M any](ctx context.Context, factory transport.Factory[M], backoff Backoff, body transport.Body[M], opts ...Option) error {
	o := buildOptions(opts)
	log := o.log.With(zap.String("loop", o.name))
	delay := backoff.Next(0)
	attempt := 0

	for {
		err := factory.Connect(ctx, o.stats, func(ctx context.Context, t transport.Transport[M]) error {
			delay = backoff.Next(0)
			log.Info("connected")
			return body(ctx, t)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		log.Info(fmt.Sprintf("attempt #%d in %dms", attempt, delay.Milliseconds()), zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		delay = backoff.Next(delay)
	}
}
