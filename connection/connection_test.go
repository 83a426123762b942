package connection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"rerpc/transport"
)

func next[T any](t *testing.T, sub *Subscription[T]) Status[T] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := sub.Next(ctx)
	require.NoError(t, err)
	return st
}

func requireDisconnected[T any](t *testing.T, st Status[T], delay time.Duration, attempt int) TemporarilyDisconnected[T] {
	t.Helper()
	td, ok := st.(TemporarilyDisconnected[T])
	require.True(t, ok, "expected TemporarilyDisconnected, got %s", st)
	assert.Equal(t, delay, td.Delay)
	assert.Equal(t, attempt, td.Attempt)
	return td
}

func idleSession(ctx context.Context, _ transport.Transport[int]) (string, error) {
	return "session", nil
}

func TestExponentialBackoff(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, time.Millisecond, b.Next(0))
	assert.Equal(t, 2*time.Millisecond, b.Next(time.Millisecond))
	assert.Equal(t, 30*time.Second, b.Next(20*time.Second))
	assert.Equal(t, 30*time.Second, b.Next(30*time.Second))

	prev := time.Duration(0)
	for i := 0; i < 100; i++ {
		d := b.Next(prev)
		assert.GreaterOrEqual(t, d, prev)
		assert.GreaterOrEqual(t, d, b.Min)
		assert.LessOrEqual(t, d, b.Max)
		prev = d
	}
	assert.Equal(t, b.Max, prev)
}

func TestStatusSequenceAfterFailures(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	factory := transport.FactoryFunc[int](func(ctx context.Context, _ *transport.Stats, body transport.Body[int]) error {
		n := calls.Add(1)
		if n == 1 {
			<-release
		}
		if n <= 2 {
			return transport.Disconnected("refused", nil)
		}
		a, _ := transport.Pipe[int](0).Ends()
		return body(ctx, a)
	})

	loop := Start[int, string](context.Background(), factory, DefaultBackoff(), idleSession)
	defer loop.Close()

	sub := loop.Status().Subscribe()
	defer sub.Close()
	close(release)

	assert.Equal(t, Connecting[string]{}, next(t, sub))
	td := requireDisconnected[string](t, next(t, sub), time.Millisecond, 1)
	d, ok := transport.AsDisconnected(td.Reason)
	require.True(t, ok)
	assert.Equal(t, "refused", d.Reason)

	assert.Equal(t, Connecting[string]{}, next(t, sub))
	requireDisconnected[string](t, next(t, sub), 2*time.Millisecond, 2)
	assert.Equal(t, Connecting[string]{}, next(t, sub))
	assert.Equal(t, Connected[string]{Value: "session"}, next(t, sub))
	assert.Equal(t, Connected[string]{Value: "session"}, loop.Status().Current())
}

func TestDelayResetsAfterSuccess(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	factory := transport.FactoryFunc[int](func(ctx context.Context, _ *transport.Stats, body transport.Body[int]) error {
		switch calls.Add(1) {
		case 1:
			<-release
			return transport.Disconnected("refused", nil)
		case 2:
			ctx, cancel := context.WithCancelCause(ctx)
			time.AfterFunc(20*time.Millisecond, func() { cancel(transport.Disconnected("net-down", nil)) })
			a, _ := transport.Pipe[int](0).Ends()
			return body(ctx, a)
		default:
			return transport.Disconnected("refused", nil)
		}
	})

	loop := Start[int, string](context.Background(), factory, DefaultBackoff(), idleSession)
	defer loop.Close()

	sub := loop.Status().Subscribe()
	defer sub.Close()
	close(release)

	assert.Equal(t, Connecting[string]{}, next(t, sub))
	first := requireDisconnected[string](t, next(t, sub), time.Millisecond, 1)
	assert.Equal(t, Connecting[string]{}, next(t, sub))
	assert.Equal(t, Connected[string]{Value: "session"}, next(t, sub))

	afterDrop := requireDisconnected[string](t, next(t, sub), time.Millisecond, 2)
	assert.Equal(t, first.Delay, afterDrop.Delay)
	d, ok := transport.AsDisconnected(afterDrop.Reason)
	require.True(t, ok)
	assert.Equal(t, "net-down", d.Reason)
	assert.False(t, afterDrop.RetryAt.Before(first.RetryAt))

	assert.Equal(t, Connecting[string]{}, next(t, sub))
	requireDisconnected[string](t, next(t, sub), 2*time.Millisecond, 3)
}

func TestSessionErrorIsRetried(t *testing.T) {
	factory := transport.FactoryFunc[int](func(ctx context.Context, _ *transport.Stats, body transport.Body[int]) error {
		a, _ := transport.Pipe[int](0).Ends()
		return body(ctx, a)
	})
	boom := errors.New("handshake rejected")
	newSession := func(context.Context, transport.Transport[int]) (string, error) {
		return "", boom
	}

	loop := Start[int, string](context.Background(), factory, Exponential{Min: time.Hour, Max: time.Hour}, newSession)
	defer loop.Close()
	sub := loop.Status().Subscribe()
	defer sub.Close()

	for {
		st := next(t, sub)
		if td, ok := st.(TemporarilyDisconnected[string]); ok {
			assert.ErrorIs(t, td.Reason, boom)
			return
		}
	}
}

func TestReconnectNowSkipsDelay(t *testing.T) {
	var calls atomic.Int32
	factory := transport.FactoryFunc[int](func(context.Context, *transport.Stats, transport.Body[int]) error {
		calls.Add(1)
		return transport.Disconnected("refused", nil)
	})

	loop := Start[int, string](context.Background(), factory, Exponential{Min: time.Hour, Max: time.Hour, Factor: 2}, idleSession)
	defer loop.Close()

	require.Eventually(t, func() bool {
		_, ok := loop.Status().Current().(TemporarilyDisconnected[string])
		return ok
	}, 5*time.Second, time.Millisecond)

	td := loop.Status().Current().(TemporarilyDisconnected[string])
	td.Pending.ReconnectNow()

	select {
	case <-td.Pending.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pending delay not disposed")
	}
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, time.Millisecond)
}

func TestCloseStopsLoop(t *testing.T) {
	connected := make(chan struct{})
	torn := make(chan error, 1)
	factory := transport.FactoryFunc[int](func(ctx context.Context, _ *transport.Stats, body transport.Body[int]) error {
		a, _ := transport.Pipe[int](0).Ends()
		err := body(ctx, a)
		torn <- err
		return err
	})
	newSession := func(ctx context.Context, _ transport.Transport[int]) (string, error) {
		close(connected)
		return "session", nil
	}

	loop := Start[int, string](context.Background(), factory, DefaultBackoff(), newSession)
	sub := loop.Status().Subscribe()
	<-connected
	loop.Close()

	assert.ErrorIs(t, <-torn, context.Canceled)
	select {
	case <-loop.Done():
	default:
		t.Fatal("Close returned before the loop stopped")
	}

	// The backlog drains, then the feed ends without a disconnect status.
	for {
		st, err := sub.Next(context.Background())
		if err != nil {
			assert.ErrorIs(t, err, ErrClosed)
			break
		}
		_, isTD := st.(TemporarilyDisconnected[string])
		assert.False(t, isTD)
	}
}

func TestCloseDuringDelay(t *testing.T) {
	factory := transport.FactoryFunc[int](func(context.Context, *transport.Stats, transport.Body[int]) error {
		return transport.Disconnected("refused", nil)
	})
	loop := Start[int, string](context.Background(), factory, Exponential{Min: time.Hour, Max: time.Hour}, idleSession)

	require.Eventually(t, func() bool {
		_, ok := loop.Status().Current().(TemporarilyDisconnected[string])
		return ok
	}, 5*time.Second, time.Millisecond)
	td := loop.Status().Current().(TemporarilyDisconnected[string])

	done := make(chan struct{})
	go func() {
		loop.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on the backoff delay")
	}
	<-td.Pending.Done()
}

func TestServeReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	sessions := make(chan struct{}, 8)
	factory := transport.FactoryFunc[int](func(ctx context.Context, _ *transport.Stats, body transport.Body[int]) error {
		if calls.Add(1)%2 == 1 {
			return transport.Disconnected("refused", nil)
		}
		a, _ := transport.Pipe[int](0).Ends()
		return body(ctx, a)
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- Serve(ctx, factory, DefaultBackoff(), func(context.Context, transport.Transport[int]) error {
			sessions <- struct{}{}
			return transport.Disconnected("peer left", nil)
		})
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-sessions:
		case <-time.After(5 * time.Second):
			t.Fatal("service body was not rerun")
		}
	}
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func refused() transport.Factory[int] {
	return transport.FactoryFunc[int](func(context.Context, *transport.Stats, transport.Body[int]) error {
		return transport.Disconnected("refused", nil)
	})
}

func retryLines(logs *observer.ObservedLogs) []string {
	var out []string
	for _, e := range logs.FilterMessageSnippet("attempt #").All() {
		out = append(out, e.Message)
	}
	return out
}

func TestStartLogsRetries(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	loop := Start[int, string](context.Background(), refused(), DefaultBackoff(), idleSession,
		WithLogger(zap.New(core)), WithName("client"))
	defer loop.Close()

	require.Eventually(t, func() bool { return len(retryLines(logs)) >= 2 }, 5*time.Second, time.Millisecond)
	lines := retryLines(logs)
	assert.Equal(t, "attempt #1 in 1ms", lines[0])
	assert.Equal(t, "attempt #2 in 2ms", lines[1])

	first := logs.FilterMessage("attempt #1 in 1ms").All()[0]
	assert.Equal(t, "client", first.ContextMap()["loop"])
	assert.Contains(t, first.ContextMap()["error"], "refused")
}

func TestServeLogsRetries(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- Serve(ctx, refused(), DefaultBackoff(), func(context.Context, transport.Transport[int]) error {
			return nil
		}, WithLogger(zap.New(core)), WithName("service"))
	}()

	require.Eventually(t, func() bool { return len(retryLines(logs)) >= 2 }, 5*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	lines := retryLines(logs)
	assert.Equal(t, "attempt #1 in 1ms", lines[0])
	assert.Equal(t, "attempt #2 in 2ms", lines[1])
	assert.Equal(t, "service", logs.FilterMessage("attempt #1 in 1ms").All()[0].ContextMap()["loop"])
}

func TestAttemptKeepsCountingAcrossConnections(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	var calls atomic.Int32
	factory := transport.FactoryFunc[int](func(ctx context.Context, _ *transport.Stats, body transport.Body[int]) error {
		if calls.Add(1) != 2 {
			return transport.Disconnected("refused", nil)
		}
		if err := body(ctx, transport.Transport[int]{}); err != nil {
			return err
		}
		return transport.Disconnected("net-down", nil)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- Serve(ctx, factory, DefaultBackoff(), func(context.Context, transport.Transport[int]) error {
			return nil
		}, WithLogger(zap.New(core)))
	}()

	require.Eventually(t, func() bool { return len(retryLines(logs)) >= 3 }, 5*time.Second, time.Millisecond)
	cancel()
	<-errCh

	// The connection in between resets the delay only.
	lines := retryLines(logs)
	assert.Equal(t, []string{"attempt #1 in 1ms", "attempt #2 in 1ms", "attempt #3 in 2ms"}, lines[:3])
	assert.Equal(t, 1, logs.FilterMessage("connected").Len())
}
