package transport

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rerpc/failure"
	"rerpc/message"
)

func TestPipeDeliversInOrder(t *testing.T) {
	link := Pipe[int](4)
	a, b := link.Ends()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Outgoing.Send(ctx, i))
	}
	for i := 0; i < 3; i++ {
		got, err := b.Incoming.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}
}

func TestPipeCloseFailsBothEnds(t *testing.T) {
	link := Pipe[string](0)
	a, b := link.Ends()
	ctx := context.Background()

	received := make(chan error, 1)
	go func() {
		_, err := b.Incoming.Receive(ctx)
		received <- err
	}()

	link.Close(Disconnected("net-down", nil))

	err := <-received
	d, ok := AsDisconnected(err)
	require.True(t, ok)
	assert.Equal(t, "net-down", d.Reason)

	// No further sends succeed on either end.
	assert.Error(t, a.Outgoing.Send(ctx, "x"))
	assert.Error(t, b.Outgoing.Send(ctx, "x"))
	_, err = a.Incoming.Receive(ctx)
	assert.Same(t, d, err)
}

func TestDisconnectedFailureInfo(t *testing.T) {
	err := Disconnected("read", errors.New("EOF"))
	info := failure.FromError(err)
	require.NotNil(t, info.TransportError)
	assert.Contains(t, *info.TransportError, "read: EOF")
}

func TestLoopbackSeverCancelsBody(t *testing.T) {
	accepted := make(chan struct{}, 1)
	f := &Loopback[int]{
		Buffer: 1,
		Accept: func(ctx context.Context, tr Transport[int]) error {
			accepted <- struct{}{}
			<-ctx.Done()
			return nil
		},
	}

	done := make(chan error, 1)
	go func() {
		done <- f.Connect(context.Background(), nil, func(ctx context.Context, tr Transport[int]) error {
			<-ctx.Done()
			return context.Cause(ctx)
		})
	}()

	<-accepted
	f.Sever("unplugged")

	select {
	case err := <-done:
		d, ok := AsDisconnected(err)
		require.True(t, ok, "got %v", err)
		assert.Equal(t, "unplugged", d.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Sever")
	}
}

func TestFaultInjectorGate(t *testing.T) {
	calls := make(chan struct{}, 4)
	inner := FactoryFunc[int](func(ctx context.Context, _ *Stats, body Body[int]) error {
		calls <- struct{}{}
		link := Pipe[int](0)
		a, _ := link.Ends()
		return body(ctx, a)
	})
	f := NewFaultInjector[int](inner, false)

	done := make(chan error, 1)
	go func() {
		done <- f.Connect(context.Background(), nil, func(ctx context.Context, tr Transport[int]) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-calls:
		t.Fatal("connect went through a closed gate")
	case <-time.After(50 * time.Millisecond):
	}

	f.SetAllowed(true)
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("connect not released by open gate")
	}

	require.Eventually(t, func() bool { return f.Sever("chaos") == 1 }, 2*time.Second, 5*time.Millisecond)
	err := <-done
	d, ok := AsDisconnected(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "chaos", d.Reason)
}

func TestFaultInjectorGateRespectsCancel(t *testing.T) {
	f := NewFaultInjector[int](FactoryFunc[int](func(context.Context, *Stats, Body[int]) error {
		t.Fatal("inner factory must not be called")
		return nil
	}), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.Connect(ctx, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func echoAccept(ctx context.Context, tr Transport[message.TransportMessage]) error {
	for {
		m, err := tr.Incoming.Receive(ctx)
		if err != nil {
			return err
		}
		if err := tr.Outgoing.Send(ctx, m); err != nil {
			return err
		}
	}
}

func exchange(t *testing.T, ctx context.Context, tr Transport[message.TransportMessage]) {
	t.Helper()
	sent := []message.TransportMessage{
		message.RouteOpened{Address: "client-1"},
		message.Envelope{Destination: "host", Origin: "client-1", Payload: []byte(`{"type":"cancel_call","requestId":"r"}`)},
		message.RouteClosed{Address: "client-1"},
	}
	for _, m := range sent {
		require.NoError(t, tr.Outgoing.Send(ctx, m))
		got, err := tr.Incoming.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestTCPRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	opts := FrameOptions{Compress: true, Heartbeat: 50 * time.Millisecond}
	go func() { _ = ServeTCP(ctx, ln, opts, nil, echoAccept) }()

	stats := &Stats{}
	f := &TCPFactory{Address: ln.Addr().String(), Options: opts}
	err = f.Connect(ctx, stats, func(ctx context.Context, tr Transport[message.TransportMessage]) error {
		exchange(t, ctx, tr)
		// Survive a few heartbeats while idle.
		time.Sleep(200 * time.Millisecond)
		exchange(t, ctx, tr)
		return nil
	})
	require.NoError(t, err)

	snap := stats.Snapshot()
	assert.Greater(t, snap.SentRaw, int64(0))
	assert.Greater(t, snap.SentWire, int64(0))
	assert.Greater(t, snap.ReceivedRaw, int64(0))
	assert.Greater(t, snap.ReceivedWire, int64(0))
}

func TestTCPPeerGoneIsDisconnected(t *testing.T) {
	ctx := context.Background()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	f := &TCPFactory{Address: ln.Addr().String()}
	err = f.Connect(ctx, nil, func(ctx context.Context, tr Transport[message.TransportMessage]) error {
		<-ctx.Done()
		return context.Cause(ctx)
	})
	_, ok := AsDisconnected(err)
	assert.True(t, ok, "got %v", err)
}

func TestTCPDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	f := &TCPFactory{Address: addr}
	err = f.Connect(context.Background(), nil, func(context.Context, Transport[message.TransportMessage]) error {
		t.Fatal("body must not run")
		return nil
	})
	d, ok := AsDisconnected(err)
	require.True(t, ok, "got %v", err)
	assert.True(t, strings.HasPrefix(d.Reason, "dial "))
}

func TestWebSocketRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(&WebSocketHandler{Accept: echoAccept, BaseContext: ctx})
	defer srv.Close()

	stats := &Stats{}
	f := &WebSocketFactory{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	err := f.Connect(ctx, stats, func(ctx context.Context, tr Transport[message.TransportMessage]) error {
		exchange(t, ctx, tr)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, stats.Snapshot().SentRaw, stats.Snapshot().ReceivedRaw)
}
