package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"rerpc/codec"
	"rerpc/message"
	"rerpc/protocol"
)

// FrameOptions configures the framed byte-stream transport.
type FrameOptions struct {
	// Compress snappy-compresses outgoing frame bodies.
	Compress bool
	// Heartbeat is the keepalive interval. A peer silent for three intervals
	// is considered gone. Zero disables both.
	Heartbeat time.Duration
	// Codec decodes incoming messages; defaults to codec.RPC.
	Codec codec.Codec
	Log   *zap.Logger
}

func (o FrameOptions) codec() codec.Codec {
	if o.Codec == nil {
		return codec.RPC
	}
	return o.Codec
}

func (o FrameOptions) logger() *zap.Logger {
	if o.Log == nil {
		return zap.NewNop()
	}
	return o.Log
}

// TCPFactory dials Address once per Connect.
type TCPFactory struct {
	Address string
	Dialer  net.Dialer
	Options FrameOptions
}

func (f *TCPFactory) Connect(ctx context.Context, stats *Stats, body Body[message.TransportMessage]) error {
	conn, err := f.Dialer.DialContext(ctx, "tcp", f.Address)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return Disconnected("dial "+f.Address, err)
	}
	return ServeConn(ctx, conn, f.Options, stats, body)
}

// ServeConn runs body over an established connection using the frame
// protocol. It closes conn before returning.
func ServeConn(ctx context.Context, conn net.Conn, opts FrameOptions, stats *Stats, body Body[message.TransportMessage]) error {
	c := opts.codec()

	w := newWire(
		func(m message.TransportMessage) ([]byte, error) {
			return message.EncodeTransport(c, m)
		},
		func(data []byte) error {
			sizes, err := protocol.Encode(conn, protocol.KindMessage, data, opts.Compress)
			if err == nil {
				stats.RecordSent(sizes.Raw, sizes.Wire)
			}
			return err
		},
		conn.Close,
	)

	read := func() error {
		for {
			if opts.Heartbeat > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(3 * opts.Heartbeat))
			}
			header, data, sizes, err := protocol.Decode(conn)
			if err != nil {
				return err
			}
			if header.Kind == protocol.KindHeartbeat {
				continue
			}
			stats.RecordReceived(sizes.Raw, sizes.Wire)
			m, err := message.DecodeTransport(c, data)
			if err != nil {
				return fmt.Errorf("decode frame: %w", err)
			}
			if !w.deliver(m) {
				return errConnClosed
			}
		}
	}

	heartbeat := func() error {
		if opts.Heartbeat <= 0 {
			return nil
		}
		ticker := time.NewTicker(opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-w.done:
				return nil
			case <-ticker.C:
				// Heartbeat writes also need the write lock to avoid frame interleaving.
				w.mu.Lock()
				_, err := protocol.Encode(conn, protocol.KindHeartbeat, nil, false)
				w.mu.Unlock()
				if err != nil {
					w.fail(Disconnected("heartbeat", err))
					return nil
				}
			}
		}
	}

	return w.run(ctx, read, body, heartbeat)
}

// ServeTCP accepts connections on ln until ctx is cancelled and runs accept
// for each of them on its own goroutine.
func ServeTCP(ctx context.Context, ln net.Listener, opts FrameOptions, stats *Stats, accept Body[message.TransportMessage]) error {
	log := opts.logger()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Closing the listener on shutdown makes Accept fail; that is not an error.
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			remote := conn.RemoteAddr().String()
			log.Debug("peer connected", zap.String("remote", remote))
			err := ServeConn(ctx, conn, opts, stats, accept)
			log.Debug("peer disconnected", zap.String("remote", remote), zap.Error(err))
		}()
	}
}
