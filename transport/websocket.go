package transport

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rerpc/codec"
	"rerpc/message"
)

// WebSocketFactory dials URL once per Connect. Each TransportMessage travels
// as one text frame.
type WebSocketFactory struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Codec  codec.Codec
}

func (f *WebSocketFactory) Connect(ctx context.Context, stats *Stats, body Body[message.TransportMessage]) error {
	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, f.URL, f.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return Disconnected("dial "+f.URL, err)
	}
	return ServeWebSocket(ctx, conn, f.Codec, stats, body)
}

// ServeWebSocket runs body over an upgraded connection and closes it before
// returning.
func ServeWebSocket(ctx context.Context, conn *websocket.Conn, c codec.Codec, stats *Stats, body Body[message.TransportMessage]) error {
	if c == nil {
		c = codec.RPC
	}
	w := newWire(
		func(m message.TransportMessage) ([]byte, error) {
			return message.EncodeTransport(c, m)
		},
		func(data []byte) error {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
			// Compression, if any, is negotiated below this layer.
			stats.RecordSent(len(data), len(data))
			return nil
		},
		conn.Close,
	)

	read := func() error {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return err
			}
			stats.RecordReceived(len(data), len(data))
			m, err := message.DecodeTransport(c, data)
			if err != nil {
				return err
			}
			if !w.deliver(m) {
				return errConnClosed
			}
		}
	}
	return w.run(ctx, read, body)
}

// WebSocketHandler upgrades HTTP requests and serves each connection with
// Accept until the peer goes away or BaseContext is cancelled.
type WebSocketHandler struct {
	Upgrader    websocket.Upgrader
	Codec       codec.Codec
	Stats       *Stats
	Accept      Body[message.TransportMessage]
	BaseContext context.Context
	Log         *zap.Logger
}

func (h *WebSocketHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	log := h.Log
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := h.Upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	ctx := h.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}
	log.Debug("peer connected", zap.String("remote", r.RemoteAddr))
	err = ServeWebSocket(ctx, conn, h.Codec, h.Stats, h.Accept)
	log.Debug("peer disconnected", zap.String("remote", r.RemoteAddr), zap.Error(err))
}
