// Package stream turns channel-typed call arguments and results into
// network streams.
//
// Encoding a message that holds an Out or In assigns the reference a fresh
// stream id and records a Descriptor in the explicit per-message Context.
// Decoding creates a local channel pair: one end goes to the code, the other
// is recorded. After the owning message has actually been sent or received,
// the descriptors are handed to the Bridge, which pumps elements across the
// link under consumer-driven credit:
//
//	consumer                         producer
//	   ── StreamNext{id, window} ──▶
//	   ◀── StreamData{id, v} ×≤window
//	   ── StreamNext{id, n} ──▶        (after n were delivered locally)
//	   ◀── StreamClosed{id, err?} ──   (or the other way round)
package stream

import (
	"context"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"rerpc/failure"
	"rerpc/message"
)

// DefaultWindow is the credit a consumer grants up front.
const DefaultWindow = 16

const recentlyClosedSize = 4096

var errBridgeClosed = errors.New("stream: bridge closed")

// Outbox sends stream control and data messages to the peer.
type Outbox interface {
	SendRPC(ctx context.Context, m message.RpcMessage) error
}

type Option func(*Bridge)

// WithWindow sets the credit granted by consumers.
func WithWindow(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.window = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// Bridge pumps every registered stream of one session.
type Bridge struct {
	out    Outbox
	window int
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	streams map[message.UID]pump
	closed  bool
	// recent remembers ids this side already closed so late traffic for them
	// is dropped instead of answered.
	recent *lru.Cache[message.UID, struct{}]
}

func NewBridge(out Outbox, opts ...Option) *Bridge {
	ctx, cancel := context.WithCancelCause(context.Background())
	recent, _ := lru.New[message.UID, struct{}](recentlyClosedSize)
	b := &Bridge{
		out:     out,
		window:  DefaultWindow,
		log:     zap.NewNop(),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[message.UID]pump),
		recent:  recent,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registration holds descriptors that are known to the bridge but not yet
// pumping. Control messages arriving in between are recorded.
type Registration struct {
	b     *Bridge
	pumps []pump
}

// Register makes descs addressable by id. Call Start once the message that
// carries them is on its way, or Abort if it never will be.
func (b *Bridge) Register(descs []Descriptor) *Registration {
	reg := &Registration{b: b}
	if len(descs) == 0 {
		return reg
	}
	b.mu.Lock()
	closed := b.closed
	for _, d := range descs {
		var p pump
		if d.Direction == ToRemote {
			p = newProducer(b, d)
		} else {
			p = newConsumer(b, d)
		}
		reg.pumps = append(reg.pumps, p)
		if !closed {
			b.streams[d.UID] = p
		}
	}
	b.mu.Unlock()

	if closed {
		cause := context.Cause(b.ctx)
		for _, p := range reg.pumps {
			p.fail(failure.StreamFailed(p.name(), failure.FromError(cause)))
		}
		reg.pumps = nil
	}
	return reg
}

// Start launches the pumps.
func (r *Registration) Start() {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()
	// After Close the pumps were failed already.
	if b.closed {
		r.pumps = nil
		return
	}
	for _, p := range r.pumps {
		b.wg.Add(1)
		go func(p pump) {
			defer b.wg.Done()
			p.run()
		}(p)
	}
	r.pumps = nil
}

// Abort closes the local ends without starting the pumps. The peer may have
// imported the ids already, so each one is closed on its side as well.
func (r *Registration) Abort(err error) {
	info := failure.FromError(err)
	for _, p := range r.pumps {
		r.b.forget(p.id())
		p.fail(failure.StreamFailed(p.name(), info))
		r.b.sendAsync(message.StreamClosed{StreamID: p.id(), Error: &info})
	}
	r.pumps = nil
}

// Dispatch routes one incoming stream message. It never blocks and reports
// false for messages that are not stream traffic.
func (b *Bridge) Dispatch(m message.RpcMessage) bool {
	switch m := m.(type) {
	case message.StreamInit:
		if _, ok := b.lookup(m.StreamID); !ok {
			b.unknown(m.StreamID)
		}
	case message.StreamNext:
		p, ok := b.lookup(m.StreamID)
		if !ok {
			b.unknown(m.StreamID)
			return true
		}
		if prod, isProducer := p.(*producer); isProducer {
			prod.grant(m.Count)
		} else {
			b.log.Warn("credit for a consumed stream", zap.String("stream", string(m.StreamID)))
		}
	case message.StreamData:
		p, ok := b.lookup(m.StreamID)
		if !ok {
			b.unknown(m.StreamID)
			return true
		}
		if cons, isConsumer := p.(*consumer); isConsumer {
			cons.push(m.Data)
		} else {
			b.log.Warn("data for a produced stream", zap.String("stream", string(m.StreamID)))
		}
	case message.StreamClosed:
		if p, ok := b.lookup(m.StreamID); ok {
			b.forget(m.StreamID)
			p.remoteClosed(m.Error)
		}
	default:
		return false
	}
	return true
}

// Close tears down every stream. Local ends observe a stream failure built
// from cause; no messages are sent. Close waits for the pumps to exit.
func (b *Bridge) Close(cause error) {
	if cause == nil {
		cause = errBridgeClosed
	}
	b.mu.Lock()
	b.closed = true
	b.cancel(cause)
	b.mu.Unlock()
	b.wg.Wait()

	// Registered but never started.
	b.mu.Lock()
	rest := b.streams
	b.streams = make(map[message.UID]pump)
	b.mu.Unlock()
	for _, p := range rest {
		p.fail(failure.StreamFailed(p.name(), failure.FromError(cause)))
	}
}

// Active returns the number of streams currently known.
func (b *Bridge) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

func (b *Bridge) lookup(id message.UID) (pump, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.streams[id]
	return p, ok
}

func (b *Bridge) forget(id message.UID) {
	b.mu.Lock()
	delete(b.streams, id)
	b.mu.Unlock()
	b.recent.Add(id, struct{}{})
}

// unknown answers traffic for an id this side has no record of, unless it
// already closed that id itself.
func (b *Bridge) unknown(id message.UID) {
	if b.recent.Contains(id) {
		return
	}
	b.recent.Add(id, struct{}{})
	b.log.Debug("closing unknown stream", zap.String("stream", string(id)))
	b.sendAsync(message.StreamClosed{StreamID: id})
}

func (b *Bridge) sendAsync(m message.RpcMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.out.SendRPC(b.ctx, m); err != nil {
			b.log.Debug("stream control message not sent", zap.Error(err))
		}
	}()
}

func (b *Bridge) send(ctx context.Context, m message.RpcMessage) error {
	return b.out.SendRPC(ctx, m)
}
