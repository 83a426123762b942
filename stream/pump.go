package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"rerpc/failure"
	"rerpc/message"
)

var (
	errRemoteClosed   = errors.New("stream: closed by peer")
	errLocalClosed    = errors.New("stream: closed locally")
	errCreditExceeded = errors.New("stream: data beyond granted credit")
)

type pump interface {
	id() message.UID
	name() string
	run()
	// fail closes the local end with err without telling the peer.
	fail(err error)
	remoteClosed(info *failure.Info)
}

// producer drains a local source into StreamData, one element per unit of
// credit.
type producer struct {
	b      *Bridge
	desc   Descriptor
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	credit    int
	remoteErr *failure.Info
	wake      chan struct{}
}

func newProducer(b *Bridge, d Descriptor) *producer {
	ctx, cancel := context.WithCancelCause(b.ctx)
	return &producer{
		b:      b,
		desc:   d,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
}

func (p *producer) id() message.UID { return p.desc.UID }
func (p *producer) name() string    { return p.desc.DisplayName }
func (p *producer) fail(err error)  { p.desc.source.fail(err) }

func (p *producer) grant(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.credit += n
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *producer) remoteClosed(info *failure.Info) {
	p.mu.Lock()
	p.remoteErr = info
	p.mu.Unlock()
	p.cancel(errRemoteClosed)
}

func (p *producer) acquire() error {
	for {
		p.mu.Lock()
		if p.credit > 0 {
			p.credit--
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-p.ctx.Done():
			return context.Cause(p.ctx)
		}
	}
}

func (p *producer) run() {
	defer p.cancel(nil)
	defer p.b.forget(p.desc.UID)

	id := p.desc.UID
	if err := p.b.send(p.ctx, message.StreamInit{StreamID: id}); err != nil {
		p.linkFailed(err)
		return
	}
	for {
		if err := p.acquire(); err != nil {
			p.linkFailed(err)
			return
		}
		data, err := p.desc.source.next(p.ctx)
		if errors.Is(err, io.EOF) {
			if err := p.b.send(p.b.ctx, message.StreamClosed{StreamID: id}); err != nil {
				p.b.log.Debug("stream end not sent", zap.Error(err))
			}
			return
		}
		if err != nil {
			p.localFailed(err)
			return
		}
		if err := p.b.send(p.ctx, message.StreamData{StreamID: id, Data: data}); err != nil {
			p.linkFailed(err)
			return
		}
	}
}

// interrupted handles the cases where the pump context ended: the peer closed
// the stream or the whole bridge went down.
func (p *producer) interrupted() bool {
	if p.ctx.Err() == nil {
		return false
	}
	cause := context.Cause(p.ctx)
	if errors.Is(cause, errRemoteClosed) {
		p.mu.Lock()
		info := p.remoteErr
		p.mu.Unlock()
		if info == nil {
			p.fail(nil)
		} else {
			p.fail(failure.StreamFailed(p.name(), *info))
		}
		return true
	}
	p.fail(failure.StreamFailed(p.name(), failure.FromError(cause)))
	return true
}

func (p *producer) linkFailed(err error) {
	if p.interrupted() {
		return
	}
	p.fail(failure.StreamFailed(p.name(), failure.FromError(err)))
}

// localFailed reports a producer-side error to the consumer.
func (p *producer) localFailed(err error) {
	if p.interrupted() {
		return
	}
	info := failure.FromError(err)
	p.fail(failure.StreamFailed(p.name(), info))
	if err := p.b.send(p.b.ctx, message.StreamClosed{StreamID: p.desc.UID, Error: &info}); err != nil {
		p.b.log.Debug("stream failure not sent", zap.Error(err))
	}
}

// consumer feeds StreamData into a local sink and re-grants credit as the
// local side takes elements.
type consumer struct {
	b      *Bridge
	desc   Descriptor
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu          sync.Mutex
	queue       []json.RawMessage
	outstanding int
	remoteDone  bool
	remoteErr   *failure.Info
	violation   error
	wake        chan struct{}
}

func newConsumer(b *Bridge, d Descriptor) *consumer {
	ctx, cancel := context.WithCancelCause(b.ctx)
	return &consumer{
		b:      b,
		desc:   d,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
}

func (c *consumer) id() message.UID { return c.desc.UID }
func (c *consumer) name() string    { return c.desc.DisplayName }
func (c *consumer) fail(err error)  { c.desc.sink.end(err) }

func (c *consumer) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *consumer) push(raw json.RawMessage) {
	c.mu.Lock()
	switch {
	case c.remoteDone || c.violation != nil:
	case c.outstanding <= 0:
		c.violation = errCreditExceeded
	default:
		c.outstanding--
		c.queue = append(c.queue, raw)
	}
	c.mu.Unlock()
	c.signal()
}

func (c *consumer) remoteClosed(info *failure.Info) {
	c.mu.Lock()
	c.remoteDone = true
	c.remoteErr = info
	c.mu.Unlock()
	c.signal()
}

// remoteEnd carries the peer's StreamClosed out of take.
type remoteEnd struct{ info *failure.Info }

func (e *remoteEnd) Error() string { return "stream: ended by peer" }

func (c *consumer) take() (json.RawMessage, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			raw := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return raw, nil
		}
		if c.violation != nil {
			err := c.violation
			c.mu.Unlock()
			return nil, err
		}
		if c.remoteDone {
			info := c.remoteErr
			c.mu.Unlock()
			return nil, &remoteEnd{info: info}
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-c.desc.sink.gone():
			return nil, errLocalClosed
		case <-c.ctx.Done():
			return nil, context.Cause(c.ctx)
		}
	}
}

func (c *consumer) run() {
	defer c.cancel(nil)
	defer c.b.forget(c.desc.UID)

	id := c.desc.UID
	window := c.b.window
	// Data that arrived before the first grant is already a violation and
	// surfaces from take.
	if c.regrant(window) {
		if err := c.b.send(c.ctx, message.StreamNext{StreamID: id, Count: window}); err != nil {
			c.end(err)
			return
		}
	}
	threshold := max(window/2, 1)
	delivered := 0
	for {
		raw, err := c.take()
		if err != nil {
			c.end(err)
			return
		}
		if err := c.desc.sink.put(c.ctx, raw); err != nil {
			c.end(err)
			return
		}
		delivered++
		if delivered >= threshold && c.regrant(delivered) {
			if err := c.b.send(c.ctx, message.StreamNext{StreamID: id, Count: delivered}); err != nil {
				c.end(err)
				return
			}
			delivered = 0
		}
	}
}

// regrant adds n to the credit the peer may use unless the peer already
// broke the protocol.
func (c *consumer) regrant(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.violation != nil {
		return false
	}
	c.outstanding += n
	return true
}

func (c *consumer) end(err error) {
	if c.ctx.Err() != nil {
		c.fail(failure.StreamFailed(c.name(), failure.FromError(context.Cause(c.ctx))))
		return
	}

	var remote *remoteEnd
	var decode *decodeError
	switch {
	case errors.As(err, &remote):
		if remote.info == nil {
			c.fail(nil)
		} else {
			c.fail(failure.StreamFailed(c.name(), *remote.info))
		}
	case errors.Is(err, errLocalClosed), errors.Is(err, ErrClosed):
		var info *failure.Info
		if cause := c.desc.sink.goneErr(); cause != nil {
			i := failure.FromError(cause)
			info = &i
		}
		c.closeRemote(info)
	case errors.Is(err, errCreditExceeded), errors.As(err, &decode):
		info := failure.Request(err.Error())
		c.fail(failure.StreamFailed(c.name(), info))
		c.closeRemote(&info)
	default:
		c.fail(failure.StreamFailed(c.name(), failure.FromError(err)))
	}
}

func (c *consumer) closeRemote(info *failure.Info) {
	if err := c.b.send(c.b.ctx, message.StreamClosed{StreamID: c.desc.UID, Error: info}); err != nil {
		c.b.log.Debug("stream close not sent", zap.Error(err))
	}
}
