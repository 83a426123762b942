package transport

import (
	"context"
	"sync"
)

// Link is an in-memory physical link with two ends. Closing it fails both
// ends with the same DisconnectedError.
type Link[M any] struct {
	aToB chan M
	bToA chan M

	once sync.Once
	done chan struct{}
	err  *DisconnectedError
}

// Pipe creates a Link whose directions each buffer up to buffer messages.
func Pipe[M any](buffer int) *Link[M] {
	return &Link[M]{
		aToB: make(chan M, buffer),
		bToA: make(chan M, buffer),
		done: make(chan struct{}),
	}
}

// Ends returns the two sides of the link.
func (l *Link[M]) Ends() (a, b Transport[M]) {
	ea := &pipeEnd[M]{link: l, out: l.aToB, in: l.bToA}
	eb := &pipeEnd[M]{link: l, out: l.bToA, in: l.aToB}
	return Transport[M]{Outgoing: ea, Incoming: ea}, Transport[M]{Outgoing: eb, Incoming: eb}
}

// Close breaks the link. Only the first call has an effect.
func (l *Link[M]) Close(err *DisconnectedError) {
	if err == nil {
		err = Disconnected("link closed", nil)
	}
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

func (l *Link[M]) Done() <-chan struct{} { return l.done }

// Err returns the error the link was closed with, or nil while it is up.
func (l *Link[M]) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

type pipeEnd[M any] struct {
	link *Link[M]
	out  chan<- M
	in   <-chan M
}

func (e *pipeEnd[M]) Send(ctx context.Context, m M) error {
	if err := e.link.Err(); err != nil {
		return err
	}
	select {
	case e.out <- m:
		return nil
	case <-e.link.done:
		return e.link.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *pipeEnd[M]) Receive(ctx context.Context) (M, error) {
	var zero M
	if err := e.link.Err(); err != nil {
		return zero, err
	}
	select {
	case m := <-e.in:
		return m, nil
	case <-e.link.done:
		return zero, e.link.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Loopback is a Factory whose every connection is an in-memory Link served
// in-process by Accept. It is meant for tests and local demos.
type Loopback[M any] struct {
	Buffer int
	Accept Body[M]

	mu    sync.Mutex
	links map[*Link[M]]struct{}
}

func (f *Loopback[M]) Connect(ctx context.Context, _ *Stats, body Body[M]) error {
	link := Pipe[M](f.Buffer)
	f.track(link, true)
	defer f.track(link, false)

	a, b := link.Ends()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		select {
		case <-link.Done():
			cancel(link.err)
		case <-ctx.Done():
		}
	}()

	if f.Accept != nil {
		go func() {
			err := f.Accept(ctx, b)
			link.Close(Disconnected("remote session ended", err))
		}()
	}

	err := body(ctx, a)
	link.Close(Disconnected("local session ended", err))
	if link.err.Reason != "local session ended" {
		return link.err
	}
	return err
}

// Sever breaks every live connection with reason.
func (f *Loopback[M]) Sever(reason string) {
	f.mu.Lock()
	links := make([]*Link[M], 0, len(f.links))
	for l := range f.links {
		links = append(links, l)
	}
	f.mu.Unlock()
	for _, l := range links {
		l.Close(Disconnected(reason, nil))
	}
}

func (f *Loopback[M]) track(l *Link[M], add bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.links == nil {
		f.links = make(map[*Link[M]]struct{})
	}
	if add {
		f.links[l] = struct{}{}
	} else {
		delete(f.links, l)
	}
}
