package connection

import (
	"fmt"
	"sync"
	"time"
)

// Status is the connection state of a Loop. It is one of Connecting,
// Connected or TemporarilyDisconnected.
type Status[T any] interface {
	fmt.Stringer
	isStatus()
}

// Connecting means a physical connect attempt is in progress.
type Connecting[T any] struct{}

// Connected carries the session value built for the live connection.
type Connected[T any] struct {
	Value T
}

// TemporarilyDisconnected means the loop is waiting before the next attempt.
type TemporarilyDisconnected[T any] struct {
	RetryAt time.Time
	Delay   time.Duration
	// Attempt numbers the failures over the lifetime of the loop, starting at
	// 1. A successful connection resets Delay but not Attempt.
	Attempt int
	// Reason is the *transport.DisconnectedError found in the failure chain,
	// or the raw error when there was none.
	Reason  error
	Pending *PendingDelay
}

func (Connecting[T]) isStatus()              {}
func (Connected[T]) isStatus()               {}
func (TemporarilyDisconnected[T]) isStatus() {}

func (Connecting[T]) String() string { return "Connecting" }

func (c Connected[T]) String() string { return fmt.Sprintf("Connected(%v)", c.Value) }

func (d TemporarilyDisconnected[T]) String() string {
	return fmt.Sprintf("TemporarilyDisconnected(attempt #%d in %dms: %v)", d.Attempt, d.Delay.Milliseconds(), d.Reason)
}

// PendingDelay is the backoff wait behind a TemporarilyDisconnected status.
// It is disposed as soon as the loop moves on.
type PendingDelay struct {
	timer *time.Timer
	skip  chan struct{}
	once  sync.Once
	done  chan struct{}
}

func newPendingDelay(d time.Duration) *PendingDelay {
	return &PendingDelay{
		timer: time.NewTimer(d),
		skip:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// ReconnectNow ends the wait early.
func (p *PendingDelay) ReconnectNow() {
	p.once.Do(func() { close(p.skip) })
}

// Done is closed once the delay is over, skipped, or cancelled.
func (p *PendingDelay) Done() <-chan struct{} {
	return p.done
}

// wait blocks until the delay elapses or is skipped. It reports false if
// cancelled through done.
func (p *PendingDelay) wait(cancelled <-chan struct{}) bool {
	defer close(p.done)
	defer p.timer.Stop()
	select {
	case <-p.timer.C:
		return true
	case <-p.skip:
		return true
	case <-cancelled:
		return false
	}
}
