package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rerpc/failure"
	"rerpc/message"
	"rerpc/transport"
)

// link connects two bridges in memory and records every message in the
// order it was delivered.
type link struct {
	mu   sync.Mutex
	log  []message.RpcMessage
	a, b *Bridge
}

type linkSide struct {
	l   *link
	toA bool
}

func (s linkSide) SendRPC(_ context.Context, m message.RpcMessage) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	s.l.log = append(s.l.log, m)
	if s.toA {
		s.l.a.Dispatch(m)
	} else {
		s.l.b.Dispatch(m)
	}
	return nil
}

func newLink(window int) *link {
	l := &link{}
	l.a = NewBridge(linkSide{l: l}, WithWindow(window))
	l.b = NewBridge(linkSide{l: l, toA: true}, WithWindow(window))
	return l
}

func (l *link) messages() []message.RpcMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.log)
}

// transfer encodes v on side a and decodes it into out on side b, then
// starts both sides the way a session does.
func (l *link) transfer(t *testing.T, v, out any) {
	t.Helper()
	cc := NewContext("Files.tail#1")
	require.NoError(t, Export(cc, v))
	data, err := json.Marshal(v)
	require.NoError(t, err)
	sent := l.a.Register(cc.Seal())

	in := NewContext("Files.tail#1")
	require.NoError(t, json.Unmarshal(data, out))
	require.NoError(t, Import(in, out))
	l.b.Register(in.Seal()).Start()
	sent.Start()
}

type tailArgs struct {
	Path  string   `json:"path"`
	Lines Out[int] `json:"lines"`
}

type uploadArgs struct {
	Chunks In[string] `json:"chunks"`
}

func produce(ctx context.Context, s *Sender[int], n int) {
	for i := 0; i < n; i++ {
		if s.Send(ctx, i) != nil {
			return
		}
	}
	s.Close(nil)
}

func collect(t *testing.T, r *Receiver[int]) ([]int, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []int
	for v, err := range ToSeq(ctx, r) {
		if err != nil {
			return got, err
		}
		got = append(got, v)
	}
	return got, nil
}

func expected(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestStreamToRemote(t *testing.T) {
	l := newLink(8)
	s, r := NewChannel[int](0)
	go produce(context.Background(), s, 100)

	var decoded tailArgs
	l.transfer(t, &tailArgs{Path: "/var/log", Lines: OutOf(r)}, &decoded)
	assert.Equal(t, "/var/log", decoded.Path)
	require.NotNil(t, decoded.Lines.Receiver())

	got, err := collect(t, decoded.Lines.Receiver())
	require.NoError(t, err)
	assert.Equal(t, expected(100), got)

	require.Eventually(t, func() bool { return l.a.Active() == 0 && l.b.Active() == 0 }, 5*time.Second, time.Millisecond)
	var inits, closes int
	for _, m := range l.messages() {
		switch m := m.(type) {
		case message.StreamInit:
			inits++
		case message.StreamClosed:
			closes++
			assert.Nil(t, m.Error)
		}
	}
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, closes)
}

func TestCreditInvariant(t *testing.T) {
	const window = 4
	l := newLink(window)
	s, r := NewChannel[int](0)
	go produce(context.Background(), s, 50)

	var decoded tailArgs
	l.transfer(t, &tailArgs{Lines: OutOf(r)}, &decoded)

	// Slow consumer.
	recv := decoded.Lines.Receiver()
	for i := 0; i < 50; i++ {
		v, err := recv.Receive(context.Background())
		require.NoError(t, err)
		require.Equal(t, i, v)
		if i%7 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}

	credit, granted, data := 0, false, 0
	for _, m := range l.messages() {
		switch m := m.(type) {
		case message.StreamNext:
			require.Greater(t, m.Count, 0)
			granted = true
			credit += m.Count
		case message.StreamData:
			require.True(t, granted, "data before the first grant")
			credit--
			data++
			require.GreaterOrEqual(t, credit, 0, "data beyond granted credit")
			require.LessOrEqual(t, credit, window)
		}
	}
	assert.Equal(t, 50, data)
}

func TestConsumerClosesEarly(t *testing.T) {
	l := newLink(4)
	s, r := NewChannel[int](0)
	sendErr := make(chan error, 1)
	go func() {
		for i := 0; ; i++ {
			if err := s.Send(context.Background(), i); err != nil {
				sendErr <- err
				return
			}
		}
	}()

	var decoded tailArgs
	l.transfer(t, &tailArgs{Lines: OutOf(r)}, &decoded)
	recv := decoded.Lines.Receiver()
	for i := 0; i < 3; i++ {
		_, err := recv.Receive(context.Background())
		require.NoError(t, err)
	}
	recv.Close(nil)

	select {
	case err := <-sendErr:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("producer was not stopped")
	}
	require.Eventually(t, func() bool { return l.a.Active() == 0 && l.b.Active() == 0 }, 5*time.Second, time.Millisecond)
}

func TestProducerFailureReachesConsumer(t *testing.T) {
	l := newLink(4)
	s, r := NewChannel[int](0)
	go func() {
		_ = s.Send(context.Background(), 0)
		_ = s.Send(context.Background(), 1)
		s.Close(errors.New("disk on fire"))
	}()

	var decoded tailArgs
	l.transfer(t, &tailArgs{Lines: OutOf(r)}, &decoded)

	got, err := collect(t, decoded.Lines.Receiver())
	assert.Equal(t, []int{0, 1}, got)
	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	require.NotNil(t, fe.FailureInfo().RequestError)
	assert.Contains(t, *fe.FailureInfo().RequestError, "disk on fire")
}

func TestStreamFromRemote(t *testing.T) {
	l := newLink(2)
	s, r := NewChannel[string](0)

	var decoded uploadArgs
	l.transfer(t, &uploadArgs{Chunks: InOf(s)}, &decoded)

	remote := decoded.Chunks.Sender()
	require.NotNil(t, remote)
	go func() {
		for _, c := range []string{"a", "b", "c"} {
			if remote.Send(context.Background(), c) != nil {
				return
			}
		}
		remote.Close(nil)
	}()

	var got []string
	for v, err := range ToSeq(context.Background(), r) {
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestTeardownFailsLocalEnds(t *testing.T) {
	l := newLink(4)
	s, r := NewChannel[int](0)

	var decoded tailArgs
	l.transfer(t, &tailArgs{Lines: OutOf(r)}, &decoded)

	net := transport.Disconnected("net-down", nil)
	l.a.Close(net)
	l.b.Close(net)

	_, err := decoded.Lines.Receiver().Receive(context.Background())
	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.NotNil(t, fe.FailureInfo().TransportError)

	err = s.Send(context.Background(), 1)
	require.ErrorAs(t, err, &fe)
	assert.NotNil(t, fe.FailureInfo().TransportError)
}

type recorder struct {
	mu   sync.Mutex
	msgs []message.RpcMessage
}

func (r *recorder) SendRPC(_ context.Context, m message.RpcMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) sent() []message.RpcMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.msgs)
}

func TestUnknownStreamIsClosedOnce(t *testing.T) {
	out := &recorder{}
	b := NewBridge(out)
	defer b.Close(nil)

	id := message.NewUID()
	assert.True(t, b.Dispatch(message.StreamInit{StreamID: id}))
	require.Eventually(t, func() bool { return len(out.sent()) == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, message.StreamClosed{StreamID: id}, out.sent()[0])

	// Already closed from this side: late traffic is dropped.
	b.Dispatch(message.StreamInit{StreamID: id})
	b.Dispatch(message.StreamData{StreamID: id, Data: json.RawMessage(`1`)})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, out.sent(), 1)

	assert.False(t, b.Dispatch(message.CancelCall{RequestID: id}))
}

func TestDataBeyondCreditIsRejected(t *testing.T) {
	out := &recorder{}
	b := NewBridge(out, WithWindow(1))
	defer b.Close(nil)

	id := message.NewUID()
	decoded := tailArgs{Lines: Out[int]{id: id}}
	cc := NewContext("peer")
	require.NoError(t, Import(cc, &decoded))
	b.Register(cc.Seal()).Start()

	require.Eventually(t, func() bool { return len(out.sent()) == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, message.StreamNext{StreamID: id, Count: 1}, out.sent()[0])

	b.Dispatch(message.StreamData{StreamID: id, Data: json.RawMessage(`7`)})
	b.Dispatch(message.StreamData{StreamID: id, Data: json.RawMessage(`8`)})

	recv := decoded.Lines.Receiver()
	v, err := recv.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	_, err = recv.Receive(context.Background())
	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.NotNil(t, fe.FailureInfo().RequestError)

	require.Eventually(t, func() bool {
		for _, m := range out.sent() {
			if c, ok := m.(message.StreamClosed); ok && c.Error != nil {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)
}

func TestDataBeforeFirstGrantIsRejected(t *testing.T) {
	out := &recorder{}
	b := NewBridge(out, WithWindow(4))
	defer b.Close(nil)

	id := message.NewUID()
	decoded := tailArgs{Lines: Out[int]{id: id}}
	cc := NewContext("peer")
	require.NoError(t, Import(cc, &decoded))
	reg := b.Register(cc.Seal())

	// Registered but no credit granted yet.
	b.Dispatch(message.StreamData{StreamID: id, Data: json.RawMessage(`1`)})
	reg.Start()

	_, err := decoded.Lines.Receiver().Receive(context.Background())
	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.NotNil(t, fe.FailureInfo().RequestError)

	require.Eventually(t, func() bool { return len(out.sent()) == 1 }, 5*time.Second, time.Millisecond)
	closed, ok := out.sent()[0].(message.StreamClosed)
	require.True(t, ok, "got %T", out.sent()[0])
	assert.Equal(t, id, closed.StreamID)
	require.NotNil(t, closed.Error)
	assert.NotNil(t, closed.Error.RequestError)
}

func TestAbortClosesLocalEnds(t *testing.T) {
	out := &recorder{}
	b := NewBridge(out)
	defer b.Close(nil)

	s, r := NewChannel[int](0)
	cc := NewContext("Files.tail#2")
	require.NoError(t, Export(cc, &tailArgs{Lines: OutOf(r)}))
	descs := cc.Seal()
	reg := b.Register(descs)
	assert.Equal(t, 1, b.Active())

	reg.Abort(transport.Disconnected("write", nil))
	assert.Equal(t, 0, b.Active())
	assert.ErrorIs(t, s.Send(context.Background(), 1), ErrClosed)

	// The peer may have imported the id before the call failed.
	require.Eventually(t, func() bool { return len(out.sent()) == 1 }, 5*time.Second, time.Millisecond)
	closed, ok := out.sent()[0].(message.StreamClosed)
	require.True(t, ok, "got %T", out.sent()[0])
	assert.Equal(t, descs[0].UID, closed.StreamID)
	require.NotNil(t, closed.Error)
	assert.NotNil(t, closed.Error.TransportError)

	// Its answer to the close is dropped.
	b.Dispatch(message.StreamNext{StreamID: descs[0].UID, Count: 4})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, out.sent(), 1)
}

func TestCallContextRequired(t *testing.T) {
	_, r := NewChannel[int](0)
	args := &tailArgs{Lines: OutOf(r)}

	assert.ErrorIs(t, Export(nil, args), ErrNoCallContext)

	cc := NewContext("x")
	cc.Seal()
	assert.ErrorIs(t, Export(cc, args), ErrNoCallContext)

	// Marshalling a reference that was never exported fails instead of
	// producing an unusable id.
	_, err := json.Marshal(&tailArgs{Lines: OutOf(r)})
	assert.ErrorIs(t, err, ErrNoCallContext)

	var decoded tailArgs
	require.NoError(t, json.Unmarshal([]byte(`{"path":"","lines":"abc"}`), &decoded))
	assert.ErrorIs(t, Import(nil, &decoded), ErrNoCallContext)
	assert.Nil(t, decoded.Lines.Receiver())
}

func TestSeqHelpersOutliveCaller(t *testing.T) {
	l := newLink(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var decoded tailArgs
	l.transfer(t, &tailArgs{Lines: OutOf(FromSeq(ctx, slices.Values([]int{0, 1, 2, 3})))}, &decoded)

	got, err := collect(t, decoded.Lines.Receiver())
	require.NoError(t, err)
	assert.Equal(t, expected(4), got)
}

func TestChannelSemantics(t *testing.T) {
	s, r := NewChannel[int](2)
	ctx := context.Background()
	require.NoError(t, s.Send(ctx, 1))
	require.NoError(t, s.Send(ctx, 2))
	s.Close(nil)

	v, err := r.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = r.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	_, err = r.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, s.Send(ctx, 3), ErrClosed)

	s2, r2 := NewChannel[int](0)
	r2.Close(errors.New("not interested"))
	err = s2.Send(ctx, 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorContains(t, err, "not interested")
}
