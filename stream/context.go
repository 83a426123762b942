package stream

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"

	"rerpc/codec"
	"rerpc/message"
)

// ErrNoCallContext is returned when a stream reference is encoded or decoded
// without an active call Context.
var ErrNoCallContext = errors.New("stream: no active call context")

var errNotPointer = errors.New("stream: import needs a pointer")

// Direction tells the bridge which way elements flow for a descriptor.
type Direction int

const (
	// ToRemote drains a local receiver into StreamData messages.
	ToRemote Direction = iota
	// FromRemote writes incoming StreamData into a local sender.
	FromRemote
)

func (d Direction) String() string {
	if d == ToRemote {
		return "to-remote"
	}
	return "from-remote"
}

// Descriptor is one stream created while encoding or decoding a message. It
// is inert until handed to Bridge.Register.
type Descriptor struct {
	UID           message.UID
	Direction     Direction
	DisplayName   string
	SecurityToken string

	source localSource
	sink   localSink
}

// localSource is the type-erased local end a ToRemote pump drains.
type localSource interface {
	next(ctx context.Context) (json.RawMessage, error)
	fail(err error)
}

// localSink is the type-erased local end a FromRemote pump fills.
type localSink interface {
	put(ctx context.Context, raw json.RawMessage) error
	end(err error)
	gone() <-chan struct{}
	goneErr() error
}

type receiverEnd[T any] struct{ r *Receiver[T] }

func (e receiverEnd[T]) next(ctx context.Context) (json.RawMessage, error) {
	v, err := e.r.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(v)
}

func (e receiverEnd[T]) fail(err error) { e.r.Close(err) }

type senderEnd[T any] struct{ s *Sender[T] }

// decodeError marks an element the local type could not hold.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return "stream: decode element: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func (e senderEnd[T]) put(ctx context.Context, raw json.RawMessage) error {
	var v T
	if err := codec.Unmarshal(raw, &v); err != nil {
		return &decodeError{err: err}
	}
	return e.s.Send(ctx, v)
}

func (e senderEnd[T]) end(err error)         { e.s.Close(err) }
func (e senderEnd[T]) gone() <-chan struct{} { return e.s.Done() }
func (e senderEnd[T]) goneErr() error        { return e.s.Err() }

// Context collects the descriptors created while encoding or decoding one
// message. It replaces ambient per-call state: every export and import names
// its Context explicitly.
type Context struct {
	name  string
	token string

	mu     sync.Mutex
	descs  []Descriptor
	sealed bool
}

// NewContext starts a collection for the message named name, usually the
// call display name.
func NewContext(name string) *Context {
	return &Context{name: name}
}

// WithToken sets the security token recorded on every descriptor.
func (c *Context) WithToken(token string) *Context {
	c.token = token
	return c
}

func (c *Context) add(d Descriptor) error {
	if c == nil {
		return ErrNoCallContext
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return ErrNoCallContext
	}
	d.DisplayName = c.name + "/" + string(d.UID)
	d.SecurityToken = c.token
	c.descs = append(c.descs, d)
	return nil
}

// Seal ends the collection and returns what was collected. Later exports and
// imports against c fail.
func (c *Context) Seal() []Descriptor {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	return c.descs
}

// binder is implemented by stream references that live inside messages.
type binder interface {
	export(cc *Context) error
	bind(cc *Context) error
}

var binderType = reflect.TypeOf((*binder)(nil)).Elem()

// Export registers every stream reference inside v with cc, assigning fresh
// ids. Only references reachable through a pointer can be exported, so v is
// usually a pointer to an argument or result struct. Export must run before v
// is marshalled.
func Export(cc *Context, v any) error {
	if cc == nil {
		return ErrNoCallContext
	}
	return walk(reflect.ValueOf(v), func(b binder) error { return b.export(cc) })
}

// Import creates local channel ends for every stream reference inside v,
// which must be a pointer to an already unmarshalled value.
func Import(cc *Context, v any) error {
	if cc == nil {
		return ErrNoCallContext
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer {
		return errNotPointer
	}
	return walk(rv, func(b binder) error { return b.bind(cc) })
}

func walk(v reflect.Value, fn func(binder) error) error {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if v.Type().Implements(binderType) {
			return fn(v.Interface().(binder))
		}
		return walk(v.Elem(), fn)
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return walk(v.Elem(), fn)
	case reflect.Struct:
		if v.CanAddr() && v.Addr().Type().Implements(binderType) {
			return fn(v.Addr().Interface().(binder))
		}
		for i := 0; i < v.NumField(); i++ {
			if !v.Type().Field(i).IsExported() {
				continue
			}
			if err := walk(v.Field(i), fn); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := walk(v.Index(i), fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Out is a stream of T flowing from the side that encodes the message to the
// side that decodes it. On the wire it is the stream id.
type Out[T any] struct {
	id   message.UID
	recv *Receiver[T]
}

// OutOf wraps a local receiver whose elements the peer will read.
func OutOf[T any](r *Receiver[T]) Out[T] {
	return Out[T]{recv: r}
}

// Receiver returns the local end: the wrapped receiver on the encoding side,
// a fresh one after Import on the decoding side.
func (o *Out[T]) Receiver() *Receiver[T] { return o.recv }

func (o *Out[T]) UID() message.UID { return o.id }

func (o *Out[T]) export(cc *Context) error {
	if o.recv == nil {
		return errors.New("stream: Out has no receiver")
	}
	o.id = message.NewUID()
	return cc.add(Descriptor{UID: o.id, Direction: ToRemote, source: receiverEnd[T]{o.recv}})
}

func (o *Out[T]) bind(cc *Context) error {
	if o.id == "" {
		return errors.New("stream: Out has no id")
	}
	s, r := NewChannel[T](0)
	if err := cc.add(Descriptor{UID: o.id, Direction: FromRemote, sink: senderEnd[T]{s}}); err != nil {
		return err
	}
	o.recv = r
	return nil
}

func (o Out[T]) MarshalJSON() ([]byte, error) {
	return marshalID(o.id)
}

func (o *Out[T]) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &o.id)
}

// In is a stream of T flowing from the side that decodes the message back to
// the side that encodes it.
type In[T any] struct {
	id   message.UID
	send *Sender[T]
}

// InOf wraps a local sender that the peer's elements will be written to.
func InOf[T any](s *Sender[T]) In[T] {
	return In[T]{send: s}
}

// Sender returns the local end: the wrapped sender on the encoding side, a
// fresh one after Import on the decoding side.
func (i *In[T]) Sender() *Sender[T] { return i.send }

func (i *In[T]) UID() message.UID { return i.id }

func (i *In[T]) export(cc *Context) error {
	if i.send == nil {
		return errors.New("stream: In has no sender")
	}
	i.id = message.NewUID()
	return cc.add(Descriptor{UID: i.id, Direction: FromRemote, sink: senderEnd[T]{i.send}})
}

func (i *In[T]) bind(cc *Context) error {
	if i.id == "" {
		return errors.New("stream: In has no id")
	}
	s, r := NewChannel[T](0)
	if err := cc.add(Descriptor{UID: i.id, Direction: ToRemote, source: receiverEnd[T]{r}}); err != nil {
		return err
	}
	i.send = s
	return nil
}

func (i In[T]) MarshalJSON() ([]byte, error) {
	return marshalID(i.id)
}

func (i *In[T]) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &i.id)
}

func marshalID(id message.UID) ([]byte, error) {
	if id == "" {
		return nil, ErrNoCallContext
	}
	return json.Marshal(id)
}
