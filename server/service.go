package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"rerpc/middleware"
	"rerpc/stream"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService builds a service from rcvr's exported methods of the form
//
//	func (s *S) M(ctx context.Context, args *A, reply *R) error
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("server: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	srv := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.registerMethods()
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("server: %s has no methods of the form M(ctx, *Args, *Reply) error", name)
	}
	return srv, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 4 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1) != contextType ||
			mt.In(2).Kind() != reflect.Pointer || mt.In(3).Kind() != reflect.Pointer {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   mt.In(2).Elem(),
			ReplyType: mt.In(3).Elem(),
		}
	}
}

func (s *service) handler(m *methodType) Handler {
	return Handler{
		Decode: func(cc *stream.Context, raw json.RawMessage) (any, error) {
			argv := reflect.New(m.ArgType)
			if err := decodeArgs(cc, raw, argv.Interface()); err != nil {
				return nil, err
			}
			return argv.Interface(), nil
		},
		Invoke: func(ctx context.Context, req *middleware.Request) (*middleware.Response, error) {
			replyv := reflect.New(m.ReplyType)
			if err := s.call(ctx, m, reflect.ValueOf(req.Args), replyv); err != nil {
				return nil, err
			}
			return &middleware.Response{Reply: replyv.Interface()}, nil
		},
	}
}

func (s *service) call(ctx context.Context, m *methodType, argv, replyv reflect.Value) error {
	args := [4]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv}
	results := m.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
