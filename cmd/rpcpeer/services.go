package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"rerpc/middleware"
	"rerpc/server"
	"rerpc/stream"
)

type EchoArgs struct {
	Text string `json:"text"`
}

type EchoReply struct {
	Text string `json:"text"`
	From string `json:"from"`
}

// Echo answers with the text it was given and the name of the node.
type Echo struct {
	node string
}

func (e *Echo) Say(ctx context.Context, args *EchoArgs, reply *EchoReply) error {
	if args.Text == "" {
		return errors.New("nothing to echo")
	}
	reply.Text = args.Text
	reply.From = e.node
	return nil
}

type TickArgs struct {
	Count      int `json:"count"`
	IntervalMS int `json:"intervalMs"`
}

type TickReply struct {
	Ticks stream.Out[int64] `json:"ticks"`
}

// ticks streams Count unix-millisecond timestamps, IntervalMS apart.
func ticks(ctx context.Context, args *TickArgs) (*TickReply, error) {
	if args.Count < 1 {
		return nil, errors.New("count must be positive")
	}
	interval := max(time.Duration(args.IntervalMS)*time.Millisecond, time.Millisecond)
	seq := func(yield func(int64) bool) {
		t := time.NewTicker(interval)
		defer t.Stop()
		for i := 0; i < args.Count; i++ {
			<-t.C
			if !yield(time.Now().UnixMilli()) {
				return
			}
		}
	}
	return &TickReply{Ticks: stream.OutOf(stream.FromSeq[int64](ctx, seq))}, nil
}

type UpperArgs struct {
	Lines stream.Out[string] `json:"lines"`
	Upper stream.In[string]  `json:"upper"`
}

// upper reads Lines and writes each one upper-cased to Upper. It returns the
// number of lines once both streams are done.
func upper(ctx context.Context, args *UpperArgs) (*int, error) {
	out := args.Upper.Sender()
	n := 0
	for line, err := range stream.ToSeq(ctx, args.Lines.Receiver()) {
		if err != nil {
			out.Close(err)
			return nil, err
		}
		if err := out.Send(ctx, strings.ToUpper(line)); err != nil {
			args.Lines.Receiver().Close(err)
			return nil, err
		}
		n++
	}
	out.Close(nil)
	return &n, nil
}

type serviceOptions struct {
	callTimeout time.Duration
	rate        float64
	burst       int
}

func newServer(node string, l *zap.Logger, o serviceOptions) (*server.Server, error) {
	srv := server.NewServer(server.WithLogger(l))
	srv.Use(middleware.Logging(l))
	if o.rate > 0 {
		srv.Use(middleware.RateLimit(o.rate, max(o.burst, 1)))
	}
	if o.callTimeout > 0 {
		srv.Use(middleware.Timeout(o.callTimeout))
	}
	if err := srv.Register(&Echo{node: node}); err != nil {
		return nil, err
	}
	srv.Handle("Clock", "ticks", server.Func(ticks))
	srv.Handle("Text", "upper", server.Func(upper))
	return srv, nil
}
