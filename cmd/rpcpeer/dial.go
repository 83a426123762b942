package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rerpc/config"
	"rerpc/connection"
	"rerpc/message"
	"rerpc/metrics"
	"rerpc/rpc"
	"rerpc/stream"
	"rerpc/transport"
)

type dialOptions struct {
	remote string
	ticks  int
	lines  []string
	once   bool
	sever  time.Duration
}

var dialFlags dialOptions

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "Keep a connection to a server and call its demo services",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := cfg
		if cmd.Flags().Changed("remote") {
			c.Node.Remote = dialFlags.remote
		}
		if c.Node.Remote == "" {
			return errors.New("dial needs the server's node address (node.remote or --remote)")
		}
		return runDial(cmd.Context(), c, log, dialFlags)
	},
}

func init() {
	dialCmd.Flags().StringVar(&dialFlags.remote, "remote", "", "node address of the server")
	dialCmd.Flags().IntVar(&dialFlags.ticks, "ticks", 5, "number of Clock.ticks to stream per connection")
	dialCmd.Flags().StringSliceVar(&dialFlags.lines, "line", []string{"hello", "world"}, "lines sent through Text.upper")
	dialCmd.Flags().BoolVar(&dialFlags.once, "once", false, "exit after the first successful exchange")
	dialCmd.Flags().DurationVar(&dialFlags.sever, "sever-every", 0, "debug: break the live connection at this interval (0 disables)")
}

func runDial(ctx context.Context, c config.Config, l *zap.Logger, o dialOptions) error {
	factory, err := newFactory(c.Transport, l)
	if err != nil {
		return err
	}
	var injector *transport.FaultInjector[message.TransportMessage]
	if o.sever > 0 {
		injector = transport.NewFaultInjector(factory, true)
		factory = injector
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stats := &transport.Stats{}
	loop := connection.Start(ctx, factory, c.Reconnect.Backoff(),
		func(ctx context.Context, t transport.Transport[message.TransportMessage]) (*rpc.Session, error) {
			return rpc.NewSession(ctx, t, c.Node.Address, c.Node.Remote,
				rpc.WithLogger(l),
				rpc.WithWindow(c.Stream.Window),
				rpc.WithAnnounce(),
			), nil
		},
		connection.WithLogger(l),
		connection.WithStats(stats),
		connection.WithName("dial"),
	)
	defer loop.Close()

	g, ctx := errgroup.WithContext(ctx)
	if c.Metrics.Listen != "" {
		collector := metrics.NewCollector("rerpc")
		collector.TrackStats("dial", stats)
		metrics.TrackLoop(collector, "dial", loop)
		reg := prometheus.NewRegistry()
		if err := reg.Register(collector); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		serveHTTP(ctx, g, c.Metrics.Listen, mux)
	}

	if injector != nil {
		g.Go(func() error {
			t := time.NewTicker(o.sever)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					if n := injector.Sever("severed by --sever-every"); n > 0 {
						l.Info("connection severed", zap.Int("connections", n))
					}
				}
			}
		})
	}

	sub := loop.Status().Subscribe()
	defer sub.Close()
	g.Go(func() error {
		for {
			st, err := sub.Next(ctx)
			if err != nil {
				if errors.Is(err, connection.ErrClosed) || ctx.Err() != nil {
					return nil
				}
				return err
			}
			l.Info("status", zap.Stringer("status", st))
			conn, ok := st.(connection.Connected[*rpc.Session])
			if !ok {
				continue
			}
			s := conn.Value
			g.Go(func() error {
				err := exercise(ctx, s, l, o)
				if err != nil {
					// A lost link shows up as the next status; only report it.
					l.Warn("exchange failed", zap.Error(err))
					return nil
				}
				if o.once {
					cancel()
				}
				return nil
			})
		}
	})
	return g.Wait()
}

// exercise calls every demo service once over s.
func exercise(ctx context.Context, s *rpc.Session, l *zap.Logger, o dialOptions) error {
	echo, err := rpc.Invoke[EchoReply](ctx, s, "Echo", "Say", &EchoArgs{Text: "ping"})
	if err != nil {
		return err
	}
	l.Info("echo", zap.String("text", echo.Text), zap.String("from", echo.From))

	if o.ticks > 0 {
		reply, err := rpc.Invoke[TickReply](ctx, s, "Clock", "ticks", &TickArgs{Count: o.ticks, IntervalMS: 100})
		if err != nil {
			return err
		}
		for ms, err := range stream.ToSeq(ctx, reply.Ticks.Receiver()) {
			if err != nil {
				return err
			}
			l.Info("tick", zap.Int64("unixMs", ms))
		}
	}

	if len(o.lines) > 0 {
		upperSend, upperRecv := stream.NewChannel[string](0)
		args := &UpperArgs{
			Lines: stream.OutOf(stream.FromSeq(ctx, slices.Values(o.lines))),
			Upper: stream.InOf(upperSend),
		}

		var n int
		done := make(chan error, 1)
		go func() { done <- s.Call(ctx, "Text", "upper", args, &n) }()
		for line, err := range stream.ToSeq(ctx, upperRecv) {
			if err != nil {
				return err
			}
			l.Info("upper", zap.String("line", line))
		}
		if err := <-done; err != nil {
			return err
		}
		if n != len(o.lines) {
			return fmt.Errorf("upper handled %d of %d lines", n, len(o.lines))
		}
	}

	return s.ConsumeResource(ctx, "demo/exchange")
}
