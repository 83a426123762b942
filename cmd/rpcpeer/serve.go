package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rerpc/config"
	"rerpc/message"
	"rerpc/metrics"
	"rerpc/rpc"
	"rerpc/transport"
)

var serveFlags serviceOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept peers and expose the demo services",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), cfg, log, serveFlags)
	},
}

func init() {
	serveCmd.Flags().DurationVar(&serveFlags.callTimeout, "call-timeout", 0, "abort calls running longer than this (0 disables)")
	serveCmd.Flags().Float64Var(&serveFlags.rate, "rate", 0, "incoming calls per second (0 disables)")
	serveCmd.Flags().IntVar(&serveFlags.burst, "burst", 10, "rate limiter burst")
}

func runServe(ctx context.Context, c config.Config, l *zap.Logger, o serviceOptions) error {
	srv, err := newServer(c.Node.Address, l, o)
	if err != nil {
		return err
	}

	stats := &transport.Stats{}
	accept := func(ctx context.Context, t transport.Transport[message.TransportMessage]) error {
		s := rpc.NewSession(ctx, t, c.Node.Address, "",
			rpc.WithServer(srv),
			rpc.WithLogger(l),
			rpc.WithWindow(c.Stream.Window),
			rpc.WithRouteObserver(func(m message.TransportMessage) {
				l.Info("route", zap.String("type", m.Type()))
			}),
			rpc.WithResourceObserver(func(path string) {
				l.Info("resource consumed", zap.String("path", path))
			}),
		)
		return s.Wait()
	}

	g, ctx := errgroup.WithContext(ctx)
	switch c.Transport.Kind {
	case config.TransportTCP:
		ln, err := net.Listen("tcp", c.Transport.Address)
		if err != nil {
			return err
		}
		l.Info("listening", zap.String("kind", "tcp"), zap.String("address", ln.Addr().String()))
		g.Go(func() error {
			return transport.ServeTCP(ctx, ln, frameOptions(c.Transport, l), stats, accept)
		})
	case config.TransportWebSocket:
		mux := http.NewServeMux()
		mux.Handle(c.Transport.Path, &transport.WebSocketHandler{
			Codec:       wireCodec(c.Transport),
			Stats:       stats,
			Accept:      accept,
			BaseContext: ctx,
			Log:         l,
		})
		l.Info("listening", zap.String("kind", "websocket"), zap.String("address", c.Transport.Address), zap.String("path", c.Transport.Path))
		serveHTTP(ctx, g, c.Transport.Address, mux)
	}

	if c.Metrics.Listen != "" {
		collector := metrics.NewCollector("rerpc")
		collector.TrackStats("serve", stats)
		reg := prometheus.NewRegistry()
		if err := reg.Register(collector); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		serveHTTP(ctx, g, c.Metrics.Listen, mux)
	}

	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown(5 * time.Second)
	})
	return g.Wait()
}

// serveHTTP runs an HTTP server in g until ctx is done.
func serveHTTP(ctx context.Context, g *errgroup.Group, addr string, h http.Handler) {
	hs := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
}
