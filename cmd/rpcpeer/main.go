// Command rpcpeer runs either end of an rpc link: serve accepts peers and
// exposes demo services, dial keeps a connection to a server and exercises
// them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rerpc/codec"
	"rerpc/config"
	"rerpc/logging"
	"rerpc/message"
	"rerpc/transport"
)

type GlobalFlags struct {
	ConfigFile string
	LogLevel   string
	Transport  string
	Address    string
	Node       string
}

var (
	globalFlags GlobalFlags
	cfg         config.Config
	log         *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "rpcpeer",
	Short:         "Run one end of an rpc link",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(cmd)
		if err != nil {
			return err
		}
		log, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigFile, "config", "c", "", "TOML config file (defaults apply when unset)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "override log.level")
	rootCmd.PersistentFlags().StringVar(&globalFlags.Transport, "transport", "", "override transport.kind: tcp|websocket")
	rootCmd.PersistentFlags().StringVar(&globalFlags.Address, "address", "", "override transport.address")
	rootCmd.PersistentFlags().StringVar(&globalFlags.Node, "node", "", "override node.address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dialCmd)
}

// loadConfig reads the config file and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	c := config.Default()
	if globalFlags.ConfigFile != "" {
		var err error
		if c, err = config.Load(globalFlags.ConfigFile); err != nil {
			return config.Config{}, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.Log.Level = globalFlags.LogLevel
	}
	if flags.Changed("transport") {
		c.Transport.Kind = globalFlags.Transport
	}
	if flags.Changed("address") {
		c.Transport.Address = globalFlags.Address
	}
	if flags.Changed("node") {
		c.Node.Address = globalFlags.Node
	}
	return c, c.Validate()
}

func wireCodec(c config.Transport) codec.Codec {
	if c.Strict {
		return codec.Strict
	}
	return codec.RPC
}

func frameOptions(c config.Transport, l *zap.Logger) transport.FrameOptions {
	return transport.FrameOptions{
		Compress:  c.Compress,
		Heartbeat: c.Heartbeat,
		Codec:     wireCodec(c),
		Log:       l,
	}
}

// newFactory returns the dialing side of the configured transport.
func newFactory(c config.Transport, l *zap.Logger) (transport.Factory[message.TransportMessage], error) {
	switch c.Kind {
	case config.TransportTCP:
		return &transport.TCPFactory{Address: c.Address, Options: frameOptions(c, l)}, nil
	case config.TransportWebSocket:
		return &transport.WebSocketFactory{URL: "ws://" + c.Address + c.Path, Codec: wireCodec(c)}, nil
	}
	return nil, fmt.Errorf("unknown transport kind %q", c.Kind)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
