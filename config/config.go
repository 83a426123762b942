// Package config loads the peer configuration from TOML.
//
// Load starts from Default and overlays only the keys present in the file,
// so a partial file never zeroes a setting it does not mention.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"

	"rerpc/connection"
	"rerpc/stream"
)

type Rotation struct {
	Enable     bool
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type Log struct {
	Level       string
	Format      string // console or json
	Outputs     []string
	Development bool
	Rotation    Rotation
}

type Reconnect struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	Factor   float64
}

// Backoff returns the reconnect policy described by r.
func (r Reconnect) Backoff() connection.Exponential {
	return connection.Exponential{Min: r.MinDelay, Max: r.MaxDelay, Factor: r.Factor}
}

type Stream struct {
	Window int
}

const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

type Transport struct {
	Kind      string
	Address   string
	Path      string // websocket only
	Compress  bool   // tcp only
	Heartbeat time.Duration
	Strict    bool
}

type Metrics struct {
	Listen string // empty disables the endpoint
}

type Node struct {
	Address string
	Remote  string
}

type Config struct {
	Log       Log
	Reconnect Reconnect
	Stream    Stream
	Transport Transport
	Metrics   Metrics
	Node      Node
}

func Default() Config {
	b := connection.DefaultBackoff()
	return Config{
		Log: Log{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: Rotation{
				MaxSizeMB:  100,
				MaxBackups: 3,
				MaxAgeDays: 7,
			},
		},
		Reconnect: Reconnect{MinDelay: b.Min, MaxDelay: b.Max, Factor: b.Factor},
		Stream:    Stream{Window: stream.DefaultWindow},
		Transport: Transport{
			Kind:      TransportTCP,
			Address:   "127.0.0.1:7420",
			Path:      "/rpc",
			Heartbeat: 10 * time.Second,
		},
		Node: Node{Address: "host", Remote: ""},
	}
}

type fileRotation struct {
	Enable     bool   `toml:"enable"`
	Filename   string `toml:"filename"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

type fileConfig struct {
	Log struct {
		Level       string       `toml:"level"`
		Format      string       `toml:"format"`
		Outputs     []string     `toml:"outputs"`
		Development bool         `toml:"development"`
		Rotation    fileRotation `toml:"rotation"`
	} `toml:"log"`
	Reconnect struct {
		MinDelay string  `toml:"min_delay"`
		MaxDelay string  `toml:"max_delay"`
		Factor   float64 `toml:"factor"`
	} `toml:"reconnect"`
	Stream struct {
		Window int `toml:"window"`
	} `toml:"stream"`
	Transport struct {
		Kind      string `toml:"kind"`
		Address   string `toml:"address"`
		Path      string `toml:"path"`
		Compress  bool   `toml:"compress"`
		Heartbeat string `toml:"heartbeat"`
		Strict    bool   `toml:"strict"`
	} `toml:"transport"`
	Metrics struct {
		Listen string `toml:"listen"`
	} `toml:"metrics"`
	Node struct {
		Address string `toml:"address"`
		Remote  string `toml:"remote"`
	} `toml:"node"`
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return overlay(Default(), raw, meta)
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return overlay(Default(), raw, meta)
}

func overlay(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.TrimSpace(raw.Log.Format)
	}
	if meta.IsDefined("log", "outputs") {
		cfg.Log.Outputs = normalizeList(raw.Log.Outputs)
	}
	if meta.IsDefined("log", "development") {
		cfg.Log.Development = raw.Log.Development
	}
	rot := &cfg.Log.Rotation
	if meta.IsDefined("log", "rotation", "enable") {
		rot.Enable = raw.Log.Rotation.Enable
	}
	if meta.IsDefined("log", "rotation", "filename") {
		rot.Filename = strings.TrimSpace(raw.Log.Rotation.Filename)
	}
	if meta.IsDefined("log", "rotation", "max_size_mb") {
		rot.MaxSizeMB = raw.Log.Rotation.MaxSizeMB
	}
	if meta.IsDefined("log", "rotation", "max_backups") {
		rot.MaxBackups = raw.Log.Rotation.MaxBackups
	}
	if meta.IsDefined("log", "rotation", "max_age_days") {
		rot.MaxAgeDays = raw.Log.Rotation.MaxAgeDays
	}
	if meta.IsDefined("log", "rotation", "compress") {
		rot.Compress = raw.Log.Rotation.Compress
	}

	if meta.IsDefined("reconnect", "min_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Reconnect.MinDelay))
		if err != nil {
			return Config{}, fmt.Errorf("parse reconnect.min_delay: %w", err)
		}
		cfg.Reconnect.MinDelay = d
	}
	if meta.IsDefined("reconnect", "max_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Reconnect.MaxDelay))
		if err != nil {
			return Config{}, fmt.Errorf("parse reconnect.max_delay: %w", err)
		}
		cfg.Reconnect.MaxDelay = d
	}
	if meta.IsDefined("reconnect", "factor") {
		cfg.Reconnect.Factor = raw.Reconnect.Factor
	}

	if meta.IsDefined("stream", "window") {
		cfg.Stream.Window = raw.Stream.Window
	}

	if meta.IsDefined("transport", "kind") {
		cfg.Transport.Kind = strings.ToLower(strings.TrimSpace(raw.Transport.Kind))
	}
	if meta.IsDefined("transport", "address") {
		cfg.Transport.Address = strings.TrimSpace(raw.Transport.Address)
	}
	if meta.IsDefined("transport", "path") {
		cfg.Transport.Path = strings.TrimSpace(raw.Transport.Path)
	}
	if meta.IsDefined("transport", "compress") {
		cfg.Transport.Compress = raw.Transport.Compress
	}
	if meta.IsDefined("transport", "heartbeat") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Transport.Heartbeat))
		if err != nil {
			return Config{}, fmt.Errorf("parse transport.heartbeat: %w", err)
		}
		cfg.Transport.Heartbeat = d
	}
	if meta.IsDefined("transport", "strict") {
		cfg.Transport.Strict = raw.Transport.Strict
	}

	if meta.IsDefined("metrics", "listen") {
		cfg.Metrics.Listen = strings.TrimSpace(raw.Metrics.Listen)
	}

	if meta.IsDefined("node", "address") {
		cfg.Node.Address = strings.TrimSpace(raw.Node.Address)
	}
	if meta.IsDefined("node", "remote") {
		cfg.Node.Remote = strings.TrimSpace(raw.Node.Remote)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the peer cannot run with.
func (c Config) Validate() error {
	if c.Reconnect.MinDelay <= 0 {
		return fmt.Errorf("reconnect.min_delay must be positive, got %s", c.Reconnect.MinDelay)
	}
	if c.Reconnect.MinDelay > c.Reconnect.MaxDelay {
		return fmt.Errorf("reconnect.min_delay %s exceeds max_delay %s", c.Reconnect.MinDelay, c.Reconnect.MaxDelay)
	}
	if c.Reconnect.Factor < 1 {
		return fmt.Errorf("reconnect.factor must be at least 1, got %g", c.Reconnect.Factor)
	}
	if c.Stream.Window < 1 {
		return fmt.Errorf("stream.window must be at least 1, got %d", c.Stream.Window)
	}
	switch c.Transport.Kind {
	case TransportTCP, TransportWebSocket:
	default:
		return fmt.Errorf("unknown transport.kind %q", c.Transport.Kind)
	}
	if c.Transport.Heartbeat < 0 {
		return fmt.Errorf("transport.heartbeat must not be negative")
	}
	if c.Node.Address == "" {
		return fmt.Errorf("node.address must be set")
	}
	if _, err := zapcore.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
