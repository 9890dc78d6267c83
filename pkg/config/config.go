// Package config loads endpoint configuration for the coap commands.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables prefixed with COAP_ (a .env file may supply them).
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mash-protocol/coap-go/pkg/blockwise"
	"github.com/mash-protocol/coap-go/pkg/engine"
	"github.com/mash-protocol/coap-go/pkg/observe"
	"github.com/mash-protocol/coap-go/pkg/reliability"
	"github.com/mash-protocol/coap-go/pkg/token"
	"github.com/mash-protocol/coap-go/pkg/transport"
	"github.com/mash-protocol/coap-go/pkg/worker"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "COAP_"

// Config is the configuration of one endpoint.
type Config struct {
	// Listen is the UDP address to bind, e.g. ":5683".
	Listen string `yaml:"listen" env:"LISTEN"`

	// Multicast joins the All-CoAP-Nodes group on the listen port.
	Multicast bool `yaml:"multicast" env:"MULTICAST"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// ProtocolLog is the path of a CBOR protocol capture (.clog).
	ProtocolLog string `yaml:"protocol_log" env:"PROTOCOL_LOG"`

	// MetricsAddr serves Prometheus metrics over HTTP when set.
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`

	TokenLength int `yaml:"token_length" env:"TOKEN_LENGTH"`

	Transmission Transmission `yaml:"transmission" envPrefix:"TX_"`
	Blockwise    Blockwise    `yaml:"blockwise" envPrefix:"BLOCK_"`
	Observe      Observe      `yaml:"observe" envPrefix:"OBSERVE_"`
	Workers      Workers      `yaml:"workers" envPrefix:"WORKERS_"`
	Discovery    Discovery    `yaml:"discovery" envPrefix:"DISCOVERY_"`
}

// Transmission holds the RFC 7252 transmission parameters.
type Transmission struct {
	AckTimeout       time.Duration `yaml:"ack_timeout" env:"ACK_TIMEOUT"`
	AckRandomFactor  float64       `yaml:"ack_random_factor" env:"ACK_RANDOM_FACTOR"`
	MaxRetransmit    int           `yaml:"max_retransmit" env:"MAX_RETRANSMIT"`
	ExchangeLifetime time.Duration `yaml:"exchange_lifetime" env:"EXCHANGE_LIFETIME"`
	NonLifetime      time.Duration `yaml:"non_lifetime" env:"NON_LIFETIME"`
	AckDelay         time.Duration `yaml:"ack_delay" env:"ACK_DELAY"`
	SendTimeout      time.Duration `yaml:"send_timeout" env:"SEND_TIMEOUT"`
}

// Blockwise bounds blockwise transfers.
type Blockwise struct {
	MaxBlockSize     int           `yaml:"max_block_size" env:"MAX_BLOCK_SIZE"`
	MaxBodySize      int           `yaml:"max_body_size" env:"MAX_BODY_SIZE"`
	TransferLifetime time.Duration `yaml:"transfer_lifetime" env:"TRANSFER_LIFETIME"`
}

// Observe configures notification fan-out.
type Observe struct {
	ConfirmableEvery int           `yaml:"confirmable_every" env:"CONFIRMABLE_EVERY"`
	Debounce         time.Duration `yaml:"debounce" env:"DEBOUNCE"`
	MaxObservers     int           `yaml:"max_observers" env:"MAX_OBSERVERS"`
}

// Workers sizes the worker pool.
type Workers struct {
	Count     int `yaml:"count" env:"COUNT"`
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// Discovery configures mDNS advertisement.
type Discovery struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Instance string `yaml:"instance" env:"INSTANCE"`
	Domain   string `yaml:"domain" env:"DOMAIN"`
}

// Default returns the built-in configuration.
func Default() Config {
	rel := reliability.DefaultConfig()
	bw := blockwise.DefaultConfig()
	obs := observe.DefaultConfig()
	wk := worker.DefaultConfig()
	return Config{
		Listen:      fmt.Sprintf(":%d", transport.DefaultPort),
		LogLevel:    "info",
		LogFormat:   "text",
		TokenLength: token.MaxLength,
		Transmission: Transmission{
			AckTimeout:       rel.AckTimeout,
			AckRandomFactor:  rel.AckRandomFactor,
			MaxRetransmit:    rel.MaxRetransmit,
			ExchangeLifetime: rel.ExchangeLifetime,
			NonLifetime:      rel.NonLifetime,
			AckDelay:         rel.AckDelay,
			SendTimeout:      engine.DefaultSendTimeout,
		},
		Blockwise: Blockwise{
			MaxBlockSize:     bw.MaxBlockSize,
			MaxBodySize:      bw.MaxBodySize,
			TransferLifetime: bw.TransferLifetime,
		},
		Observe: Observe{
			MaxObservers: obs.MaxObservers,
		},
		Workers: Workers{
			Count:     wk.Workers,
			QueueSize: wk.QueueSize,
		},
		Discovery: Discovery{
			Domain: "local.",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped
// when path is empty) and the COAP_ environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// LoadDotEnv reads the given .env files into the process environment.
// Missing files are ignored; variables already set are not overwritten.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Validate reports every invalid value.
func (c Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format %q: want text or json", c.LogFormat))
	}
	if c.Transmission.AckTimeout <= 0 {
		errs = append(errs, errors.New("transmission.ack_timeout must be positive"))
	}
	if c.Transmission.MaxRetransmit < 0 {
		errs = append(errs, errors.New("transmission.max_retransmit must not be negative"))
	}
	if c.Blockwise.MaxBodySize < c.Blockwise.MaxBlockSize {
		errs = append(errs, errors.New("blockwise.max_body_size smaller than one block"))
	}
	if c.Workers.Count <= 0 || c.Workers.QueueSize <= 0 {
		errs = append(errs, errors.New("workers.count and workers.queue_size must be positive"))
	}
	if err := c.Engine().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Engine converts c into an engine configuration. Collaborators (loggers,
// metrics) are left for the caller.
func (c Config) Engine() engine.Config {
	ec := engine.DefaultConfig()
	ec.Reliability = reliability.Config{
		AckTimeout:       c.Transmission.AckTimeout,
		AckRandomFactor:  c.Transmission.AckRandomFactor,
		MaxRetransmit:    c.Transmission.MaxRetransmit,
		ExchangeLifetime: c.Transmission.ExchangeLifetime,
		NonLifetime:      c.Transmission.NonLifetime,
		AckDelay:         c.Transmission.AckDelay,
	}
	ec.Blockwise = blockwise.Config{
		MaxBlockSize:     c.Blockwise.MaxBlockSize,
		MaxBodySize:      c.Blockwise.MaxBodySize,
		TransferLifetime: c.Blockwise.TransferLifetime,
	}
	ec.Observe = observe.Config{
		ConfirmableEvery: c.Observe.ConfirmableEvery,
		Debounce:         c.Observe.Debounce,
		MaxObservers:     c.Observe.MaxObservers,
		MaxBlockSize:     c.Blockwise.MaxBlockSize,
	}
	ec.Token = token.Config{Length: c.TokenLength}
	ec.Workers = worker.Config{Workers: c.Workers.Count, QueueSize: c.Workers.QueueSize}
	ec.SendTimeout = c.Transmission.SendTimeout
	return ec
}

// UDP returns the transport configuration.
func (c Config) UDP(logger *slog.Logger) transport.UDPConfig {
	return transport.UDPConfig{
		Address:           c.Listen,
		Multicast:         c.Multicast,
		MulticastLoopback: c.Multicast,
		Logger:            logger,
	}
}

// Logger builds the operational logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log level %q: want debug, info, warn or error", s)
}
