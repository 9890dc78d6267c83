package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mash-protocol/coap-go/pkg/blockwise"
	"github.com/mash-protocol/coap-go/pkg/log"
	"github.com/mash-protocol/coap-go/pkg/metrics"
	"github.com/mash-protocol/coap-go/pkg/observe"
	"github.com/mash-protocol/coap-go/pkg/reliability"
	"github.com/mash-protocol/coap-go/pkg/token"
	"github.com/mash-protocol/coap-go/pkg/worker"
)

// Default engine timing.
const (
	DefaultSweepInterval = 10 * time.Second
	DefaultSendTimeout   = 5 * time.Second
)

// Config configures an Engine.
type Config struct {
	Reliability reliability.Config
	Blockwise   blockwise.Config
	Observe     observe.Config
	Token       token.Config
	Workers     worker.Config

	// SweepInterval is the period of the expired-state sweep.
	SweepInterval time.Duration

	// SendTimeout bounds a single transport write.
	SendTimeout time.Duration

	// Logger for operational output. Defaults to slog.Default().
	Logger *slog.Logger

	// ProtocolLogger captures structured protocol events (optional).
	ProtocolLogger log.Logger

	// Metrics instruments the engine (optional).
	Metrics *metrics.Metrics

	// Tokens overrides the token factory built from Token.
	Tokens *token.Factory
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Reliability:   reliability.DefaultConfig(),
		Blockwise:     blockwise.DefaultConfig(),
		Observe:       observe.DefaultConfig(),
		Token:         token.DefaultConfig(),
		Workers:       worker.DefaultConfig(),
		SweepInterval: DefaultSweepInterval,
		SendTimeout:   DefaultSendTimeout,
	}
}

// Validate checks the configuration for values no layer can repair.
func (c Config) Validate() error {
	var errs []error
	if c.Token.Length < 0 || c.Token.Length > token.MaxLength {
		errs = append(errs, fmt.Errorf("token length %d out of range 0-%d", c.Token.Length, token.MaxLength))
	}
	if c.Reliability.AckRandomFactor != 0 && c.Reliability.AckRandomFactor < 1 {
		errs = append(errs, fmt.Errorf("ack random factor %.2f below 1", c.Reliability.AckRandomFactor))
	}
	if c.Blockwise.MaxBlockSize != 0 && (c.Blockwise.MaxBlockSize < 16 || c.Blockwise.MaxBlockSize > 1024) {
		errs = append(errs, fmt.Errorf("block size %d out of range 16-1024", c.Blockwise.MaxBlockSize))
	}
	if c.SweepInterval < 0 || c.SendTimeout < 0 {
		errs = append(errs, errors.New("negative interval"))
	}
	return errors.Join(errs...)
}

// withDefaults returns c with zero values replaced. The per-layer configs
// apply their own defaults.
func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ProtocolLogger == nil {
		c.ProtocolLogger = log.NoopLogger{}
	}
	for _, l := range []**slog.Logger{&c.Reliability.Logger, &c.Blockwise.Logger, &c.Observe.Logger, &c.Token.Logger, &c.Workers.Logger} {
		if *l == nil {
			*l = c.Logger
		}
	}
	return c
}
