package token

import (
	crand "crypto/rand"
	"log/slog"
	"math/rand/v2"
	"sync"
)

// maxAttempts bounds collision retries in Allocate.
const maxAttempts = 64

// Config configures a Factory.
type Config struct {
	// Length is the size of generated tokens in bytes (1-8).
	Length int

	// Logger receives invariant-violation reports. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default factory configuration.
func DefaultConfig() Config {
	return Config{Length: MaxLength}
}

// Factory hands out random tokens and tracks which are live.
// It is safe for concurrent use.
type Factory struct {
	mu     sync.Mutex
	issued map[Token]struct{}
	rng    *rand.Rand
	length int
	logger *slog.Logger
}

// NewFactory creates a token factory.
func NewFactory(config Config) *Factory {
	if config.Length <= 0 || config.Length > MaxLength {
		config.Length = MaxLength
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var seed [32]byte
	_, _ = crand.Read(seed[:])

	return &Factory{
		issued: make(map[Token]struct{}),
		rng:    rand.New(rand.NewChaCha8(seed)),
		length: config.Length,
		logger: config.Logger,
	}
}

// Allocate returns a token that is not currently in use.
func (f *Factory) Allocate() (Token, error) {
	buf := make([]byte, f.length)

	f.mu.Lock()
	defer f.mu.Unlock()

	for range maxAttempts {
		for i := range buf {
			buf[i] = byte(f.rng.Uint32())
		}
		t := Token(buf)
		if _, taken := f.issued[t]; taken {
			continue
		}
		f.issued[t] = struct{}{}
		return t, nil
	}
	return Empty, ErrExhausted
}

// Reserve marks a caller-chosen token as live.
func (f *Factory) Reserve(t Token) error {
	if t.Len() > MaxLength {
		return ErrTooLong
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, taken := f.issued[t]; taken {
		return ErrInUse
	}
	f.issued[t] = struct{}{}
	return nil
}

// Release returns a token to the pool. Releasing a token that is not live
// is reported and otherwise ignored.
func (f *Factory) Release(t Token) error {
	f.mu.Lock()
	_, ok := f.issued[t]
	delete(f.issued, t)
	f.mu.Unlock()

	if !ok {
		f.logger.Warn("release of unknown token", "token", t.String())
		return ErrUnknown
	}
	return nil
}

// InUse reports whether t is currently live.
func (f *Factory) InUse(t Token) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.issued[t]
	return ok
}

// Len returns the number of live tokens.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.issued)
}
