// Package blockwise implements block-wise transfers (RFC 7959) as four
// pipeline stages: Block1Client and Block2Client on the requesting side,
// Block1Server and Block2Server on the serving side.
//
// Every stage keys its state by (endpoint, token). Client state is dropped
// when the exchange's token is released (Forget) or the exchange ends; server
// state expires after TransferLifetime without activity.
package blockwise

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mash-protocol/coap-go/pkg/message"
)

// Blockwise errors.
var (
	ErrReservedSZX     = errors.New("reserved block size exponent")
	ErrBlockNumber     = errors.New("block number out of range")
	ErrETagMismatch    = errors.New("representation changed during transfer")
	ErrBodyTooLarge    = errors.New("body exceeds maximum size")
	ErrUnexpectedBlock = errors.New("unexpected block")
)

const (
	// MaxSZX is the largest usable size exponent (1024-byte blocks).
	MaxSZX = 6

	maxBlockNum = 1<<20 - 1
)

// Block is the decoded value of a Block1 or Block2 option.
type Block struct {
	Num  uint32
	More bool
	SZX  uint8
}

// Size returns the block size in bytes.
func (b Block) Size() int { return 1 << (b.SZX + 4) }

// Offset returns the byte offset of the block within the body.
func (b Block) Offset() int { return int(b.Num) * b.Size() }

// Value returns the option value.
func (b Block) Value() uint32 {
	v := b.Num<<4 | uint32(b.SZX&7)
	if b.More {
		v |= 1 << 3
	}
	return v
}

// Validate checks that b can be encoded.
func (b Block) Validate() error {
	if b.SZX > MaxSZX {
		return ErrReservedSZX
	}
	if b.Num > maxBlockNum {
		return ErrBlockNumber
	}
	return nil
}

func (b Block) String() string {
	return fmt.Sprintf("%d/%t/%d", b.Num, b.More, b.Size())
}

// Parse decodes an option value.
func Parse(v uint32) (Block, error) {
	b := Block{Num: v >> 4, More: v&(1<<3) != 0, SZX: uint8(v & 7)}
	if err := b.Validate(); err != nil {
		return Block{}, err
	}
	return b, nil
}

// SZXForSize returns the exponent of the largest block not larger than size.
func SZXForSize(size int) uint8 {
	var szx uint8
	for szx < MaxSZX && 1<<(szx+5) <= size {
		szx++
	}
	return szx
}

// Get reads the block option n from opts.
func Get(opts message.Options, n message.OptionNumber) (Block, bool, error) {
	v, ok := opts.Uint(n)
	if !ok {
		return Block{}, false, nil
	}
	b, err := Parse(v)
	if err != nil {
		return Block{}, true, err
	}
	return b, true, nil
}

// Set replaces the block option n in opts.
func Set(opts *message.Options, n message.OptionNumber, b Block) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return opts.SetUint(n, b.Value())
}

// slice returns block num of body at size szx and whether more follow.
func slice(body []byte, num uint32, szx uint8) ([]byte, bool, bool) {
	b := Block{Num: num, SZX: szx}
	start := b.Offset()
	if start > len(body) || (start == len(body) && start > 0) {
		return nil, false, false
	}
	end := min(start+b.Size(), len(body))
	return body[start:end], end < len(body), true
}

// Config configures the blockwise stages.
type Config struct {
	// MaxBlockSize is the largest block this engine sends or asks for.
	MaxBlockSize int

	// MaxBodySize bounds reassembled bodies in both directions.
	MaxBodySize int

	// TransferLifetime is how long idle transfer state is kept.
	TransferLifetime time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns 1024-byte blocks and a 1 MiB body limit.
func DefaultConfig() Config {
	return Config{
		MaxBlockSize:     1024,
		MaxBodySize:      1 << 20,
		TransferLifetime: 247 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxBlockSize <= 0 {
		c.MaxBlockSize = def.MaxBlockSize
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = def.MaxBodySize
	}
	if c.TransferLifetime <= 0 {
		c.TransferLifetime = def.TransferLifetime
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// szx returns the size exponent of MaxBlockSize.
func (c Config) szx() uint8 { return SZXForSize(c.MaxBlockSize) }
