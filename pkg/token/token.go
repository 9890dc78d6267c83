// Package token provides CoAP exchange tokens and a collision-free token
// allocator.
//
// A token is an opaque byte sequence of 0-8 bytes. Two tokens are equal only
// if their bytes are identical: the zero-length token, [0x00] and
// [0x00, 0x00] are three different identities. Token is backed by a string so
// it is immutable and usable as a map key without any normalization.
package token

import (
	"encoding/hex"
	"errors"
)

// MaxLength is the largest token length permitted on the wire.
const MaxLength = 8

// Token errors.
var (
	ErrTooLong   = errors.New("token longer than 8 bytes")
	ErrExhausted = errors.New("no token available")
	ErrInUse     = errors.New("token already in use")
	ErrUnknown   = errors.New("token was not issued by this factory")
)

// Token is an immutable opaque correlator between a request and its
// responses.
type Token string

// Empty is the zero-length token.
const Empty Token = ""

// New creates a token from raw bytes. The bytes are copied.
func New(b []byte) (Token, error) {
	if len(b) > MaxLength {
		return Empty, ErrTooLong
	}
	return Token(b), nil
}

// MustNew is like New but panics on invalid input. Intended for tests and
// constants.
func MustNew(b ...byte) Token {
	t, err := New(b)
	if err != nil {
		panic(err)
	}
	return t
}

// Bytes returns a copy of the token bytes.
func (t Token) Bytes() []byte {
	return []byte(t)
}

// Len returns the token length in bytes.
func (t Token) Len() int {
	return len(t)
}

// IsEmpty reports whether this is the zero-length token.
func (t Token) IsEmpty() bool {
	return len(t) == 0
}

// String returns the hex form of the token.
func (t Token) String() string {
	if len(t) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString([]byte(t))
}
