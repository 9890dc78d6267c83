package message

import (
	"errors"
	"fmt"
)

// Encoding errors.
var (
	ErrTokenTooLong  = errors.New("token longer than 8 bytes")
	ErrOptionTooLong = errors.New("option value too long to encode")
)

// HeaderError reports a datagram whose fixed header cannot be decoded.
// When HasMessageID is set the receiver may answer with a reset.
type HeaderError struct {
	MessageID    uint16
	Type         Type
	HasMessageID bool
	Reason       string
}

func (e *HeaderError) Error() string {
	if e.HasMessageID {
		return fmt.Sprintf("header decode failed (mid=%d): %s", e.MessageID, e.Reason)
	}
	return "header decode failed: " + e.Reason
}

// FormatError reports a structurally broken option or payload section.
// Option parsing cannot continue past it.
type FormatError struct {
	MessageID uint16
	Type      Type
	Offset    int
	Reason    string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("message format error at offset %d (mid=%d): %s", e.Offset, e.MessageID, e.Reason)
}

// BadOptionError reports an unrecognized or malformed critical option in a
// request. The accompanying message holds the header and token so the
// receiver can answer with 4.02 Bad Option.
type BadOptionError struct {
	Number OptionNumber
	Err    error
}

func (e *BadOptionError) Error() string {
	return fmt.Sprintf("bad critical option %s: %v", e.Number, e.Err)
}

func (e *BadOptionError) Unwrap() error { return e.Err }

// ResetTarget returns the message ID and type of a datagram that failed to
// decode, when a reset can be addressed to it.
func ResetTarget(err error) (mid uint16, typ Type, ok bool) {
	var he *HeaderError
	if errors.As(err, &he) {
		return he.MessageID, he.Type, he.HasMessageID
	}
	var fe *FormatError
	if errors.As(err, &fe) {
		return fe.MessageID, fe.Type, true
	}
	return 0, 0, false
}
