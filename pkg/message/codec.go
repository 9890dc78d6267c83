package message

import (
	"encoding/binary"
	"errors"
	"slices"

	"github.com/mash-protocol/coap-go/pkg/token"
)

const (
	headerSize    = 4
	payloadMarker = 0xFF

	// Nibble values with special meaning in option delta/length fields.
	nibble1Byte   = 13
	nibble2Byte   = 14
	nibbleReserve = 15

	ext1Base = 13
	ext2Base = 269
)

// Encode serializes m. Options are written in ascending order regardless of
// their order in m.Options. Empty-code messages encode to the bare header.
func Encode(m *Message) ([]byte, error) {
	if m.Token.Len() > token.MaxLength {
		return nil, ErrTokenTooLong
	}

	if m.Code == Empty {
		return appendHeader(make([]byte, 0, headerSize), m, 0), nil
	}

	size := headerSize + m.Token.Len() + len(m.Payload) + 1
	for _, opt := range m.Options {
		size += 5 + opt.Value.Len()
	}
	buf := appendHeader(make([]byte, 0, size), m, m.Token.Len())
	buf = append(buf, m.Token...)

	opts := m.Options
	if !slices.IsSortedFunc(opts, compareNumber) {
		opts = slices.Clone(opts)
		slices.SortStableFunc(opts, compareNumber)
	}

	var prev OptionNumber
	for _, opt := range opts {
		n := opt.Value.Len()
		if n > maxOptionLength {
			return nil, ErrOptionTooLong
		}
		delta := int(opt.Number - prev)
		dn, dext := splitNibble(delta)
		ln, lext := splitNibble(n)

		buf = append(buf, dn<<4|ln)
		buf = append(buf, dext...)
		buf = append(buf, lext...)
		buf = append(buf, opt.Value.raw...)
		prev = opt.Number
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

func appendHeader(buf []byte, m *Message, tkl int) []byte {
	return append(buf,
		Version<<6|byte(m.Type&0x3)<<4|byte(tkl),
		byte(m.Code),
		byte(m.MessageID>>8),
		byte(m.MessageID),
	)
}

func compareNumber(a, b Option) int {
	return int(a.Number) - int(b.Number)
}

// splitNibble returns the 4-bit field and extension bytes for v.
func splitNibble(v int) (byte, []byte) {
	switch {
	case v < ext1Base:
		return byte(v), nil
	case v < ext2Base:
		return nibble1Byte, []byte{byte(v - ext1Base)}
	default:
		v -= ext2Base
		return nibble2Byte, []byte{byte(v >> 8), byte(v)}
	}
}

// Decode parses a datagram.
//
// Errors come in three shapes. A *HeaderError or *FormatError means the
// datagram is unusable; ResetTarget tells whether a reset can be sent. A
// *BadOptionError is returned together with the partially decoded message
// when a request carries an unrecognized or malformed critical option.
// Elective option failures, and any option failure in a response, drop the
// option and decoding continues.
func Decode(data []byte) (*Message, error) {
	if len(data) < headerSize {
		return nil, &HeaderError{Reason: "datagram shorter than header"}
	}

	version := data[0] >> 6
	typ := Type(data[0] >> 4 & 0x3)
	tkl := int(data[0] & 0x0f)
	code := Code(data[1])
	mid := binary.BigEndian.Uint16(data[2:4])

	if version != Version {
		return nil, &HeaderError{MessageID: mid, Type: typ, HasMessageID: true, Reason: "unsupported version"}
	}

	m := &Message{Type: typ, Code: code, MessageID: mid}
	if code == Empty {
		return m, nil
	}

	if tkl > token.MaxLength {
		return nil, &HeaderError{MessageID: mid, Type: typ, HasMessageID: true, Reason: "token length exceeds 8"}
	}
	if headerSize+tkl > len(data) {
		return nil, &HeaderError{MessageID: mid, Type: typ, HasMessageID: true, Reason: "token length exceeds datagram"}
	}
	m.Token = token.Token(data[headerSize : headerSize+tkl])

	pos := headerSize + tkl
	var prev int
	for pos < len(data) {
		if data[pos] == payloadMarker {
			pos++
			if pos == len(data) {
				return nil, &FormatError{MessageID: mid, Type: typ, Offset: pos, Reason: "payload marker without payload"}
			}
			m.Payload = append([]byte(nil), data[pos:]...)
			break
		}

		start := pos
		dn, ln := int(data[pos]>>4), int(data[pos]&0x0f)
		pos++

		delta, next, ok := readExtended(data, pos, dn)
		if !ok {
			return nil, &FormatError{MessageID: mid, Type: typ, Offset: start, Reason: "invalid option delta"}
		}
		length, next, ok := readExtended(data, next, ln)
		if !ok {
			return nil, &FormatError{MessageID: mid, Type: typ, Offset: start, Reason: "invalid option length"}
		}
		pos = next

		number := prev + delta
		if number > 0xffff {
			return nil, &FormatError{MessageID: mid, Type: typ, Offset: start, Reason: "option number overflow"}
		}
		if pos+length > len(data) {
			return nil, &FormatError{MessageID: mid, Type: typ, Offset: start, Reason: "option value truncated"}
		}
		raw := data[pos : pos+length]
		pos += length
		prev = number

		opt, err := decodeOption(OptionNumber(number), raw)
		if err == nil {
			m.Options = append(m.Options, opt)
			continue
		}
		if errors.Is(err, ErrDefaultValue) {
			// Same meaning as absence.
			continue
		}
		if code.IsRequest() && OptionNumber(number).Critical() {
			return m, &BadOptionError{Number: OptionNumber(number), Err: err}
		}
	}
	return m, nil
}

// readExtended resolves a delta or length nibble, consuming extension bytes.
func readExtended(data []byte, pos, nibble int) (value, next int, ok bool) {
	switch nibble {
	case nibble1Byte:
		if pos+1 > len(data) {
			return 0, pos, false
		}
		return int(data[pos]) + ext1Base, pos + 1, true
	case nibble2Byte:
		if pos+2 > len(data) {
			return 0, pos, false
		}
		return int(binary.BigEndian.Uint16(data[pos:])) + ext2Base, pos + 2, true
	case nibbleReserve:
		return 0, pos, false
	default:
		return nibble, pos, true
	}
}

// PeekMessageID returns the message ID of a datagram without decoding it.
func PeekMessageID(data []byte) (uint16, bool) {
	if len(data) < headerSize {
		return 0, false
	}
	return binary.BigEndian.Uint16(data[2:4]), true
}
