// Package content maps CoAP content-format numbers to encoders.
//
// Plain text, octet streams, JSON (via sonic) and CBOR (via fxamacker/cbor)
// are supported. Resources use Marshal to render a Go value in the format
// a client asked for with the Accept option.
package content

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
)

// Format is a CoAP content-format number.
type Format = uint32

// Registered content formats.
const (
	TextPlain   Format = 0
	LinkFormat  Format = 40
	XML         Format = 41
	OctetStream Format = 42
	EXI         Format = 47
	JSON        Format = 50
	CBOR        Format = 60
	SenMLJSON   Format = 110
	SenMLCBOR   Format = 112
)

// ErrUnsupportedFormat is returned for formats without an encoder.
var ErrUnsupportedFormat = errors.New("unsupported content format")

var names = map[Format]string{
	TextPlain:   "text/plain;charset=utf-8",
	LinkFormat:  "application/link-format",
	XML:         "application/xml",
	OctetStream: "application/octet-stream",
	EXI:         "application/exi",
	JSON:        "application/json",
	CBOR:        "application/cbor",
	SenMLJSON:   "application/senml+json",
	SenMLCBOR:   "application/senml+cbor",
}

// Name returns the media type of f, or its number for unregistered formats.
func Name(f Format) string {
	if n, ok := names[f]; ok {
		return n
	}
	return strconv.FormatUint(uint64(f), 10)
}

// Parse resolves a media type or a decimal number to a format.
func Parse(s string) (Format, error) {
	for f, n := range names {
		if n == s {
			return f, nil
		}
	}
	switch s {
	case "text", "text/plain":
		return TextPlain, nil
	case "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("content format %q: %w", s, ErrUnsupportedFormat)
	}
	return Format(v), nil
}

// Marshal encodes v in format f.
func Marshal(f Format, v any) ([]byte, error) {
	switch f {
	case TextPlain, LinkFormat:
		return marshalText(v), nil
	case OctetStream:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("octet-stream requires []byte, got %T", v)
		}
		return b, nil
	case JSON, SenMLJSON:
		return marshalJSON(v)
	case CBOR, SenMLCBOR:
		return marshalCBOR(v)
	}
	return nil, fmt.Errorf("format %d: %w", f, ErrUnsupportedFormat)
}

// Unmarshal decodes data in format f into v.
func Unmarshal(f Format, data []byte, v any) error {
	switch f {
	case TextPlain, LinkFormat, OctetStream:
		return unmarshalRaw(data, v)
	case JSON, SenMLJSON:
		return unmarshalJSON(data, v)
	case CBOR, SenMLCBOR:
		return unmarshalCBOR(data, v)
	}
	return fmt.Errorf("format %d: %w", f, ErrUnsupportedFormat)
}

// Supported reports whether Marshal can encode format f.
func Supported(f Format) bool {
	switch f {
	case TextPlain, LinkFormat, OctetStream, JSON, SenMLJSON, CBOR, SenMLCBOR:
		return true
	}
	return false
}

// Negotiate picks the format for a response. Without an Accept option the
// first available format is chosen.
func Negotiate(accept Format, hasAccept bool, available []Format) (Format, bool) {
	if len(available) == 0 {
		return 0, false
	}
	if !hasAccept {
		return available[0], true
	}
	if slices.Contains(available, accept) {
		return accept, true
	}
	return 0, false
}

func marshalText(v any) []byte {
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		return []byte(t)
	case fmt.Stringer:
		return []byte(t.String())
	}
	return fmt.Append(nil, v)
}

func unmarshalRaw(data []byte, v any) error {
	switch t := v.(type) {
	case *string:
		*t = string(data)
	case *[]byte:
		*t = append((*t)[:0], data...)
	default:
		return fmt.Errorf("cannot decode raw content into %T", v)
	}
	return nil
}
