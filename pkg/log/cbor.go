package log

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Events are encoded with integer keys (see the keyasint tags on Event)
// and RFC 3339 timestamps with nanoseconds, so events from one burst keep
// their order after a round trip.
var (
	encMode = mustEncMode(cbor.EncOptions{
		Sort:          cbor.SortCoreDeterministic,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	})
	decMode = mustDecMode(cbor.DecOptions{
		MaxNestedLevels: 16,
	})
)

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	m, err := opts.EncMode()
	if err != nil {
		panic("log: cbor encode options: " + err.Error())
	}
	return m
}

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	m, err := opts.DecMode()
	if err != nil {
		panic("log: cbor decode options: " + err.Error())
	}
	return m
}

// EncodeEvent returns the CBOR encoding of event.
func EncodeEvent(event Event) ([]byte, error) {
	return encMode.Marshal(event)
}

// DecodeEvent decodes one event from data.
func DecodeEvent(data []byte) (ev Event, err error) {
	err = decMode.Unmarshal(data, &ev)
	return ev, err
}

// NewEncoder returns an encoder writing a capture stream to w.
func NewEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }

// NewDecoder returns a decoder reading a capture stream from r.
func NewDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }
