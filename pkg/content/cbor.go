package content

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode is configured for deterministic output.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Lenient decoding: duplicate keys keep the last value.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

func marshalCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshalCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
