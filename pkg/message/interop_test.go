package message

import (
	"bytes"
	"context"
	"testing"

	coapmsg "github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/coap-go/pkg/token"
)

// The plgd-dev/go-coap UDP coder serves as an independent reference
// implementation of the wire format.

func TestInteropEncodeDecodedByReference(t *testing.T) {
	m := &Message{
		Type:      Confirmable,
		Code:      GET,
		MessageID: 4711,
		Token:     token.MustNew(0xca, 0xfe),
	}
	require.NoError(t, m.Options.SetPath("/sensors/temp"))
	require.NoError(t, m.Options.SetUint(Observe, 0))
	require.NoError(t, m.Options.AddQuery("unit=c"))

	data, err := Encode(m)
	require.NoError(t, err)

	ref := pool.NewMessage(context.Background())
	defer ref.Reset()
	_, err = ref.UnmarshalWithDecoder(coder.DefaultCoder, data)
	require.NoError(t, err)

	assert.Equal(t, codes.GET, ref.Code())
	assert.Equal(t, coapmsg.Confirmable, ref.Type())
	assert.Equal(t, int32(4711), ref.MessageID())
	assert.Equal(t, []byte{0xca, 0xfe}, []byte(ref.Token()))

	path, err := ref.Path()
	require.NoError(t, err)
	assert.Equal(t, "/sensors/temp", path)

	obs, err := ref.Observe()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), obs)
}

func TestInteropDecodeReferenceEncoding(t *testing.T) {
	ref := pool.NewMessage(context.Background())
	defer ref.Reset()
	ref.SetCode(codes.Content)
	ref.SetType(coapmsg.NonConfirmable)
	ref.SetMessageID(99)
	ref.SetToken(coapmsg.Token{0x01, 0x02, 0x03})
	ref.SetContentFormat(coapmsg.AppJSON)
	ref.SetBody(bytes.NewReader([]byte(`{"t":21.5}`)))

	data, err := ref.MarshalWithEncoder(coder.DefaultCoder)
	require.NoError(t, err)

	m, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, NonConfirmable, m.Type)
	assert.Equal(t, Content, m.Code)
	assert.Equal(t, uint16(99), m.MessageID)
	assert.Equal(t, token.MustNew(0x01, 0x02, 0x03), m.Token)

	cf, ok := m.Options.ContentFormat()
	require.True(t, ok)
	assert.Equal(t, uint32(coapmsg.AppJSON), cf)
	assert.Equal(t, `{"t":21.5}`, string(m.Payload))
}
