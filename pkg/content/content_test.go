package content

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reading struct {
	Name  string  `json:"name" cbor:"1,keyasint"`
	Value float64 `json:"value" cbor:"2,keyasint"`
}

func TestMarshalRoundTrip(t *testing.T) {
	in := reading{Name: "temp", Value: 21.5}

	for _, f := range []Format{JSON, CBOR, SenMLJSON, SenMLCBOR} {
		t.Run(Name(f), func(t *testing.T) {
			data, err := Marshal(f, in)
			require.NoError(t, err)

			var out reading
			require.NoError(t, Unmarshal(f, data, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestJSONText(t *testing.T) {
	data, err := Marshal(JSON, reading{Name: "temp", Value: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"temp","value":1}`, string(data))
}

func TestCBORDeterministic(t *testing.T) {
	m := map[string]int{"b": 2, "a": 1, "c": 3}
	first, err := Marshal(CBOR, m)
	require.NoError(t, err)
	for range 10 {
		again, err := Marshal(CBOR, m)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestText(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"hello", "hello"},
		{[]byte("raw"), "raw"},
		{42, "42"},
		{time.Duration(1500) * time.Millisecond, "1.5s"},
	}
	for _, tt := range tests {
		data, err := Marshal(TextPlain, tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(data))
	}

	var s string
	require.NoError(t, Unmarshal(TextPlain, []byte("abc"), &s))
	assert.Equal(t, "abc", s)

	var n int
	assert.Error(t, Unmarshal(TextPlain, []byte("1"), &n))
}

func TestOctetStream(t *testing.T) {
	data, err := Marshal(OctetStream, []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, data)

	_, err = Marshal(OctetStream, "x")
	assert.Error(t, err)
}

func TestUnsupported(t *testing.T) {
	_, err := Marshal(XML, "x")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.ErrorIs(t, Unmarshal(EXI, nil, new(string)), ErrUnsupportedFormat)
	assert.False(t, Supported(XML))
	assert.True(t, Supported(CBOR))
}

func TestNameAndParse(t *testing.T) {
	assert.Equal(t, "application/json", Name(JSON))
	assert.Equal(t, "9999", Name(9999))

	tests := []struct {
		in   string
		want Format
	}{
		{"application/cbor", CBOR},
		{"json", JSON},
		{"text", TextPlain},
		{"42", OctetStream},
		{"11542", 11542},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := Parse("image/png")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestNegotiate(t *testing.T) {
	avail := []Format{TextPlain, JSON}

	f, ok := Negotiate(0, false, avail)
	assert.True(t, ok)
	assert.Equal(t, TextPlain, f)

	f, ok = Negotiate(JSON, true, avail)
	assert.True(t, ok)
	assert.Equal(t, JSON, f)

	_, ok = Negotiate(CBOR, true, avail)
	assert.False(t, ok)

	_, ok = Negotiate(0, false, nil)
	assert.False(t, ok)
}
