package client

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/mash-protocol/coap-go/pkg/content"
	"github.com/mash-protocol/coap-go/pkg/message"
)

var shortFormats = map[string]content.Format{
	"text":  content.TextPlain,
	"link":  content.LinkFormat,
	"octet": content.OctetStream,
	"json":  content.JSON,
	"cbor":  content.CBOR,
}

// ParseFormat resolves a short name (text, json, cbor, octet, link), a
// media type or a number to a content format.
func ParseFormat(s string) (content.Format, error) {
	if f, ok := shortFormats[strings.ToLower(s)]; ok {
		return f, nil
	}
	return content.Parse(s)
}

// WriteResponse prints m to w: a status line, the options and the payload
// rendered according to its content format.
func WriteResponse(w io.Writer, m *message.Message) {
	fmt.Fprintf(w, "%s (%s, MID %d", m.Code, m.Type, m.MessageID)
	if m.Token.Len() > 0 {
		fmt.Fprintf(w, ", token %s", m.Token)
	}
	fmt.Fprintln(w, ")")
	if len(m.Options) > 0 {
		fmt.Fprintf(w, "Options: %s\n", m.Options)
	}
	if len(m.Payload) > 0 {
		fmt.Fprintln(w, RenderPayload(m))
	}
}

// RenderPayload returns the payload of m as text.
func RenderPayload(m *message.Message) string {
	cf, ok := m.Options.ContentFormat()
	if !ok {
		if utf8.Valid(m.Payload) {
			return string(m.Payload)
		}
		return strings.TrimRight(hex.Dump(m.Payload), "\n")
	}
	switch cf {
	case content.TextPlain, content.LinkFormat, content.JSON, content.SenMLJSON, content.XML:
		return string(m.Payload)
	case content.CBOR, content.SenMLCBOR:
		var v any
		if err := content.Unmarshal(cf, m.Payload, &v); err == nil {
			return fmt.Sprintf("%v", v)
		}
	}
	return strings.TrimRight(hex.Dump(m.Payload), "\n")
}
