// Package message implements the CoAP message model and its binary codec.
//
// A Message carries a type, a code, a 16-bit message ID, a token, typed
// options and a payload. Encode and Decode translate between messages and
// datagrams using the CoAP-over-UDP wire format:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|Ver| T |  TKL  |      Code     |          Message ID           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Token (if any, TKL bytes) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Options (if any) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|1 1 1 1 1 1 1 1|    Payload (if any) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Options are validated against a fixed registry; see Lookup.
package message

import (
	"fmt"

	"github.com/mash-protocol/coap-go/pkg/token"
)

// Message is a decoded CoAP message.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     token.Token
	Options   Options
	Payload   []byte
}

// NewRequest creates a request for path. The type defaults to confirmable.
func NewRequest(code Code, path string) (*Message, error) {
	m := &Message{Type: Confirmable, Code: code}
	if err := m.Options.SetPath(path); err != nil {
		return nil, err
	}
	return m, nil
}

// NewResponse creates a response carrying the token of req.
func NewResponse(req *Message, code Code) *Message {
	return &Message{Code: code, Token: req.Token}
}

// NewEmpty creates an empty message of the given type.
func NewEmpty(typ Type, mid uint16) *Message {
	return &Message{Type: typ, Code: Empty, MessageID: mid}
}

// IsEmpty reports whether m carries the empty code.
func (m *Message) IsEmpty() bool { return m.Code == Empty }

// IsRequest reports whether m is a request.
func (m *Message) IsRequest() bool { return m.Code.IsRequest() }

// IsResponse reports whether m is a response.
func (m *Message) IsResponse() bool { return m.Code.IsResponse() }

// IsNotification reports whether m is a successful response carrying an
// Observe option.
func (m *Message) IsNotification() bool {
	return m.Code.IsSuccess() && m.Options.Has(Observe)
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	c.Options = m.Options.Clone()
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	return &c
}

// String summarizes m for logs.
func (m *Message) String() string {
	s := fmt.Sprintf("%s %s mid=%d token=%s", m.Type, m.Code, m.MessageID, m.Token)
	if m.IsRequest() {
		s += " " + m.Options.Path()
	}
	if len(m.Payload) > 0 {
		s += fmt.Sprintf(" payload=%dB", len(m.Payload))
	}
	return s
}
