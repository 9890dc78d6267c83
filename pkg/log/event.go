package log

import (
	"slices"
	"time"

	"github.com/mash-protocol/coap-go/pkg/message"
)

// MaxCaptureSize bounds the bytes of a datagram or payload kept in an event.
const MaxCaptureSize = 512

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the engine instance that captured the event (UUID).
	SessionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string `cbor:"6,keyasint,omitempty"`

	// Token is the exchange token in hex.
	Token string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Datagram    *DatagramEvent    `cbor:"8,keyasint,omitempty"`  // Transport layer
	Message     *MessageEvent     `cbor:"9,keyasint,omitempty"`  // Message layer (decoded)
	Exchange    *ExchangeEvent    `cbor:"10,keyasint,omitempty"` // Exchange lifecycle
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"` // Engine/observation state
	Error       *ErrorEventData   `cbor:"12,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
	// DirectionLocal indicates an event raised inside the engine.
	DirectionLocal Direction = 2
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	case DirectionLocal:
		return "LOCAL"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the datagram layer (raw bytes).
	LayerTransport Layer = 0
	// LayerMessage is the decoded message layer.
	LayerMessage Layer = 1
	// LayerExchange is the exchange layer (reliability, blockwise, observe).
	LayerExchange Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerMessage:
		return "MESSAGE"
	case LayerExchange:
		return "EXCHANGE"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a datagram or decoded message.
	CategoryMessage Category = 0
	// CategoryExchange indicates an exchange lifecycle event.
	CategoryExchange Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryExchange:
		return "EXCHANGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// DatagramEvent captures raw datagram bytes at the transport layer.
type DatagramEvent struct {
	// Size is the datagram size in bytes.
	Size int `cbor:"1,keyasint"`

	// Data is the raw datagram (may be truncated for large datagrams).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// NewDatagramEvent captures data, truncated to MaxCaptureSize.
func NewDatagramEvent(data []byte) *DatagramEvent {
	captured, truncated := capture(data)
	return &DatagramEvent{Size: len(data), Data: captured, Truncated: truncated}
}

// MessageEvent captures a decoded CoAP message.
type MessageEvent struct {
	Type      message.Type `cbor:"1,keyasint"`
	Code      message.Code `cbor:"2,keyasint"`
	MessageID uint16       `cbor:"3,keyasint"`

	// Options is the human-readable option list.
	Options string `cbor:"4,keyasint,omitempty"`

	// Path is the Uri-Path of requests.
	Path string `cbor:"5,keyasint,omitempty"`

	// ContentFormat is set when the message carries one.
	ContentFormat *uint32 `cbor:"6,keyasint,omitempty"`

	// PayloadSize is the full payload length.
	PayloadSize int `cbor:"7,keyasint,omitempty"`

	// Payload is the payload (may be truncated).
	Payload []byte `cbor:"8,keyasint,omitempty"`
}

// NewMessageEvent summarizes m.
func NewMessageEvent(m *message.Message) *MessageEvent {
	ev := &MessageEvent{
		Type:        m.Type,
		Code:        m.Code,
		MessageID:   m.MessageID,
		PayloadSize: len(m.Payload),
	}
	if len(m.Options) > 0 {
		ev.Options = m.Options.String()
	}
	if m.IsRequest() {
		ev.Path = m.Options.Path()
	}
	if cf, ok := m.Options.ContentFormat(); ok {
		ev.ContentFormat = &cf
	}
	ev.Payload, _ = capture(m.Payload)
	return ev
}

// ExchangeEvent captures an exchange lifecycle event such as a
// retransmission, a timeout or block progress.
type ExchangeEvent struct {
	// Type is the exchange event name, e.g. "RETRANSMISSION".
	Type string `cbor:"1,keyasint"`

	// Role is "client" or "server".
	Role string `cbor:"2,keyasint,omitempty"`

	MessageID uint16 `cbor:"3,keyasint,omitempty"`

	// Count is the retransmission or block count.
	Count int `cbor:"4,keyasint,omitempty"`

	// Block is the block descriptor for transfer events.
	Block string `cbor:"5,keyasint,omitempty"`

	// NewEndpoint is set for endpoint changes.
	NewEndpoint string `cbor:"6,keyasint,omitempty"`
}

// StateChangeEvent captures engine and observation lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityEngine indicates an engine state change.
	StateEntityEngine StateEntity = 0
	// StateEntityObservation indicates an observation state change.
	StateEntityObservation StateEntity = 1
	// StateEntityResource indicates an observable resource state change.
	StateEntityResource StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityEngine:
		return "ENGINE"
	case StateEntityObservation:
		return "OBSERVATION"
	case StateEntityResource:
		return "RESOURCE"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}

// capture copies b since transports reuse their read buffers.
func capture(b []byte) ([]byte, bool) {
	if len(b) > MaxCaptureSize {
		return slices.Clone(b[:MaxCaptureSize]), true
	}
	return slices.Clone(b), false
}
