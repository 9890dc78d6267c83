// Package exchange defines the message pipeline that connects the engine's
// protocol stages, and the typed lifecycle events those stages raise.
package exchange

import (
	"fmt"
	"net/netip"

	"github.com/mash-protocol/coap-go/pkg/message"
	"github.com/mash-protocol/coap-go/pkg/token"
)

// EventType identifies a lifecycle event.
type EventType uint8

const (
	// EventMessageIDAssigned reports the message ID chosen for an outbound
	// message.
	EventMessageIDAssigned EventType = iota + 1

	// EventRetransmission reports a retransmission; Count is the attempt.
	EventRetransmission

	// EventAcknowledged reports an empty ACK; a separate response follows.
	EventAcknowledged

	// EventReset reports a reset from the peer. It also answers a ping.
	EventReset

	// EventTimeout reports retransmission exhaustion.
	EventTimeout

	// EventResponse carries a response (or a notification) in Message.
	EventResponse

	// EventBlockProgress reports a blockwise step; Block is the block number.
	EventBlockProgress

	// EventTransferFailed reports an aborted blockwise transfer.
	EventTransferFailed

	// EventEndpointChanged reports that the exchange moved to NewEndpoint.
	EventEndpointChanged

	// EventError reports a local failure (encoding, sending, exhaustion).
	EventError
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventMessageIDAssigned:
		return "MESSAGE_ID_ASSIGNED"
	case EventRetransmission:
		return "RETRANSMISSION"
	case EventAcknowledged:
		return "ACKNOWLEDGED"
	case EventReset:
		return "RESET"
	case EventTimeout:
		return "TIMEOUT"
	case EventResponse:
		return "RESPONSE"
	case EventBlockProgress:
		return "BLOCK_PROGRESS"
	case EventTransferFailed:
		return "TRANSFER_FAILED"
	case EventEndpointChanged:
		return "ENDPOINT_CHANGED"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the event ends an exchange.
func (t EventType) Terminal() bool {
	switch t {
	case EventReset, EventTimeout, EventTransferFailed, EventError:
		return true
	default:
		return false
	}
}

// Role tells which side of an exchange an event concerns. Client and server
// exchanges with the same peer may share a token, so stages filter on it.
type Role uint8

const (
	// RoleClient events concern requests this engine sent.
	RoleClient Role = iota + 1

	// RoleServer events concern responses and notifications this engine
	// sent.
	RoleServer
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// RoleOf returns the role of the exchange an outbound message belongs to.
func RoleOf(m *message.Message) Role {
	if m.IsResponse() {
		return RoleServer
	}
	return RoleClient
}

// Event is a typed lifecycle event of one exchange.
type Event struct {
	Type     EventType
	Role     Role
	Endpoint netip.AddrPort
	Token    token.Token

	// MessageID is the ID of the message the event concerns.
	MessageID uint16

	// Message is the response for EventResponse, or the outbound message
	// the event concerns.
	Message *message.Message

	// Count is the retransmission attempt for EventRetransmission.
	Count int

	// Block is the block number for EventBlockProgress.
	Block uint32

	// NewEndpoint is set for EventEndpointChanged.
	NewEndpoint netip.AddrPort

	// Err is set for EventTransferFailed and EventError.
	Err error
}

// String summarizes the event for logs.
func (e Event) String() string {
	s := fmt.Sprintf("%s %s %s token=%s mid=%d", e.Type, e.Role, e.Endpoint, e.Token, e.MessageID)
	if e.Err != nil {
		s += " err=" + e.Err.Error()
	}
	return s
}

// Callback receives the events of one exchange, in order.
type Callback interface {
	HandleEvent(ev Event)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(ev Event)

// HandleEvent calls f(ev).
func (f CallbackFunc) HandleEvent(ev Event) { f(ev) }

// ObservationDecider is implemented by callbacks that may stop an
// observation. It is consulted on every notification.
type ObservationDecider interface {
	ContinueObservation() bool
}
