package log

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/mash-protocol/coap-go/pkg/message"
)

func TestEventCBORRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 28, 10, 15, 32, 123456789, time.UTC)
	original := Event{
		Timestamp:  ts,
		SessionID:  "abc12345-def6-7890-abcd-ef1234567890",
		Direction:  DirectionOut,
		Layer:      LayerMessage,
		Category:   CategoryMessage,
		RemoteAddr: "192.168.1.100:5683",
		Token:      "cafe",
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if !decoded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("Timestamp: got %v, want %v", decoded.Timestamp, original.Timestamp)
	}
	if decoded.Timestamp.Nanosecond() != 123456789 {
		t.Errorf("Timestamp lost precision: %d ns", decoded.Timestamp.Nanosecond())
	}
	if decoded.SessionID != original.SessionID {
		t.Errorf("SessionID: got %q, want %q", decoded.SessionID, original.SessionID)
	}
	if decoded.Direction != original.Direction {
		t.Errorf("Direction: got %v, want %v", decoded.Direction, original.Direction)
	}
	if decoded.Layer != original.Layer {
		t.Errorf("Layer: got %v, want %v", decoded.Layer, original.Layer)
	}
	if decoded.RemoteAddr != original.RemoteAddr {
		t.Errorf("RemoteAddr: got %q, want %q", decoded.RemoteAddr, original.RemoteAddr)
	}
	if decoded.Token != original.Token {
		t.Errorf("Token: got %q, want %q", decoded.Token, original.Token)
	}
}

func TestPayloadEventsCBORRoundTrip(t *testing.T) {
	cf := uint32(60)
	tests := []struct {
		name  string
		event Event
		check func(t *testing.T, got Event)
	}{
		{
			name: "datagram",
			event: Event{Datagram: &DatagramEvent{Size: 600, Data: []byte{0x40, 0x01}, Truncated: true}},
			check: func(t *testing.T, got Event) {
				if got.Datagram == nil || got.Datagram.Size != 600 || !got.Datagram.Truncated {
					t.Errorf("Datagram = %+v", got.Datagram)
				}
				if !bytes.Equal(got.Datagram.Data, []byte{0x40, 0x01}) {
					t.Errorf("Data = %x", got.Datagram.Data)
				}
			},
		},
		{
			name: "message",
			event: Event{Message: &MessageEvent{
				Type:          message.NonConfirmable,
				Code:          message.Content,
				MessageID:     7,
				ContentFormat: &cf,
				PayloadSize:   3,
				Payload:       []byte("abc"),
			}},
			check: func(t *testing.T, got Event) {
				m := got.Message
				if m == nil {
					t.Fatal("Message is nil")
				}
				if m.Type != message.NonConfirmable || m.Code != message.Content || m.MessageID != 7 {
					t.Errorf("Message = %+v", m)
				}
				if m.ContentFormat == nil || *m.ContentFormat != 60 {
					t.Errorf("ContentFormat = %v", m.ContentFormat)
				}
			},
		},
		{
			name:  "exchange",
			event: Event{Exchange: &ExchangeEvent{Type: "Retransmission", Role: "client", MessageID: 9, Count: 2}},
			check: func(t *testing.T, got Event) {
				if got.Exchange == nil || got.Exchange.Type != "Retransmission" || got.Exchange.Count != 2 {
					t.Errorf("Exchange = %+v", got.Exchange)
				}
			},
		},
		{
			name:  "state",
			event: Event{StateChange: &StateChangeEvent{Entity: StateEntityObservation, OldState: "active", NewState: "removed", Reason: "Reset"}},
			check: func(t *testing.T, got Event) {
				if got.StateChange == nil || got.StateChange.NewState != "removed" || got.StateChange.Reason != "Reset" {
					t.Errorf("StateChange = %+v", got.StateChange)
				}
			},
		},
		{
			name:  "error",
			event: Event{Error: &ErrorEventData{Layer: LayerMessage, Message: "bad option", Context: "decode"}},
			check: func(t *testing.T, got Event) {
				if got.Error == nil || got.Error.Message != "bad option" || got.Error.Layer != LayerMessage {
					t.Errorf("Error = %+v", got.Error)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.event.Timestamp = time.Now()
			data, err := EncodeEvent(tt.event)
			if err != nil {
				t.Fatalf("EncodeEvent failed: %v", err)
			}
			got, err := DecodeEvent(data)
			if err != nil {
				t.Fatalf("DecodeEvent failed: %v", err)
			}
			tt.check(t, got)
		})
	}
}

func TestEventUsesIntegerKeys(t *testing.T) {
	data, err := EncodeEvent(Event{Timestamp: time.Now(), SessionID: "s"})
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	var raw map[any]any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, ok := raw[uint64(2)]; !ok {
		t.Errorf("expected integer key 2 for SessionID, got keys %v", raw)
	}
	if _, ok := raw["SessionID"]; ok {
		t.Error("field names must not be encoded")
	}
}

func TestEncoderDecoderStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for i := range 3 {
		if err := enc.Encode(Event{Timestamp: time.Now(), Token: string(rune('a' + i))}); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
	}

	dec := NewDecoder(&buf)
	var tokens []string
	for {
		var ev Event
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		tokens = append(tokens, ev.Token)
	}
	if len(tokens) != 3 || tokens[0] != "a" || tokens[2] != "c" {
		t.Errorf("tokens = %v", tokens)
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	if _, err := DecodeEvent([]byte{0xff, 0x00}); err == nil {
		t.Error("expected error for invalid CBOR")
	}
}
