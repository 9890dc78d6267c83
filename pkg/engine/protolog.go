package engine

import (
	"net/netip"
	"strconv"
	"time"

	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/log"
	"github.com/mash-protocol/coap-go/pkg/message"
)

func (e *Engine) event(dir log.Direction, layer log.Layer, cat log.Category, remote netip.AddrPort) log.Event {
	ev := log.Event{
		Timestamp: time.Now(),
		SessionID: e.id,
		Direction: dir,
		Layer:     layer,
		Category:  cat,
	}
	if remote.IsValid() {
		ev.RemoteAddr = remote.String()
	}
	return ev
}

func (e *Engine) logDatagram(dir log.Direction, remote netip.AddrPort, data []byte) {
	if log.IsNoop(e.plog) {
		return
	}
	ev := e.event(dir, log.LayerTransport, log.CategoryMessage, remote)
	ev.Datagram = log.NewDatagramEvent(data)
	e.plog.Log(ev)
}

func (e *Engine) logMessage(dir log.Direction, remote netip.AddrPort, m *message.Message) {
	if log.IsNoop(e.plog) {
		return
	}
	ev := e.event(dir, log.LayerMessage, log.CategoryMessage, remote)
	if !m.Token.IsEmpty() {
		ev.Token = m.Token.String()
	}
	ev.Message = log.NewMessageEvent(m)
	e.plog.Log(ev)
}

func (e *Engine) logError(layer log.Layer, remote netip.AddrPort, err error, context string) {
	ev := e.event(log.DirectionLocal, layer, log.CategoryError, remote)
	ev.Error = &log.ErrorEventData{Layer: layer, Message: err.Error(), Context: context}
	e.plog.Log(ev)
}

func (e *Engine) logState(old, new, reason string) {
	ev := e.event(log.DirectionLocal, log.LayerExchange, log.CategoryState, netip.AddrPort{})
	ev.StateChange = &log.StateChangeEvent{Entity: log.StateEntityEngine, OldState: old, NewState: new, Reason: reason}
	e.plog.Log(ev)
}

func (e *Engine) logResource(path, old, new string) {
	ev := e.event(log.DirectionLocal, log.LayerExchange, log.CategoryState, netip.AddrPort{})
	ev.StateChange = &log.StateChangeEvent{Entity: log.StateEntityResource, OldState: old, NewState: new, Reason: path}
	e.plog.Log(ev)
}

// eventLog records exchange lifecycle events of both roles. It sits below
// the dispatcher, which consumes client events.
type eventLog struct {
	exchange.PassThrough
	e *Engine
}

func (s *eventLog) HandleEvent(ev exchange.Event) bool {
	if log.IsNoop(s.e.plog) {
		return true
	}
	le := s.e.event(log.DirectionLocal, log.LayerExchange, log.CategoryExchange, ev.Endpoint)
	if !ev.Token.IsEmpty() {
		le.Token = ev.Token.String()
	}
	x := &log.ExchangeEvent{
		Type:      ev.Type.String(),
		Role:      ev.Role.String(),
		MessageID: ev.MessageID,
		Count:     ev.Count,
	}
	if ev.Type == exchange.EventBlockProgress {
		x.Block = strconv.FormatUint(uint64(ev.Block), 10)
	}
	if ev.NewEndpoint.IsValid() {
		x.NewEndpoint = ev.NewEndpoint.String()
	}
	le.Exchange = x
	if ev.Err != nil {
		le.Error = &log.ErrorEventData{Layer: log.LayerExchange, Message: ev.Err.Error()}
	}
	s.e.plog.Log(le)
	return true
}
