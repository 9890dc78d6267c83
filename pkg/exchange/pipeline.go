package exchange

import (
	"fmt"
	"net/netip"

	"github.com/mash-protocol/coap-go/pkg/message"
	"github.com/mash-protocol/coap-go/pkg/token"
)

// Key identifies an exchange with one peer.
type Key struct {
	Endpoint netip.AddrPort
	Token    token.Token
}

// String returns "endpoint/token".
func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Endpoint, k.Token)
}

// Envelope carries one message through the pipeline.
type Envelope struct {
	Endpoint netip.AddrPort
	Message  *message.Message

	rejected bool
}

// NewEnvelope wraps m for endpoint.
func NewEnvelope(endpoint netip.AddrPort, m *message.Message) *Envelope {
	return &Envelope{Endpoint: endpoint, Message: m}
}

// Key returns the exchange key of the envelope.
func (e *Envelope) Key() Key {
	return Key{Endpoint: e.Endpoint, Token: e.Message.Token}
}

// Reject marks an inbound message as unwanted. The reliability stage
// answers rejected messages with a reset.
func (e *Envelope) Reject() { e.rejected = true }

// Rejected reports whether an upper stage rejected the message.
func (e *Envelope) Rejected() bool { return e.rejected }

// Stage is one protocol layer. Each handler returns true to pass the message
// or event on, false to consume it.
type Stage interface {
	HandleInbound(env *Envelope) bool
	HandleOutbound(env *Envelope) bool
	HandleEvent(ev Event) bool
}

// Link lets a stage inject traffic relative to its own position: SendDown
// enters the outbound path just below it, SendUp the inbound path just above
// it and Emit raises an event to the stages above it.
type Link interface {
	SendDown(env *Envelope)
	SendUp(env *Envelope)
	Emit(ev Event)
}

// Binder is implemented by stages that inject traffic.
type Binder interface {
	Bind(link Link)
}

// Migrator is implemented by stages holding per-endpoint state.
type Migrator interface {
	MigrateEndpoint(from, to netip.AddrPort)
}

// Forgetter is implemented by stages holding per-exchange state that must be
// dropped when the exchange's token is released.
type Forgetter interface {
	Forget(key Key)
}

// Sink receives envelopes that passed every stage outbound.
type Sink interface {
	Transmit(env *Envelope)
}

// Top receives inbound envelopes and events that passed every stage.
type Top interface {
	Deliver(env *Envelope)
	Unclaimed(ev Event)
}

// Pipeline is an ordered list of stages, bottom (closest to the network)
// first. Inbound traffic and events flow bottom to top; outbound traffic top
// to bottom.
type Pipeline struct {
	stages []Stage
	sink   Sink
	top    Top
}

// NewPipeline builds a pipeline and binds every Binder stage to its link.
func NewPipeline(sink Sink, top Top, stages ...Stage) *Pipeline {
	p := &Pipeline{stages: stages, sink: sink, top: top}
	for i, s := range stages {
		if b, ok := s.(Binder); ok {
			b.Bind(&link{p: p, idx: i})
		}
	}
	return p
}

// Inbound delivers a decoded message from the network.
func (p *Pipeline) Inbound(env *Envelope) { p.up(0, env) }

// Outbound sends a message from the application.
func (p *Pipeline) Outbound(env *Envelope) { p.down(len(p.stages)-1, env) }

// Emit raises an event from below every stage.
func (p *Pipeline) Emit(ev Event) { p.event(0, ev) }

// Stages returns the stages, bottom first.
func (p *Pipeline) Stages() []Stage { return p.stages }

func (p *Pipeline) up(i int, env *Envelope) {
	for ; i < len(p.stages); i++ {
		if !p.stages[i].HandleInbound(env) {
			return
		}
	}
	p.top.Deliver(env)
}

func (p *Pipeline) down(i int, env *Envelope) {
	for ; i >= 0; i-- {
		if !p.stages[i].HandleOutbound(env) {
			return
		}
	}
	p.sink.Transmit(env)
}

func (p *Pipeline) event(i int, ev Event) {
	for ; i < len(p.stages); i++ {
		if !p.stages[i].HandleEvent(ev) {
			return
		}
	}
	p.top.Unclaimed(ev)
}

type link struct {
	p   *Pipeline
	idx int
}

func (l *link) SendDown(env *Envelope) { l.p.down(l.idx-1, env) }
func (l *link) SendUp(env *Envelope)   { l.p.up(l.idx+1, env) }
func (l *link) Emit(ev Event)          { l.p.event(l.idx+1, ev) }

// PassThrough is a Stage that forwards everything. Embed it to implement
// only the handlers a stage needs.
type PassThrough struct{}

func (PassThrough) HandleInbound(*Envelope) bool  { return true }
func (PassThrough) HandleOutbound(*Envelope) bool { return true }
func (PassThrough) HandleEvent(Event) bool        { return true }
