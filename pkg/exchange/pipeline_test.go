package exchange

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mash-protocol/coap-go/pkg/message"
)

// recordingStage logs every call into a shared trace.
type recordingStage struct {
	name    string
	trace   *[]string
	consume bool
	link    Link
}

func (s *recordingStage) Bind(l Link) { s.link = l }

func (s *recordingStage) HandleInbound(env *Envelope) bool {
	*s.trace = append(*s.trace, s.name+":in")
	return !s.consume
}

func (s *recordingStage) HandleOutbound(env *Envelope) bool {
	*s.trace = append(*s.trace, s.name+":out")
	return !s.consume
}

func (s *recordingStage) HandleEvent(ev Event) bool {
	*s.trace = append(*s.trace, s.name+":ev")
	return !s.consume
}

type recordingEnds struct {
	trace *[]string
}

func (r recordingEnds) Transmit(*Envelope) { *r.trace = append(*r.trace, "sink") }
func (r recordingEnds) Deliver(*Envelope)  { *r.trace = append(*r.trace, "top") }
func (r recordingEnds) Unclaimed(Event)    { *r.trace = append(*r.trace, "unclaimed") }

func newTrace() (*[]string, *recordingStage, *recordingStage, *recordingStage, *Pipeline) {
	trace := &[]string{}
	a := &recordingStage{name: "a", trace: trace}
	b := &recordingStage{name: "b", trace: trace}
	c := &recordingStage{name: "c", trace: trace}
	ends := recordingEnds{trace: trace}
	return trace, a, b, c, NewPipeline(ends, ends, a, b, c)
}

func testEnvelope() *Envelope {
	return NewEnvelope(netip.MustParseAddrPort("127.0.0.1:5683"), &message.Message{Code: message.GET})
}

func TestPipelineOrder(t *testing.T) {
	trace, _, _, _, p := newTrace()

	p.Inbound(testEnvelope())
	assert.Equal(t, []string{"a:in", "b:in", "c:in", "top"}, *trace)

	*trace = nil
	p.Outbound(testEnvelope())
	assert.Equal(t, []string{"c:out", "b:out", "a:out", "sink"}, *trace)

	*trace = nil
	p.Emit(Event{Type: EventTimeout})
	assert.Equal(t, []string{"a:ev", "b:ev", "c:ev", "unclaimed"}, *trace)
}

func TestPipelineConsume(t *testing.T) {
	trace, _, b, _, p := newTrace()
	b.consume = true

	p.Inbound(testEnvelope())
	assert.Equal(t, []string{"a:in", "b:in"}, *trace)

	*trace = nil
	p.Outbound(testEnvelope())
	assert.Equal(t, []string{"c:out", "b:out"}, *trace)
}

func TestLinkPositions(t *testing.T) {
	trace, _, b, _, _ := newTrace()

	b.link.SendDown(testEnvelope())
	assert.Equal(t, []string{"a:out", "sink"}, *trace)

	*trace = nil
	b.link.SendUp(testEnvelope())
	assert.Equal(t, []string{"c:in", "top"}, *trace)

	*trace = nil
	b.link.Emit(Event{Type: EventReset})
	assert.Equal(t, []string{"c:ev", "unclaimed"}, *trace)
}

func TestEnvelopeReject(t *testing.T) {
	env := testEnvelope()
	assert.False(t, env.Rejected())
	env.Reject()
	assert.True(t, env.Rejected())
}

func TestEventTypeTerminal(t *testing.T) {
	terminal := map[EventType]bool{
		EventReset:          true,
		EventTimeout:        true,
		EventTransferFailed: true,
		EventError:          true,
	}
	for typ := EventMessageIDAssigned; typ <= EventError; typ++ {
		assert.Equal(t, terminal[typ], typ.Terminal(), typ.String())
	}
}

func TestRoleOf(t *testing.T) {
	assert.Equal(t, RoleClient, RoleOf(&message.Message{Code: message.GET}))
	assert.Equal(t, RoleClient, RoleOf(&message.Message{Code: message.Empty}))
	assert.Equal(t, RoleServer, RoleOf(&message.Message{Code: message.Content}))
}
