package observe

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/message"
	"github.com/mash-protocol/coap-go/pkg/token"
	"github.com/mash-protocol/coap-go/pkg/worker"
)

const (
	formatText = 0
	formatJSON = 50
)

type sink struct {
	mu   sync.Mutex
	sent []*exchange.Envelope
}

func (s *sink) Transmit(env *exchange.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, exchange.NewEnvelope(env.Endpoint, env.Message.Clone()))
}

func (s *sink) Deliver(*exchange.Envelope) {}
func (s *sink) Unclaimed(exchange.Event)   {}

func (s *sink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

func (s *sink) messages() []*exchange.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*exchange.Envelope(nil), s.sent...)
}

type counter struct {
	renders atomic.Int32
	fail    atomic.Bool
	value   atomic.Int32
}

func (c *counter) render(format uint32) ([]byte, error) {
	c.renders.Add(1)
	if c.fail.Load() {
		return nil, errors.New("sensor offline")
	}
	if format == formatJSON {
		return fmt.Appendf(nil, `{"v":%d}`, c.value.Load()), nil
	}
	return fmt.Appendf(nil, "%d", c.value.Load()), nil
}

type fakeUpdater struct {
	mu      sync.Mutex
	updates []uint16
	accept  bool
}

func (u *fakeUpdater) UpdateInFlight(_ netip.AddrPort, mid uint16, _ *message.Message) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates = append(u.updates, mid)
	return u.accept
}

type fixture struct {
	reg  *Registry
	pipe *exchange.Pipeline
	sink *sink
	res  *counter
}

func newFixture(t *testing.T, config Config, updater InFlightUpdater) *fixture {
	t.Helper()
	pool := worker.New(worker.Config{Workers: 2})
	t.Cleanup(pool.Stop)

	f := &fixture{sink: &sink{}, res: &counter{}}
	f.reg = NewRegistry(pool, updater, config)
	f.pipe = exchange.NewPipeline(f.sink, f.sink, f.reg)
	require.NoError(t, f.reg.Register(NewResource("/temp", []uint32{formatText, formatJSON}, f.res.render)))
	return f
}

func endpoint(i int) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)}), 5683)
}

func tokenFor(i int) token.Token { return token.MustNew(byte(i), 0xee) }

// observe registers observer i and answers its request like the engine's
// handler would. The registration response gets message ID 1000+i.
func (f *fixture) observe(t *testing.T, i int, format uint32) exchange.Key {
	t.Helper()
	key := exchange.Key{Endpoint: endpoint(i), Token: tokenFor(i)}

	req, err := message.NewRequest(message.GET, "/temp")
	require.NoError(t, err)
	req.Token = key.Token
	require.NoError(t, req.Options.SetUint(message.Observe, 0))
	require.NoError(t, req.Options.SetUint(message.Accept, format))
	f.pipe.Inbound(exchange.NewEnvelope(key.Endpoint, req))

	resp := message.NewResponse(req, message.Content)
	require.NoError(t, resp.Options.SetUint(message.ContentFormat, format))
	f.pipe.Outbound(exchange.NewEnvelope(key.Endpoint, resp))
	f.assigned(key, uint16(1000+i), message.NonConfirmable)
	return key
}

// assigned reports the message ID of a notification sent to key.
func (f *fixture) assigned(key exchange.Key, mid uint16, typ message.Type) {
	m := &message.Message{Type: typ, Code: message.Content, Token: key.Token}
	_ = m.Options.SetUint(message.Observe, 1)
	f.assignedMessage(key, mid, m)
}

func (f *fixture) assignedMessage(key exchange.Key, mid uint16, m *message.Message) {
	f.pipe.Emit(exchange.Event{
		Type:      exchange.EventMessageIDAssigned,
		Role:      exchange.RoleServer,
		Endpoint:  key.Endpoint,
		Token:     key.Token,
		MessageID: mid,
		Message:   m,
	})
}

func observeValue(t *testing.T, m *message.Message) uint32 {
	t.Helper()
	v, ok := m.Options.Observe()
	require.True(t, ok, "notification without Observe option")
	return v
}

func TestRegistrationStampsSequence(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.observe(t, 0, formatText)

	sent := f.sink.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, uint32(1), observeValue(t, sent[0].Message))

	obs := f.reg.Observers("/temp")
	require.Len(t, obs, 1)
	assert.True(t, obs[0].Active)
	assert.Equal(t, uint32(formatText), obs[0].Format)
}

func TestFanOutRendersOncePerFormat(t *testing.T) {
	const observers = 6
	f := newFixture(t, Config{}, nil)

	keys := make([]exchange.Key, observers)
	for i := range observers {
		format := uint32(formatText)
		if i%2 == 1 {
			format = formatJSON
		}
		keys[i] = f.observe(t, i, format)
	}
	f.sink.reset()

	require.NoError(t, f.reg.StatusChanged("/temp"))

	assert.Equal(t, int32(2), f.res.renders.Load())
	sent := f.sink.messages()
	require.Len(t, sent, observers)

	byEndpoint := make(map[netip.AddrPort]*message.Message)
	for _, env := range sent {
		byEndpoint[env.Endpoint] = env.Message
	}
	for i, k := range keys {
		m := byEndpoint[k.Endpoint]
		require.NotNil(t, m, "observer %d not notified", i)
		assert.Equal(t, k.Token, m.Token)
		assert.Equal(t, message.Content, m.Code)
		assert.Equal(t, uint32(2), observeValue(t, m))
		cf, ok := m.Options.ContentFormat()
		require.True(t, ok)
		if i%2 == 1 {
			assert.Equal(t, uint32(formatJSON), cf)
			assert.Equal(t, `{"v":0}`, string(m.Payload))
		} else {
			assert.Equal(t, uint32(formatText), cf)
		}
	}
}

func TestSequenceStrictlyIncreases(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.observe(t, 0, formatText)

	last := uint32(1)
	for range 5 {
		f.sink.reset()
		require.NoError(t, f.reg.StatusChanged("/temp"))
		sent := f.sink.messages()
		require.Len(t, sent, 1)
		seq := observeValue(t, sent[0].Message)
		assert.Greater(t, seq, last)
		last = seq
	}
}

func TestReRegistrationKeepsSequence(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	key := f.observe(t, 0, formatText)

	var last uint32
	for range 3 {
		f.sink.reset()
		require.NoError(t, f.reg.StatusChanged("/temp"))
		last = observeValue(t, f.sink.messages()[0].Message)
	}
	require.Equal(t, uint32(4), last)

	// Same endpoint and token register again, now asking for JSON.
	f.sink.reset()
	assert.Equal(t, key, f.observe(t, 0, formatJSON))
	assert.Equal(t, 1, f.reg.Len())
	sent := f.sink.messages()
	require.Len(t, sent, 1)
	assert.Greater(t, observeValue(t, sent[0].Message), last)
	last = observeValue(t, sent[0].Message)

	f.sink.reset()
	require.NoError(t, f.reg.StatusChanged("/temp"))
	sent = f.sink.messages()
	require.Len(t, sent, 1)
	assert.Greater(t, observeValue(t, sent[0].Message), last)
	cf, ok := sent[0].Message.Options.ContentFormat()
	require.True(t, ok)
	assert.Equal(t, uint32(formatJSON), cf)
}

func TestBlockFollowUpDoesNotReplaceLatestNotification(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	key := f.observe(t, 0, formatText)
	f.assigned(key, 2000, message.Confirmable)

	// A separate response to a Block2 follow-up carries the same token but
	// no Observe option.
	followUp := &message.Message{Type: message.Confirmable, Code: message.Content, Token: key.Token}
	f.assignedMessage(key, 2001, followUp)

	f.pipe.Emit(exchange.Event{Type: exchange.EventReset, Role: exchange.RoleServer, Endpoint: key.Endpoint, Token: key.Token, MessageID: 2000})
	assert.Equal(t, 0, f.reg.Len())
}

func TestSequenceWrapsAt24Bits(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	key := f.observe(t, 0, formatText)

	f.reg.mu.Lock()
	f.reg.observers[key].seq = seqMask
	f.reg.mu.Unlock()

	f.sink.reset()
	require.NoError(t, f.reg.StatusChanged("/temp"))
	assert.Equal(t, uint32(0), observeValue(t, f.sink.messages()[0].Message))
}

func TestResetRemovesOnlyThatObserver(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	a := f.observe(t, 0, formatText)
	b := f.observe(t, 1, formatText)

	// A reset for an older message ID is ignored.
	f.pipe.Emit(exchange.Event{Type: exchange.EventReset, Role: exchange.RoleServer, Endpoint: a.Endpoint, Token: a.Token, MessageID: 1})
	assert.Equal(t, 2, f.reg.Len())

	f.pipe.Emit(exchange.Event{Type: exchange.EventReset, Role: exchange.RoleServer, Endpoint: a.Endpoint, Token: a.Token, MessageID: 1000})
	assert.Equal(t, 1, f.reg.Len())

	f.sink.reset()
	require.NoError(t, f.reg.StatusChanged("/temp"))
	sent := f.sink.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, b.Endpoint, sent[0].Endpoint)
}

func TestTimeoutOfLatestNotificationRemovesObserver(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	key := f.observe(t, 0, formatText)

	require.NoError(t, f.reg.StatusChanged("/temp"))
	f.assigned(key, 2000, message.Confirmable)

	f.pipe.Emit(exchange.Event{Type: exchange.EventTimeout, Role: exchange.RoleServer, Endpoint: key.Endpoint, Token: key.Token, MessageID: 1000})
	assert.Equal(t, 1, f.reg.Len(), "timeout of a superseded notification is ignored")

	f.pipe.Emit(exchange.Event{Type: exchange.EventTimeout, Role: exchange.RoleServer, Endpoint: key.Endpoint, Token: key.Token, MessageID: 2000})
	assert.Equal(t, 0, f.reg.Len())
}

func TestClientEventsIgnored(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	key := f.observe(t, 0, formatText)

	f.pipe.Emit(exchange.Event{Type: exchange.EventReset, Role: exchange.RoleClient, Endpoint: key.Endpoint, Token: key.Token, MessageID: 1000})
	assert.Equal(t, 1, f.reg.Len())
}

func TestDeregisterRequest(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	key := f.observe(t, 0, formatText)

	req, err := message.NewRequest(message.GET, "/temp")
	require.NoError(t, err)
	req.Token = key.Token
	require.NoError(t, req.Options.SetUint(message.Observe, 1))
	f.pipe.Inbound(exchange.NewEnvelope(key.Endpoint, req))

	assert.Equal(t, 0, f.reg.Len())
}

func TestErrorResponseEndsObservation(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	req, err := message.NewRequest(message.GET, "/temp")
	require.NoError(t, err)
	req.Token = tokenFor(0)
	require.NoError(t, req.Options.SetUint(message.Observe, 0))
	f.pipe.Inbound(exchange.NewEnvelope(endpoint(0), req))
	require.Equal(t, 1, f.reg.Len())

	f.pipe.Outbound(exchange.NewEnvelope(endpoint(0), message.NewResponse(req, message.NotAcceptable)))
	assert.Equal(t, 0, f.reg.Len())
	assert.False(t, f.sink.messages()[0].Message.Options.Has(message.Observe))
}

func TestPlainResponseEndsActiveObservation(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	key := f.observe(t, 0, formatText)
	require.Equal(t, 1, f.reg.Len())
	f.sink.reset()

	resp := &message.Message{Code: message.Content, Token: key.Token, Payload: []byte("final")}
	f.pipe.Outbound(exchange.NewEnvelope(key.Endpoint, resp))

	assert.Equal(t, 0, f.reg.Len())
	sent := f.sink.messages()
	require.Len(t, sent, 1)
	assert.False(t, sent[0].Message.Options.Has(message.Observe))
}

func TestPendingObserverNotNotified(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	req, err := message.NewRequest(message.GET, "/temp")
	require.NoError(t, err)
	req.Token = tokenFor(0)
	require.NoError(t, req.Options.SetUint(message.Observe, 0))
	f.pipe.Inbound(exchange.NewEnvelope(endpoint(0), req))

	require.NoError(t, f.reg.StatusChanged("/temp"))
	assert.Empty(t, f.sink.messages())
	assert.Equal(t, int32(0), f.res.renders.Load())
}

func TestUnknownPathNotObserved(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	req, err := message.NewRequest(message.GET, "/other")
	require.NoError(t, err)
	require.NoError(t, req.Options.SetUint(message.Observe, 0))
	f.pipe.Inbound(exchange.NewEnvelope(endpoint(0), req))

	assert.Equal(t, 0, f.reg.Len())
	assert.ErrorIs(t, f.reg.StatusChanged("/other"), ErrUnknownResource)
}

func TestMaxObservers(t *testing.T) {
	f := newFixture(t, Config{MaxObservers: 2}, nil)
	f.observe(t, 0, formatText)
	f.observe(t, 1, formatText)
	f.observe(t, 2, formatText)

	assert.Equal(t, 2, f.reg.Len())
	sent := f.sink.messages()
	require.Len(t, sent, 3)
	assert.False(t, sent[2].Message.Options.Has(message.Observe), "refused observer gets a plain response")
}

func TestDeregisterResource(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	a := f.observe(t, 0, formatText)
	b := f.observe(t, 1, formatJSON)
	f.sink.reset()

	require.NoError(t, f.reg.Deregister("/temp"))

	sent := f.sink.messages()
	require.Len(t, sent, 2)
	tokens := map[token.Token]bool{}
	for _, env := range sent {
		assert.Equal(t, message.NonConfirmable, env.Message.Type)
		assert.Equal(t, message.NotFound, env.Message.Code)
		tokens[env.Message.Token] = true
	}
	assert.True(t, tokens[a.Token])
	assert.True(t, tokens[b.Token])
	assert.Equal(t, 0, f.reg.Len())
	assert.ErrorIs(t, f.reg.Deregister("/temp"), ErrUnknownResource)
}

func TestRenderFailureEndsObservation(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.observe(t, 0, formatText)
	f.sink.reset()
	f.res.fail.Store(true)

	require.NoError(t, f.reg.StatusChanged("/temp"))

	sent := f.sink.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, message.InternalServerError, sent[0].Message.Code)
	assert.Equal(t, 0, f.reg.Len())
}

func TestConfirmableEvery(t *testing.T) {
	f := newFixture(t, Config{ConfirmableEvery: 3}, nil)
	f.observe(t, 0, formatText)
	f.sink.reset()

	for range 6 {
		require.NoError(t, f.reg.StatusChanged("/temp"))
	}
	var types []message.Type
	for _, env := range f.sink.messages() {
		types = append(types, env.Message.Type)
	}
	assert.Equal(t, []message.Type{
		message.NonConfirmable, message.NonConfirmable, message.Confirmable,
		message.NonConfirmable, message.NonConfirmable, message.Confirmable,
	}, types)
}

func TestInFlightNotificationSwapped(t *testing.T) {
	updater := &fakeUpdater{accept: true}
	f := newFixture(t, Config{}, updater)
	key := f.observe(t, 0, formatText)

	// Latest notification is a confirmable still awaiting its ACK.
	f.assigned(key, 3000, message.Confirmable)
	f.sink.reset()

	require.NoError(t, f.reg.StatusChanged("/temp"))
	assert.Empty(t, f.sink.messages())
	assert.Equal(t, []uint16{3000}, updater.updates)

	// Once acknowledged a fresh notification is sent.
	f.pipe.Emit(exchange.Event{Type: exchange.EventAcknowledged, Role: exchange.RoleServer, Endpoint: key.Endpoint, Token: key.Token, MessageID: 3000})
	require.NoError(t, f.reg.StatusChanged("/temp"))
	assert.Len(t, f.sink.messages(), 1)
	assert.Len(t, updater.updates, 1)
}

func TestSwapRejectedFallsBackToSend(t *testing.T) {
	updater := &fakeUpdater{accept: false}
	f := newFixture(t, Config{}, updater)
	key := f.observe(t, 0, formatText)
	f.assigned(key, 3000, message.Confirmable)
	f.sink.reset()

	require.NoError(t, f.reg.StatusChanged("/temp"))
	assert.Len(t, f.sink.messages(), 1)
}

func TestDebounceCoalesces(t *testing.T) {
	f := newFixture(t, Config{Debounce: 20 * time.Millisecond}, nil)
	f.observe(t, 0, formatText)
	f.sink.reset()

	for range 5 {
		require.NoError(t, f.reg.StatusChanged("/temp"))
	}
	require.Eventually(t, func() bool { return len(f.sink.messages()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.sink.messages(), 1)
	assert.Equal(t, int32(1), f.res.renders.Load())
}

type policyResource struct {
	Resource
}

func (policyResource) Confirmable(seq uint32) bool { return seq%2 == 0 }
func (policyResource) MaxAge() uint32              { return 30 }

func TestResourcePolicyAndMaxAge(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	require.NoError(t, f.reg.Register(policyResource{NewResource("/p", []uint32{formatText}, f.res.render)}))

	req, err := message.NewRequest(message.GET, "/p")
	require.NoError(t, err)
	req.Token = tokenFor(9)
	require.NoError(t, req.Options.SetUint(message.Observe, 0))
	f.pipe.Inbound(exchange.NewEnvelope(endpoint(9), req))
	f.pipe.Outbound(exchange.NewEnvelope(endpoint(9), message.NewResponse(req, message.Content)))
	f.sink.reset()

	require.NoError(t, f.reg.StatusChanged("/p"))
	m := f.sink.messages()[0].Message
	assert.Equal(t, uint32(2), observeValue(t, m))
	assert.Equal(t, message.Confirmable, m.Type)
	assert.Equal(t, uint32(30), m.Options.MaxAge())
}

func TestMigrateEndpoint(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	key := f.observe(t, 0, formatText)
	moved := netip.MustParseAddrPort("10.9.9.9:6000")

	f.reg.MigrateEndpoint(key.Endpoint, moved)
	f.sink.reset()
	require.NoError(t, f.reg.StatusChanged("/temp"))

	sent := f.sink.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, moved, sent[0].Endpoint)
	assert.Equal(t, moved, f.reg.Observers("/temp")[0].Endpoint)
}

func TestRegisterDuplicate(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	assert.ErrorIs(t, f.reg.Register(NewResource("/temp", nil, f.res.render)), ErrResourceExists)
}
