// Package dispatch correlates responses and exchange events with the
// callbacks of outstanding requests.
//
// The Dispatcher is the top stage of the pipeline. It keeps one entry per
// (endpoint, token): created when a request is sent, removed on a final
// response, on a terminal event or when an observation is declined. Every
// event of an exchange reaches the same callback, in order, on a serial
// worker queue.
package dispatch

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/message"
	"github.com/mash-protocol/coap-go/pkg/token"
	"github.com/mash-protocol/coap-go/pkg/worker"
)

// Dispatcher errors.
var (
	ErrTokenInUse = errors.New("token already in use for endpoint")
)

// Config configures a Dispatcher.
type Config struct {
	Logger *slog.Logger
}

type entry struct {
	key       exchange.Key
	cb        exchange.Callback
	observing bool
	queue     *worker.Queue
}

// Dispatcher maps exchanges to callbacks.
type Dispatcher struct {
	pool   *worker.Pool
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[exchange.Key]*entry

	onRelease func(exchange.Key)
}

var (
	_ exchange.Stage    = (*Dispatcher)(nil)
	_ exchange.Migrator = (*Dispatcher)(nil)
)

// New creates a dispatcher whose callbacks run on pool.
func New(pool *worker.Pool, config Config) *Dispatcher {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Dispatcher{
		pool:    pool,
		logger:  config.Logger,
		entries: make(map[exchange.Key]*entry),
	}
}

// OnRelease sets the hook run after an entry is removed. It must be set
// before traffic flows.
func (d *Dispatcher) OnRelease(fn func(exchange.Key)) { d.onRelease = fn }

// Register adds the callback for (endpoint, tok). request is the message
// being sent; a GET or FETCH carrying Observe=0 opens an observation.
func (d *Dispatcher) Register(endpoint netip.AddrPort, tok token.Token, cb exchange.Callback, request *message.Message) error {
	key := exchange.Key{Endpoint: endpoint, Token: tok}
	e := &entry{key: key, cb: cb, queue: d.pool.NewQueue()}
	if request != nil {
		e.observing = isObserveRequest(request)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, live := d.entries[key]; live {
		return ErrTokenInUse
	}
	d.entries[key] = e
	return nil
}

func isObserveRequest(m *message.Message) bool {
	if m.Code != message.GET && m.Code != message.FETCH {
		return false
	}
	v, ok := m.Options.Observe()
	return ok && v == 0
}

// Cancel removes the entry without notifying its callback.
func (d *Dispatcher) Cancel(endpoint netip.AddrPort, tok token.Token) bool {
	key := exchange.Key{Endpoint: endpoint, Token: tok}
	d.mu.Lock()
	_, ok := d.entries[key]
	delete(d.entries, key)
	d.mu.Unlock()

	if ok {
		d.release(key)
	}
	return ok
}

// Has reports whether (endpoint, tok) is live.
func (d *Dispatcher) Has(endpoint netip.AddrPort, tok token.Token) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.entries[exchange.Key{Endpoint: endpoint, Token: tok}]
	return ok
}

// Len returns the number of live exchanges.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// HandleInbound delivers responses. Unknown responses are rejected so the
// reliability stage answers them with a reset. Requests pass up.
func (d *Dispatcher) HandleInbound(env *exchange.Envelope) bool {
	m := env.Message
	if !m.IsResponse() {
		return true
	}
	key := env.Key()

	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok {
		d.mu.Unlock()
		d.logger.Debug("response for unknown exchange", "endpoint", env.Endpoint, "token", key.Token.String(), "code", m.Code.String())
		env.Reject()
		return false
	}
	final := !(e.observing && m.IsNotification())
	if final {
		delete(d.entries, key)
	}
	d.mu.Unlock()

	if !final {
		if dec, ok := e.cb.(exchange.ObservationDecider); ok && !dec.ContinueObservation() {
			d.mu.Lock()
			if d.entries[key] == e {
				delete(d.entries, key)
			}
			d.mu.Unlock()
			env.Reject()
			d.release(key)
			return false
		}
	}

	ev := exchange.Event{
		Type:      exchange.EventResponse,
		Role:      exchange.RoleClient,
		Endpoint:  env.Endpoint,
		Token:     key.Token,
		MessageID: m.MessageID,
		Message:   m,
	}
	e.queue.Submit(func() { e.cb.HandleEvent(ev) })
	if final {
		d.release(key)
	}
	return false
}

// HandleOutbound implements exchange.Stage.
func (d *Dispatcher) HandleOutbound(*exchange.Envelope) bool { return true }

// HandleEvent routes client-side events to their callback. Terminal events
// end the exchange.
func (d *Dispatcher) HandleEvent(ev exchange.Event) bool {
	if ev.Role != exchange.RoleClient {
		return true
	}
	key := exchange.Key{Endpoint: ev.Endpoint, Token: ev.Token}

	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok {
		d.mu.Unlock()
		return true
	}
	terminal := ev.Type.Terminal()
	if terminal {
		delete(d.entries, key)
	}
	d.mu.Unlock()

	e.queue.Submit(func() { e.cb.HandleEvent(ev) })
	if terminal {
		d.release(key)
	}
	return false
}

// MigrateEndpoint moves every exchange with from to to and tells each
// callback.
func (d *Dispatcher) MigrateEndpoint(from, to netip.AddrPort) {
	if from == to {
		return
	}

	var moved []*entry
	d.mu.Lock()
	for k, e := range d.entries {
		if k.Endpoint != from {
			continue
		}
		delete(d.entries, k)
		e.key = exchange.Key{Endpoint: to, Token: k.Token}
		d.entries[e.key] = e
		moved = append(moved, e)
	}
	d.mu.Unlock()

	for _, e := range moved {
		ev := exchange.Event{
			Type:        exchange.EventEndpointChanged,
			Role:        exchange.RoleClient,
			Endpoint:    from,
			Token:       e.key.Token,
			NewEndpoint: to,
		}
		cb := e.cb
		e.queue.Submit(func() { cb.HandleEvent(ev) })
	}
}

func (d *Dispatcher) release(key exchange.Key) {
	if d.onRelease != nil {
		d.onRelease(key)
	}
}
