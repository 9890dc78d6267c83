// Package observe implements the server side of resource observation
// (RFC 7641).
//
// The Registry is a pipeline stage between the blockwise stages and the
// dispatcher. It records observers from GET/FETCH requests carrying
// Observe=0, stamps the Observe sequence on their responses and fans
// notifications out when a resource changes state. An observer is removed
// when it deregisters, when a non-notification response is sent for its
// token and when its latest notification is reset or times out.
package observe

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/mash-protocol/coap-go/pkg/blockwise"
	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/message"
	"github.com/mash-protocol/coap-go/pkg/worker"
)

// Registry errors.
var (
	ErrResourceExists   = errors.New("observable resource already registered")
	ErrUnknownResource  = errors.New("unknown observable resource")
	ErrTooManyObservers = errors.New("too many observers")
)

const (
	observeRegister   = 0
	observeDeregister = 1

	seqMask = 1<<24 - 1
)

// Config configures a Registry.
type Config struct {
	// ConfirmableEvery sends every Nth notification confirmable. Zero
	// sends notifications non-confirmable unless the resource implements
	// NotificationPolicy.
	ConfirmableEvery int

	// Debounce coalesces status changes arriving within the window.
	Debounce time.Duration

	// MaxObservers bounds the number of observers over all resources.
	MaxObservers int

	// MaxBlockSize is the block size used when an observer did not
	// negotiate one.
	MaxBlockSize int

	Logger *slog.Logger
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		MaxObservers: 1024,
		MaxBlockSize: 1024,
	}
}

// InFlightUpdater replaces a confirmable message that is still being
// retransmitted.
type InFlightUpdater interface {
	UpdateInFlight(endpoint netip.AddrPort, mid uint16, m *message.Message) bool
}

// Observer describes one observation.
type Observer struct {
	Endpoint netip.AddrPort
	Path     string
	Format   uint32
	Sequence uint32
	Active   bool
}

type observer struct {
	key      exchange.Key
	res      *resourceEntry
	format   uint32
	szx      uint8
	hasBlock bool

	active   bool
	seq      uint32
	count    int
	lastMID  uint16
	hasMID   bool
	inFlight bool
}

type resourceEntry struct {
	res       Resource
	observers map[exchange.Key]*observer
	debounce  *worker.Timer
}

// Registry tracks observers and drives notification fan-out.
type Registry struct {
	config  Config
	pool    *worker.Pool
	link    exchange.Link
	logger  *slog.Logger
	updater InFlightUpdater

	mu        sync.RWMutex
	resources map[string]*resourceEntry
	observers map[exchange.Key]*observer
}

var (
	_ exchange.Stage    = (*Registry)(nil)
	_ exchange.Binder   = (*Registry)(nil)
	_ exchange.Migrator = (*Registry)(nil)
)

// NewRegistry creates a registry. updater may be nil, in which case
// notifications are never swapped in place.
func NewRegistry(pool *worker.Pool, updater InFlightUpdater, config Config) *Registry {
	def := DefaultConfig()
	if config.MaxObservers <= 0 {
		config.MaxObservers = def.MaxObservers
	}
	if config.MaxBlockSize <= 0 {
		config.MaxBlockSize = def.MaxBlockSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Registry{
		config:    config,
		pool:      pool,
		logger:    config.Logger,
		updater:   updater,
		resources: make(map[string]*resourceEntry),
		observers: make(map[exchange.Key]*observer),
	}
}

// Bind implements exchange.Binder.
func (r *Registry) Bind(link exchange.Link) { r.link = link }

// Register makes res observable.
func (r *Registry) Register(res Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resources[res.Path()]; ok {
		return ErrResourceExists
	}
	r.resources[res.Path()] = &resourceEntry{res: res, observers: make(map[exchange.Key]*observer)}
	return nil
}

// Deregister removes the resource at path. Every observer receives one
// non-confirmable 4.04 and its entry is cleared.
func (r *Registry) Deregister(path string) error {
	r.mu.Lock()
	e, ok := r.resources[path]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownResource
	}
	delete(r.resources, path)
	e.debounce.Stop()
	var keys []exchange.Key
	for k := range e.observers {
		delete(r.observers, k)
		keys = append(keys, k)
	}
	r.mu.Unlock()

	for _, k := range keys {
		m := &message.Message{
			Type:    message.NonConfirmable,
			Code:    message.NotFound,
			Token:   k.Token,
			Payload: []byte("no longer available"),
		}
		r.link.SendDown(exchange.NewEnvelope(k.Endpoint, m))
	}
	r.logger.Debug("observable resource removed", "path", path, "observers", len(keys))
	return nil
}

// Close stops pending debounce timers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.resources {
		e.debounce.Stop()
	}
}

// Observers returns the observers of path.
func (r *Registry) Observers(path string) []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.resources[path]
	if !ok {
		return nil
	}
	out := make([]Observer, 0, len(e.observers))
	for _, o := range e.observers {
		out = append(out, Observer{
			Endpoint: o.key.Endpoint,
			Path:     path,
			Format:   o.format,
			Sequence: o.seq,
			Active:   o.active,
		})
	}
	return out
}

// Len returns the number of observers over all resources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// HandleInbound records Observe registrations and deregistrations.
func (r *Registry) HandleInbound(env *exchange.Envelope) bool {
	m := env.Message
	if m.Code != message.GET && m.Code != message.FETCH {
		return true
	}
	obs, ok := m.Options.Observe()
	if !ok {
		return true
	}
	key := env.Key()

	switch obs {
	case observeRegister:
		r.addObserver(key, m)
	case observeDeregister:
		r.mu.Lock()
		r.removeLocked(key)
		r.mu.Unlock()
	}
	return true
}

func (r *Registry) addObserver(key exchange.Key, m *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.resources[m.Options.Path()]
	if !ok {
		return
	}
	o, exists := r.observers[key]
	if !exists && len(r.observers) >= r.config.MaxObservers {
		r.logger.Warn("observation refused", "endpoint", key.Endpoint, "path", e.res.Path(), "error", ErrTooManyObservers)
		return
	}
	if exists && o.res != e {
		r.removeLocked(key)
		exists = false
	}
	if !exists {
		o = &observer{key: key, res: e}
		e.observers[key] = o
		r.observers[key] = o
	}

	// A re-registration keeps the sequence so notifications stay strictly
	// increasing; its response is stamped like the first one.
	o.active = false
	o.format, o.szx, o.hasBlock = 0, 0, false
	if formats := e.res.Formats(); len(formats) > 0 {
		o.format = formats[0]
	}
	if accept, ok := m.Options.Accept(); ok {
		o.format = accept
	}
	if b, ok, err := blockwise.Get(m.Options, message.Block2); ok && err == nil {
		o.szx, o.hasBlock = b.SZX, true
	}
}

func (r *Registry) removeLocked(key exchange.Key) bool {
	o, ok := r.observers[key]
	if !ok {
		return false
	}
	delete(r.observers, key)
	delete(o.res.observers, key)
	return true
}

// HandleOutbound activates pending observers on their first successful
// response. An error response, or a response without Observe for an active
// observer, ends the observation.
func (r *Registry) HandleOutbound(env *exchange.Envelope) bool {
	m := env.Message
	if !m.IsResponse() {
		return true
	}
	key := env.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.observers[key]
	if !ok {
		return true
	}
	if !m.Code.IsSuccess() {
		r.removeLocked(key)
		return true
	}
	if o.active && !m.Options.Has(message.Observe) {
		// A plain response after registration ends the observation.
		r.removeLocked(key)
		return true
	}
	if cf, ok := m.Options.ContentFormat(); ok {
		o.format = cf
	}
	o.active = true
	o.seq = (o.seq + 1) & seqMask
	_ = m.Options.SetUint(message.Observe, o.seq)
	return true
}

// HandleEvent tracks the latest notification of each observer and removes
// observers whose latest notification was reset or timed out.
func (r *Registry) HandleEvent(ev exchange.Event) bool {
	if ev.Role != exchange.RoleServer {
		return true
	}
	key := exchange.Key{Endpoint: ev.Endpoint, Token: ev.Token}

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.observers[key]
	if !ok {
		return true
	}
	switch ev.Type {
	case exchange.EventMessageIDAssigned:
		// Only notifications count; block follow-ups share the token.
		if ev.Message == nil || !ev.Message.Options.Has(message.Observe) {
			return true
		}
		o.lastMID, o.hasMID = ev.MessageID, true
		o.inFlight = ev.Message.Type == message.Confirmable
	case exchange.EventAcknowledged:
		if o.hasMID && ev.MessageID == o.lastMID {
			o.inFlight = false
		}
	case exchange.EventReset, exchange.EventTimeout:
		if o.hasMID && ev.MessageID == o.lastMID {
			r.removeLocked(key)
			r.logger.Debug("observer removed", "endpoint", ev.Endpoint, "token", ev.Token.String(), "reason", ev.Type.String())
		}
	}
	return true
}

// MigrateEndpoint implements exchange.Migrator.
func (r *Registry) MigrateEndpoint(from, to netip.AddrPort) {
	if from == to {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, o := range r.observers {
		if k.Endpoint != from {
			continue
		}
		delete(r.observers, k)
		delete(o.res.observers, k)
		o.key = exchange.Key{Endpoint: to, Token: k.Token}
		r.observers[o.key] = o
		o.res.observers[o.key] = o
	}
}
