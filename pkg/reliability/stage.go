// Package reliability implements message-ID based reliability: message ID
// assignment, retransmission of confirmable messages with exponential
// backoff, acknowledgement and reset matching, duplicate detection and the
// choice between piggybacked and separate responses.
package reliability

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/message"
	"github.com/mash-protocol/coap-go/pkg/token"
	"github.com/mash-protocol/coap-go/pkg/worker"
)

// Reliability errors.
var (
	ErrNoMessageID = errors.New("message ID space exhausted for endpoint")
)

// State is the lifecycle state of a retransmission schedule.
type State uint8

const (
	StateNew State = iota
	StateScheduled
	StateAcknowledged
	StateReset
	StateTimedOut
	StateSuperseded
	StateCancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateScheduled:
		return "SCHEDULED"
	case StateAcknowledged:
		return "ACKNOWLEDGED"
	case StateReset:
		return "RESET"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateSuperseded:
		return "SUPERSEDED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Config configures the reliability stage.
type Config struct {
	AckTimeout       time.Duration
	AckRandomFactor  float64
	MaxRetransmit    int
	ExchangeLifetime time.Duration
	NonLifetime      time.Duration
	AckDelay         time.Duration
	Logger           *slog.Logger
}

// DefaultConfig returns the RFC 7252 default transmission parameters.
func DefaultConfig() Config {
	return Config{
		AckTimeout:       DefaultAckTimeout,
		AckRandomFactor:  DefaultAckRandomFactor,
		MaxRetransmit:    DefaultMaxRetransmit,
		ExchangeLifetime: DefaultExchangeLifetime,
		NonLifetime:      DefaultNonLifetime,
		AckDelay:         DefaultAckDelay,
	}
}

// schedule is the retransmission state of one confirmable message.
type schedule struct {
	key     midKey
	token   token.Token
	role    exchange.Role
	env     *exchange.Envelope
	backoff *Backoff
	retries int
	state   State
	timer   *worker.Timer
}

// pendingRequest is an inbound request still waiting for its response.
type pendingRequest struct {
	key     exchange.Key
	mid     uint16
	typ     message.Type
	acked   bool
	created time.Time
	timer   *worker.Timer
}

// Stage is the bottom pipeline stage.
type Stage struct {
	config Config
	pool   *worker.Pool
	link   exchange.Link
	logger *slog.Logger

	schedMu   sync.RWMutex
	schedules map[midKey]*schedule
	byToken   map[exchange.Key]midKey

	pendMu  sync.Mutex
	pending map[exchange.Key]*pendingRequest

	ids   *idAllocator
	dedup *dedupCache

	now func() time.Time
}

var (
	_ exchange.Stage    = (*Stage)(nil)
	_ exchange.Binder   = (*Stage)(nil)
	_ exchange.Migrator = (*Stage)(nil)
)

// NewStage creates the reliability stage. Timers run on pool.
func NewStage(pool *worker.Pool, config Config) *Stage {
	def := DefaultConfig()
	if config.AckTimeout <= 0 {
		config.AckTimeout = def.AckTimeout
	}
	if config.AckRandomFactor < 1 {
		config.AckRandomFactor = def.AckRandomFactor
	}
	if config.MaxRetransmit <= 0 {
		config.MaxRetransmit = def.MaxRetransmit
	}
	if config.ExchangeLifetime <= 0 {
		config.ExchangeLifetime = def.ExchangeLifetime
	}
	if config.NonLifetime <= 0 {
		config.NonLifetime = def.NonLifetime
	}
	if config.AckDelay <= 0 {
		config.AckDelay = def.AckDelay
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Stage{
		config:    config,
		pool:      pool,
		logger:    config.Logger,
		schedules: make(map[midKey]*schedule),
		byToken:   make(map[exchange.Key]midKey),
		pending:   make(map[exchange.Key]*pendingRequest),
		ids:       newIDAllocator(),
		dedup:     newDedupCache(),
		now:       time.Now,
	}
}

// Bind implements exchange.Binder.
func (s *Stage) Bind(link exchange.Link) { s.link = link }

// Config returns the effective configuration.
func (s *Stage) Config() Config { return s.config }

// HandleOutbound assigns message IDs, turns responses into piggybacked or
// separate responses and schedules confirmable messages.
func (s *Stage) HandleOutbound(env *exchange.Envelope) bool {
	m := env.Message

	if m.Type == message.Acknowledgement || m.Type == message.Reset {
		s.dedup.setReply(midKey{env.Endpoint, m.MessageID}, m)
		return true
	}

	if m.IsResponse() {
		if req, ok := s.takePending(env.Key()); ok {
			switch {
			case req.typ == message.Confirmable && !req.acked:
				m.Type = message.Acknowledgement
				m.MessageID = req.mid
				s.dedup.setReply(midKey{env.Endpoint, req.mid}, m)
				return true
			case req.typ == message.Confirmable:
				m.Type = message.Confirmable
			default:
				m.Type = message.NonConfirmable
			}
		}
	}

	role := exchange.RoleOf(m)
	lifetime := s.config.NonLifetime
	if m.Type == message.Confirmable {
		lifetime = s.config.ExchangeLifetime
	}

	mid, err := s.ids.allocate(env.Endpoint, m.Token, role, lifetime, s.now())
	if err != nil {
		s.logger.Warn("cannot send message", "endpoint", env.Endpoint, "token", m.Token.String(), "error", err)
		s.link.Emit(exchange.Event{
			Type:     exchange.EventError,
			Role:     role,
			Endpoint: env.Endpoint,
			Token:    m.Token,
			Message:  m,
			Err:      err,
		})
		return false
	}
	m.MessageID = mid

	if m.Type == message.Confirmable {
		s.schedule(env, role)
	}

	s.link.Emit(exchange.Event{
		Type:      exchange.EventMessageIDAssigned,
		Role:      role,
		Endpoint:  env.Endpoint,
		Token:     m.Token,
		MessageID: mid,
		Message:   m,
	})
	return true
}

func (s *Stage) schedule(env *exchange.Envelope, role exchange.Role) {
	m := env.Message
	sc := &schedule{
		key:     midKey{env.Endpoint, m.MessageID},
		token:   m.Token,
		role:    role,
		env:     env,
		backoff: NewBackoff(s.config.AckTimeout, s.config.AckRandomFactor),
		state:   StateScheduled,
	}

	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	if role == exchange.RoleClient {
		k := env.Key()
		if old, ok := s.byToken[k]; ok {
			s.removeLocked(old, StateSuperseded)
		}
		s.byToken[k] = sc.key
	}
	s.schedules[sc.key] = sc
	sc.timer = s.pool.AfterFunc(sc.backoff.Next(), func() { s.fire(sc) })
}

// fire runs when a schedule's timer expires.
func (s *Stage) fire(sc *schedule) {
	s.schedMu.Lock()
	if s.schedules[sc.key] != sc || sc.state != StateScheduled {
		s.schedMu.Unlock()
		return
	}

	if sc.retries < s.config.MaxRetransmit {
		sc.retries++
		count := sc.retries
		env := sc.env
		mid := sc.key.mid
		sc.timer = s.pool.AfterFunc(sc.backoff.Next(), func() { s.fire(sc) })
		s.schedMu.Unlock()

		s.logger.Debug("retransmitting", "endpoint", env.Endpoint, "mid", mid, "attempt", count)
		s.link.SendDown(env)
		s.link.Emit(exchange.Event{
			Type:      exchange.EventRetransmission,
			Role:      sc.role,
			Endpoint:  env.Endpoint,
			Token:     sc.token,
			MessageID: mid,
			Message:   env.Message,
			Count:     count,
		})
		return
	}

	s.removeLocked(sc.key, StateTimedOut)
	env := sc.env
	mid := sc.key.mid
	s.schedMu.Unlock()

	s.link.Emit(exchange.Event{
		Type:      exchange.EventTimeout,
		Role:      sc.role,
		Endpoint:  env.Endpoint,
		Token:     sc.token,
		MessageID: mid,
		Message:   env.Message,
	})
}

// removeLocked stops and deletes the schedule at key. schedMu must be held.
func (s *Stage) removeLocked(key midKey, state State) (*schedule, bool) {
	sc, ok := s.schedules[key]
	if !ok {
		return nil, false
	}
	sc.timer.Stop()
	sc.state = state
	delete(s.schedules, key)
	if sc.role == exchange.RoleClient {
		k := exchange.Key{Endpoint: key.endpoint, Token: sc.token}
		if cur, ok := s.byToken[k]; ok && cur == key {
			delete(s.byToken, k)
		}
	}
	return sc, true
}

func (s *Stage) cancel(key midKey, state State) (*schedule, bool) {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	return s.removeLocked(key, state)
}

func (s *Stage) cancelToken(k exchange.Key, state State) (*schedule, bool) {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	key, ok := s.byToken[k]
	if !ok {
		return nil, false
	}
	return s.removeLocked(key, state)
}

// HandleInbound matches acknowledgements and resets, answers pings,
// filters duplicates and acknowledges confirmable responses.
func (s *Stage) HandleInbound(env *exchange.Envelope) bool {
	m := env.Message
	key := midKey{env.Endpoint, m.MessageID}

	switch {
	case m.Type == message.Acknowledgement && m.IsEmpty():
		if sc, ok := s.cancel(key, StateAcknowledged); ok {
			s.link.Emit(s.scheduleEvent(exchange.EventAcknowledged, sc))
		}
		return false

	case m.Type == message.Reset:
		if sc, ok := s.cancel(key, StateReset); ok {
			s.link.Emit(s.scheduleEvent(exchange.EventReset, sc))
			return false
		}
		if rec, ok := s.ids.lookup(env.Endpoint, m.MessageID, s.now()); ok {
			s.link.Emit(exchange.Event{
				Type:      exchange.EventReset,
				Role:      rec.role,
				Endpoint:  env.Endpoint,
				Token:     rec.token,
				MessageID: m.MessageID,
			})
		}
		return false

	case m.Code.IsReserved():
		s.logger.Debug("reserved code", "endpoint", env.Endpoint, "mid", m.MessageID, "code", m.Code.String())
		if m.Type == message.Confirmable || m.Type == message.NonConfirmable {
			s.link.SendDown(exchange.NewEnvelope(env.Endpoint, message.NewEmpty(message.Reset, m.MessageID)))
		}
		return false

	case m.Type == message.Acknowledgement:
		// Piggybacked response. Without a live schedule it is a late
		// duplicate.
		_, ok := s.cancel(key, StateAcknowledged)
		return ok

	case m.IsEmpty():
		if m.Type == message.Confirmable {
			// Ping.
			s.link.SendDown(exchange.NewEnvelope(env.Endpoint, message.NewEmpty(message.Reset, m.MessageID)))
		}
		return false
	}

	lifetime := s.config.NonLifetime
	if m.Type == message.Confirmable {
		lifetime = s.config.ExchangeLifetime
	}
	if reply, dup := s.dedup.check(key, lifetime, s.now()); dup {
		s.logger.Debug("duplicate message", "endpoint", env.Endpoint, "mid", m.MessageID)
		if reply != nil {
			s.link.SendDown(exchange.NewEnvelope(env.Endpoint, reply))
		}
		return false
	}

	if m.IsRequest() {
		s.addPending(env.Key(), m)
		return true
	}

	// Separate response or notification.
	s.cancelToken(env.Key(), StateSuperseded)
	s.link.SendUp(env)

	var reply *message.Message
	switch {
	case env.Rejected():
		reply = message.NewEmpty(message.Reset, m.MessageID)
	case m.Type == message.Confirmable:
		reply = message.NewEmpty(message.Acknowledgement, m.MessageID)
	}
	if reply != nil {
		s.dedup.setReply(key, reply)
		s.link.SendDown(exchange.NewEnvelope(env.Endpoint, reply))
	}
	return false
}

func (s *Stage) scheduleEvent(typ exchange.EventType, sc *schedule) exchange.Event {
	return exchange.Event{
		Type:      typ,
		Role:      sc.role,
		Endpoint:  sc.key.endpoint,
		Token:     sc.token,
		MessageID: sc.key.mid,
		Message:   sc.env.Message,
	}
}

func (s *Stage) addPending(k exchange.Key, m *message.Message) {
	pr := &pendingRequest{key: k, mid: m.MessageID, typ: m.Type, created: s.now()}

	s.pendMu.Lock()
	defer s.pendMu.Unlock()

	if old, ok := s.pending[k]; ok {
		old.timer.Stop()
	}
	s.pending[k] = pr
	if m.Type == message.Confirmable {
		pr.timer = s.pool.AfterFunc(s.config.AckDelay, func() { s.sendDelayedAck(pr) })
	}
}

func (s *Stage) sendDelayedAck(pr *pendingRequest) {
	s.pendMu.Lock()
	k := pr.key
	if s.pending[k] != pr || pr.acked {
		s.pendMu.Unlock()
		return
	}
	pr.acked = true
	s.pendMu.Unlock()

	ack := message.NewEmpty(message.Acknowledgement, pr.mid)
	s.dedup.setReply(midKey{k.Endpoint, pr.mid}, ack)
	s.link.SendDown(exchange.NewEnvelope(k.Endpoint, ack))
}

func (s *Stage) takePending(k exchange.Key) (pendingRequest, bool) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()

	pr, ok := s.pending[k]
	if !ok {
		return pendingRequest{}, false
	}
	delete(s.pending, k)
	pr.timer.Stop()
	return *pr, true
}

// HandleEvent cancels schedules of exchanges that failed locally.
func (s *Stage) HandleEvent(ev exchange.Event) bool {
	if ev.Type == exchange.EventError && ev.Message != nil {
		s.cancel(midKey{ev.Endpoint, ev.Message.MessageID}, StateCancelled)
	}
	return true
}

// UpdateInFlight replaces the message of a scheduled confirmable message.
// The retransmission counter and timers are kept. It returns false when no
// schedule for (endpoint, mid) is live.
func (s *Stage) UpdateInFlight(endpoint netip.AddrPort, mid uint16, m *message.Message) bool {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	sc, ok := s.schedules[midKey{endpoint, mid}]
	if !ok || sc.state != StateScheduled {
		return false
	}
	m.Type = message.Confirmable
	m.MessageID = mid
	sc.env = exchange.NewEnvelope(endpoint, m)
	return true
}

// CancelToken stops retransmission of the request sent with (endpoint,
// token).
func (s *Stage) CancelToken(endpoint netip.AddrPort, tok token.Token) bool {
	_, ok := s.cancelToken(exchange.Key{Endpoint: endpoint, Token: tok}, StateCancelled)
	return ok
}

// Forget implements exchange.Forgetter.
func (s *Stage) Forget(k exchange.Key) {
	s.cancelToken(k, StateCancelled)
}

// Scheduled returns the number of live retransmission schedules.
func (s *Stage) Scheduled() int {
	s.schedMu.RLock()
	defer s.schedMu.RUnlock()
	return len(s.schedules)
}

// IsScheduled reports whether (endpoint, mid) is awaiting acknowledgement.
func (s *Stage) IsScheduled(endpoint netip.AddrPort, mid uint16) bool {
	s.schedMu.RLock()
	defer s.schedMu.RUnlock()
	_, ok := s.schedules[midKey{endpoint, mid}]
	return ok
}

// MigrateEndpoint moves all state for from to to. Pending retransmissions
// are sent to the new address.
func (s *Stage) MigrateEndpoint(from, to netip.AddrPort) {
	if from == to {
		return
	}

	s.schedMu.Lock()
	for key, sc := range s.schedules {
		if key.endpoint != from {
			continue
		}
		delete(s.schedules, key)
		if sc.role == exchange.RoleClient {
			delete(s.byToken, exchange.Key{Endpoint: from, Token: sc.token})
		}
		sc.key = midKey{to, key.mid}
		sc.env = exchange.NewEnvelope(to, sc.env.Message)
		s.schedules[sc.key] = sc
		if sc.role == exchange.RoleClient {
			s.byToken[exchange.Key{Endpoint: to, Token: sc.token}] = sc.key
		}
	}
	s.schedMu.Unlock()

	s.pendMu.Lock()
	for k, pr := range s.pending {
		if k.Endpoint == from {
			delete(s.pending, k)
			pr.key = exchange.Key{Endpoint: to, Token: k.Token}
			s.pending[pr.key] = pr
		}
	}
	s.pendMu.Unlock()

	s.ids.migrate(from, to)
	s.dedup.migrate(from, to)
}

// Sweep drops expired message-ID reservations, duplicate-detection entries
// and requests the application never answered.
func (s *Stage) Sweep() {
	now := s.now()
	s.ids.sweep(now)
	s.dedup.sweep(now)

	s.pendMu.Lock()
	for k, pr := range s.pending {
		if now.Sub(pr.created) > s.config.ExchangeLifetime {
			pr.timer.Stop()
			delete(s.pending, k)
		}
	}
	s.pendMu.Unlock()
}
