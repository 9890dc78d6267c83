package blockwise

import (
	"log/slog"
	"net/netip"
	"sync"

	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/message"
	"github.com/mash-protocol/coap-go/pkg/worker"
)

// assembly is a Block1 request body being received.
type assembly struct {
	first *message.Message
	body  []byte
}

// Block1Server reassembles block-wise request bodies. Intermediate blocks are
// answered with 2.31 Continue; the complete request is passed up without its
// Block1 option and the application's response echoes the final block.
type Block1Server struct {
	config Config
	link   exchange.Link
	logger *slog.Logger

	mu      sync.Mutex
	uploads *store[*assembly]
	echoes  *store[Block]
}

var (
	_ exchange.Stage    = (*Block1Server)(nil)
	_ exchange.Binder   = (*Block1Server)(nil)
	_ exchange.Migrator = (*Block1Server)(nil)
)

// NewBlock1Server creates the stage.
func NewBlock1Server(pool *worker.Pool, config Config) *Block1Server {
	config = config.withDefaults()
	return &Block1Server{
		config:  config,
		logger:  config.Logger,
		uploads: newStore[*assembly](pool, config.TransferLifetime),
		echoes:  newStore[Block](pool, config.TransferLifetime),
	}
}

// Bind implements exchange.Binder.
func (s *Block1Server) Bind(link exchange.Link) { s.link = link }

// HandleInbound collects request blocks.
func (s *Block1Server) HandleInbound(env *exchange.Envelope) bool {
	m := env.Message
	if !m.IsRequest() {
		return true
	}
	b, has, err := Get(m.Options, message.Block1)
	if !has {
		return true
	}
	key := env.Key()
	if err != nil {
		s.reply(env, message.BadOption)
		return false
	}

	s.mu.Lock()
	a, ok := s.uploads.get(key)
	if b.Num == 0 {
		if size1, sized := m.Options.Uint(message.Size1); sized && int(size1) > s.config.MaxBodySize {
			s.uploads.delete(key)
			s.mu.Unlock()
			s.tooLarge(env)
			return false
		}
		first := &message.Message{Type: m.Type, Code: m.Code, Token: m.Token, Options: m.Options.Clone()}
		first.Options.Remove(message.Block1)
		first.Options.Remove(message.Size1)
		a, ok = &assembly{first: first}, true
	}

	switch {
	case !ok || b.Offset() != len(a.body):
		s.uploads.delete(key)
		s.mu.Unlock()
		s.logger.Debug("block1 out of order", "endpoint", env.Endpoint, "token", key.Token.String(), "block", b.String())
		s.reply(env, message.RequestEntityIncomplete)
		return false
	case b.More && len(m.Payload) != b.Size():
		s.uploads.delete(key)
		s.mu.Unlock()
		s.reply(env, message.BadRequest)
		return false
	case len(a.body)+len(m.Payload) > s.config.MaxBodySize:
		s.uploads.delete(key)
		s.mu.Unlock()
		s.tooLarge(env)
		return false
	}
	a.body = append(a.body, m.Payload...)

	ack := Block{Num: b.Num, More: b.More, SZX: min(b.SZX, s.config.szx())}
	if b.More {
		s.uploads.put(key, a)
		s.mu.Unlock()

		resp := message.NewResponse(m, message.Continue)
		_ = Set(&resp.Options, message.Block1, ack)
		s.link.SendDown(exchange.NewEnvelope(env.Endpoint, resp))
		return false
	}

	s.uploads.delete(key)
	s.echoes.put(key, ack)
	s.mu.Unlock()

	out := a.first
	out.Type = m.Type
	out.MessageID = m.MessageID
	out.Payload = a.body
	env.Message = out
	return true
}

func (s *Block1Server) reply(env *exchange.Envelope, code message.Code) {
	resp := message.NewResponse(env.Message, code)
	s.link.SendDown(exchange.NewEnvelope(env.Endpoint, resp))
}

func (s *Block1Server) tooLarge(env *exchange.Envelope) {
	resp := message.NewResponse(env.Message, message.RequestEntityTooLarge)
	_ = resp.Options.SetUint(message.Size1, uint32(s.config.MaxBodySize))
	s.link.SendDown(exchange.NewEnvelope(env.Endpoint, resp))
}

// HandleOutbound echoes the final Block1 in the response to a reassembled
// request.
func (s *Block1Server) HandleOutbound(env *exchange.Envelope) bool {
	if !env.Message.IsResponse() {
		return true
	}
	if b, ok := s.echoes.take(env.Key()); ok {
		_ = Set(&env.Message.Options, message.Block1, b)
	}
	return true
}

// HandleEvent implements exchange.Stage.
func (s *Block1Server) HandleEvent(exchange.Event) bool { return true }

// MigrateEndpoint implements exchange.Migrator.
func (s *Block1Server) MigrateEndpoint(from, to netip.AddrPort) {
	s.uploads.migrate(from, to)
	s.echoes.migrate(from, to)
}

// Uploads returns the number of request bodies being received.
func (s *Block1Server) Uploads() int { return s.uploads.len() }
