package blockwise

import (
	"encoding/binary"
	"hash/crc32"
	"log/slog"
	"net/netip"

	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/message"
	"github.com/mash-protocol/coap-go/pkg/worker"
)

// representation is a response body cached for later Block2 requests.
type representation struct {
	template *message.Message
	body     []byte
	szx      uint8
}

// block builds the response carrying block num at size szx.
func (r *representation) block(num uint32, szx uint8) (*message.Message, bool, error) {
	part, more, ok := slice(r.body, num, szx)
	if !ok {
		return nil, false, ErrBlockNumber
	}
	m := r.template.Clone()
	m.Payload = part
	if err := Set(&m.Options, message.Block2, Block{Num: num, More: more, SZX: szx}); err != nil {
		return nil, false, err
	}
	if num == 0 {
		_ = m.Options.SetUint(message.Size2, uint32(len(r.body)))
	} else {
		m.Options.Remove(message.Observe)
	}
	return m, more, nil
}

// Block2Server slices responses larger than the negotiated block size and
// serves follow-up Block2 requests from the cached body.
//
// The block size is the smallest of MaxBlockSize, the size asked for in the
// request's Block2 option and a Block2 hint set on the response itself.
type Block2Server struct {
	config Config
	link   exchange.Link
	logger *slog.Logger

	cache     *store[*representation]
	requested *store[Block]
}

var (
	_ exchange.Stage    = (*Block2Server)(nil)
	_ exchange.Binder   = (*Block2Server)(nil)
	_ exchange.Migrator = (*Block2Server)(nil)
)

// NewBlock2Server creates the stage.
func NewBlock2Server(pool *worker.Pool, config Config) *Block2Server {
	config = config.withDefaults()
	return &Block2Server{
		config:    config,
		logger:    config.Logger,
		cache:     newStore[*representation](pool, config.TransferLifetime),
		requested: newStore[Block](pool, config.TransferLifetime),
	}
}

// Bind implements exchange.Binder.
func (s *Block2Server) Bind(link exchange.Link) { s.link = link }

// HandleInbound answers follow-up Block2 requests from the cache. Other
// Block2 requests go up with the requested block remembered.
func (s *Block2Server) HandleInbound(env *exchange.Envelope) bool {
	m := env.Message
	if !m.IsRequest() {
		return true
	}
	b, has, err := Get(m.Options, message.Block2)
	if !has {
		return true
	}
	key := env.Key()
	if err != nil {
		s.link.SendDown(exchange.NewEnvelope(env.Endpoint, message.NewResponse(m, message.BadOption)))
		return false
	}

	if b.Num > 0 {
		if rep, ok := s.cache.get(key); ok {
			s.serve(env, rep, b)
			return false
		}
	}
	s.requested.put(key, b)
	return true
}

func (s *Block2Server) serve(env *exchange.Envelope, rep *representation, b Block) {
	key := env.Key()
	resp, more, err := rep.block(b.Num, min(b.SZX, rep.szx))
	if err != nil {
		resp = message.NewResponse(env.Message, message.BadOption)
	}
	resp.Token = key.Token
	if !more {
		s.cache.delete(key)
	}
	s.link.SendDown(exchange.NewEnvelope(env.Endpoint, resp))
}

// HandleOutbound slices large responses.
func (s *Block2Server) HandleOutbound(env *exchange.Envelope) bool {
	m := env.Message
	if !m.IsResponse() {
		return true
	}
	key := env.Key()

	szx := s.config.szx()
	req, asked := s.requested.take(key)
	if asked {
		szx = min(szx, req.SZX)
	}
	if hint, ok, err := Get(m.Options, message.Block2); ok {
		if err == nil {
			szx = min(szx, hint.SZX)
		}
		m.Options.Remove(message.Block2)
	}

	size := Block{SZX: szx}.Size()
	if len(m.Payload) <= size && (!asked || req.Num == 0) {
		if asked {
			_ = Set(&m.Options, message.Block2, Block{SZX: szx})
		}
		return true
	}

	template := &message.Message{Type: m.Type, Code: m.Code, Token: m.Token, Options: m.Options.Clone()}
	template.Options.Remove(message.Size2)
	if !template.Options.Has(message.ETag) {
		_ = template.Options.Set(message.ETag, message.OpaqueValue(etagOf(m.Payload)))
	}
	rep := &representation{template: template, body: m.Payload, szx: szx}

	var num uint32
	if asked {
		num = req.Num
	}
	out, more, err := rep.block(num, szx)
	if err != nil {
		s.logger.Debug("block2 out of range", "endpoint", env.Endpoint, "token", key.Token.String(), "block", num)
		resp := message.NewResponse(m, message.BadOption)
		resp.Type = m.Type
		env.Message = resp
		return true
	}
	out.Type = m.Type
	if more {
		s.cache.put(key, rep)
	} else {
		s.cache.delete(key)
	}
	env.Message = out
	return true
}

// etagOf derives an entity tag from the body.
func etagOf(body []byte) []byte {
	return binary.BigEndian.AppendUint32(nil, crc32.ChecksumIEEE(body))
}

// HandleEvent implements exchange.Stage.
func (s *Block2Server) HandleEvent(exchange.Event) bool { return true }

// MigrateEndpoint implements exchange.Migrator.
func (s *Block2Server) MigrateEndpoint(from, to netip.AddrPort) {
	s.cache.migrate(from, to)
	s.requested.migrate(from, to)
}

// Cached returns the number of representations held for follow-ups.
func (s *Block2Server) Cached() int { return s.cache.len() }
