package blockwise

import (
	"log/slog"
	"net/netip"
	"sync"

	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/message"
	"github.com/mash-protocol/coap-go/pkg/worker"
)

// upload is a request body being sent in Block1 blocks.
type upload struct {
	req  *message.Message
	body []byte
	szx  uint8
	num  uint32
}

// block builds the request carrying block num.
func (u *upload) block(num uint32) (*message.Message, error) {
	part, more, ok := slice(u.body, num, u.szx)
	if !ok {
		return nil, ErrUnexpectedBlock
	}
	m := &message.Message{
		Type:    u.req.Type,
		Code:    u.req.Code,
		Token:   u.req.Token,
		Options: u.req.Options.Clone(),
		Payload: part,
	}
	if err := Set(&m.Options, message.Block1, Block{Num: num, More: more, SZX: u.szx}); err != nil {
		return nil, err
	}
	if num == 0 {
		if err := m.Options.SetUint(message.Size1, uint32(len(u.body))); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Block1Client sends request bodies larger than MaxBlockSize in blocks. Each
// 2.31 Continue releases the next block; the final response is passed up.
type Block1Client struct {
	config Config
	link   exchange.Link
	logger *slog.Logger

	mu      sync.Mutex
	uploads *store[*upload]
}

var (
	_ exchange.Stage     = (*Block1Client)(nil)
	_ exchange.Binder    = (*Block1Client)(nil)
	_ exchange.Migrator  = (*Block1Client)(nil)
	_ exchange.Forgetter = (*Block1Client)(nil)
)

// NewBlock1Client creates the stage.
func NewBlock1Client(pool *worker.Pool, config Config) *Block1Client {
	config = config.withDefaults()
	return &Block1Client{
		config:  config,
		logger:  config.Logger,
		uploads: newStore[*upload](pool, config.TransferLifetime),
	}
}

// Bind implements exchange.Binder.
func (c *Block1Client) Bind(link exchange.Link) { c.link = link }

// HandleOutbound replaces a large request by its first block.
func (c *Block1Client) HandleOutbound(env *exchange.Envelope) bool {
	m := env.Message
	if !m.IsRequest() || len(m.Payload) <= c.config.MaxBlockSize || m.Options.Has(message.Block1) {
		return true
	}
	key := env.Key()

	if len(m.Payload) > c.config.MaxBodySize {
		c.fail(key, ErrBodyTooLarge)
		return false
	}

	u := &upload{req: m, body: m.Payload, szx: c.config.szx()}
	first, err := u.block(0)
	if err != nil {
		c.fail(key, err)
		return false
	}

	c.mu.Lock()
	c.uploads.put(key, u)
	c.mu.Unlock()

	env.Message = first
	return true
}

// HandleInbound advances uploads on 2.31 Continue.
func (c *Block1Client) HandleInbound(env *exchange.Envelope) bool {
	m := env.Message
	if !m.IsResponse() {
		return true
	}
	key := env.Key()

	c.mu.Lock()
	u, ok := c.uploads.get(key)
	if !ok {
		c.mu.Unlock()
		return true
	}

	b, has, err := Get(m.Options, message.Block1)
	switch {
	case m.Code == message.Continue:
		if !has || err != nil || b.Num != u.num {
			c.mu.Unlock()
			c.fail(key, ErrUnexpectedBlock)
			return false
		}
		sent := Block{Num: u.num, SZX: u.szx}
		offset := sent.Offset() + sent.Size()
		if offset >= len(u.body) {
			c.mu.Unlock()
			c.fail(key, ErrUnexpectedBlock)
			return false
		}
		u.szx = min(u.szx, b.SZX)
		u.num = uint32(offset / Block{SZX: u.szx}.Size())

	case m.Code == message.RequestEntityTooLarge && has && err == nil && u.num == 0 && b.SZX < u.szx:
		// The server asked for smaller blocks.
		u.szx = b.SZX

	default:
		c.uploads.delete(key)
		c.mu.Unlock()
		m.Options.Remove(message.Block1)
		return true
	}

	next, err := u.block(u.num)
	num := u.num
	if err == nil {
		c.uploads.put(key, u)
	}
	c.mu.Unlock()

	if err != nil {
		c.fail(key, err)
		return false
	}
	c.link.Emit(exchange.Event{
		Type:     exchange.EventBlockProgress,
		Role:     exchange.RoleClient,
		Endpoint: key.Endpoint,
		Token:    key.Token,
		Block:    num,
	})
	c.link.SendDown(exchange.NewEnvelope(key.Endpoint, next))
	return false
}

func (c *Block1Client) fail(key exchange.Key, err error) {
	c.uploads.delete(key)
	c.logger.Debug("block1 transfer failed", "endpoint", key.Endpoint, "token", key.Token.String(), "error", err)
	c.link.Emit(exchange.Event{
		Type:     exchange.EventTransferFailed,
		Role:     exchange.RoleClient,
		Endpoint: key.Endpoint,
		Token:    key.Token,
		Err:      err,
	})
}

// HandleEvent drops uploads of exchanges that ended.
func (c *Block1Client) HandleEvent(ev exchange.Event) bool {
	if ev.Role == exchange.RoleClient && ev.Type.Terminal() {
		c.uploads.delete(exchange.Key{Endpoint: ev.Endpoint, Token: ev.Token})
	}
	return true
}

// Forget implements exchange.Forgetter.
func (c *Block1Client) Forget(k exchange.Key) { c.uploads.delete(k) }

// MigrateEndpoint implements exchange.Migrator.
func (c *Block1Client) MigrateEndpoint(from, to netip.AddrPort) { c.uploads.migrate(from, to) }

// Uploads returns the number of request bodies in transit.
func (c *Block1Client) Uploads() int { return c.uploads.len() }
