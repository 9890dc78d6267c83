package blockwise

import (
	"bytes"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/message"
	"github.com/mash-protocol/coap-go/pkg/worker"
)

// followUp is the request a Block2 continuation is derived from.
type followUp struct {
	msg *message.Message
	szx uint8
}

// download is a Block2 response being reassembled.
type download struct {
	first   *message.Message
	body    []byte
	etag    []byte
	hasETag bool
	szx     uint8
}

// Block2Client reassembles block-wise responses. On a block with More set it
// re-issues the exchange's latest request for the next block; the final
// block is delivered upward as one response carrying the options of block 0
// and the whole body.
type Block2Client struct {
	config Config
	link   exchange.Link
	logger *slog.Logger

	mu        sync.Mutex
	templates *store[*followUp]
	downloads *store[*download]
}

var (
	_ exchange.Stage     = (*Block2Client)(nil)
	_ exchange.Binder    = (*Block2Client)(nil)
	_ exchange.Migrator  = (*Block2Client)(nil)
	_ exchange.Forgetter = (*Block2Client)(nil)
)

// NewBlock2Client creates the stage. Idle downloads expire on pool timers.
func NewBlock2Client(pool *worker.Pool, config Config) *Block2Client {
	config = config.withDefaults()
	return &Block2Client{
		config:    config,
		logger:    config.Logger,
		templates: newStore[*followUp](pool, 0),
		downloads: newStore[*download](pool, config.TransferLifetime),
	}
}

// Bind implements exchange.Binder.
func (c *Block2Client) Bind(link exchange.Link) { c.link = link }

// HandleOutbound remembers every request as the template for follow-ups.
func (c *Block2Client) HandleOutbound(env *exchange.Envelope) bool {
	m := env.Message
	if !m.IsRequest() {
		return true
	}

	t := &followUp{
		msg: &message.Message{Type: m.Type, Code: m.Code, Token: m.Token, Options: m.Options.Clone()},
		szx: c.config.szx(),
	}
	if b, ok, err := Get(m.Options, message.Block2); ok && err == nil {
		t.szx = min(t.szx, b.SZX)
	}
	for _, n := range []message.OptionNumber{message.Block1, message.Block2, message.Observe, message.Size1, message.ContentFormat} {
		t.msg.Options.Remove(n)
	}
	c.templates.put(env.Key(), t)
	return true
}

// HandleInbound collects response blocks.
func (c *Block2Client) HandleInbound(env *exchange.Envelope) bool {
	m := env.Message
	if !m.IsResponse() {
		return true
	}
	key := env.Key()

	b, ok, err := Get(m.Options, message.Block2)
	if !ok {
		c.downloads.delete(key)
		return true
	}
	if err != nil {
		c.fail(key, m.MessageID, err)
		return false
	}

	if b.Num == 0 {
		if !b.More {
			c.downloads.delete(key)
			m.Options.Remove(message.Block2)
			m.Options.Remove(message.Size2)
			return true
		}
		return c.start(env, b)
	}

	c.mu.Lock()
	d, ok := c.downloads.get(key)
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("block without transfer", "endpoint", env.Endpoint, "token", key.Token.String(), "block", b.String())
		env.Reject()
		return false
	}

	etag, hasETag := m.Options.ETag()
	switch {
	case hasETag && d.hasETag && !bytes.Equal(etag, d.etag):
		c.mu.Unlock()
		c.fail(key, m.MessageID, ErrETagMismatch)
		return false
	case b.Offset() < len(d.body):
		// Duplicate of a block already received.
		c.mu.Unlock()
		return false
	case b.Offset() > len(d.body):
		c.mu.Unlock()
		c.fail(key, m.MessageID, ErrUnexpectedBlock)
		return false
	case len(d.body)+len(m.Payload) > c.config.MaxBodySize:
		c.mu.Unlock()
		c.fail(key, m.MessageID, ErrBodyTooLarge)
		return false
	}
	if hasETag && !d.hasETag {
		d.etag, d.hasETag = etag, true
	}
	d.body = append(d.body, m.Payload...)
	d.szx = min(d.szx, b.SZX)

	if b.More {
		c.downloads.put(key, d)
		c.mu.Unlock()
		c.requestNext(key, m.MessageID, d)
		return false
	}

	c.downloads.delete(key)
	c.mu.Unlock()

	out := d.first
	out.Type = m.Type
	out.MessageID = m.MessageID
	out.Payload = d.body
	env.Message = out
	return true
}

// start begins (or restarts, for a newer notification) a download.
func (c *Block2Client) start(env *exchange.Envelope, b Block) bool {
	m := env.Message
	key := env.Key()

	if size2, ok := m.Options.Uint(message.Size2); ok && int(size2) > c.config.MaxBodySize {
		c.fail(key, m.MessageID, ErrBodyTooLarge)
		return false
	}

	first := &message.Message{Type: m.Type, Code: m.Code, Token: m.Token, Options: m.Options.Clone()}
	first.Options.Remove(message.Block2)
	first.Options.Remove(message.Size2)

	d := &download{first: first, body: append([]byte(nil), m.Payload...), szx: b.SZX}
	d.etag, d.hasETag = m.Options.ETag()
	if t, ok := c.templates.get(key); ok {
		d.szx = min(d.szx, t.szx)
	}

	c.mu.Lock()
	c.downloads.put(key, d)
	c.mu.Unlock()

	c.requestNext(key, m.MessageID, d)
	return false
}

func (c *Block2Client) requestNext(key exchange.Key, mid uint16, d *download) {
	t, ok := c.templates.get(key)
	if !ok {
		c.fail(key, mid, ErrUnexpectedBlock)
		return
	}

	c.mu.Lock()
	size := Block{SZX: d.szx}.Size()
	aligned := len(d.body)%size == 0
	next := Block{Num: uint32(len(d.body) / size), SZX: d.szx}
	c.mu.Unlock()

	if !aligned {
		c.fail(key, mid, ErrUnexpectedBlock)
		return
	}

	req := t.msg.Clone()
	if err := Set(&req.Options, message.Block2, next); err != nil {
		c.fail(key, mid, err)
		return
	}

	c.link.Emit(exchange.Event{
		Type:     exchange.EventBlockProgress,
		Role:     exchange.RoleClient,
		Endpoint: key.Endpoint,
		Token:    key.Token,
		Block:    next.Num,
	})
	c.link.SendDown(exchange.NewEnvelope(key.Endpoint, req))
}

func (c *Block2Client) fail(key exchange.Key, mid uint16, err error) {
	c.downloads.delete(key)
	c.logger.Debug("block2 transfer failed", "endpoint", key.Endpoint, "token", key.Token.String(), "error", err)
	c.link.Emit(exchange.Event{
		Type:      exchange.EventTransferFailed,
		Role:      exchange.RoleClient,
		Endpoint:  key.Endpoint,
		Token:     key.Token,
		MessageID: mid,
		Err:       err,
	})
}

// HandleEvent drops downloads of exchanges that ended.
func (c *Block2Client) HandleEvent(ev exchange.Event) bool {
	if ev.Role == exchange.RoleClient && ev.Type.Terminal() {
		c.downloads.delete(exchange.Key{Endpoint: ev.Endpoint, Token: ev.Token})
	}
	return true
}

// Forget implements exchange.Forgetter.
func (c *Block2Client) Forget(k exchange.Key) {
	c.templates.delete(k)
	c.downloads.delete(k)
}

// MigrateEndpoint implements exchange.Migrator.
func (c *Block2Client) MigrateEndpoint(from, to netip.AddrPort) {
	c.templates.migrate(from, to)
	c.downloads.migrate(from, to)
}

// Downloads returns the number of responses being reassembled.
func (c *Block2Client) Downloads() int { return c.downloads.len() }
