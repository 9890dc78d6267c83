package observe

import (
	"github.com/mash-protocol/coap-go/pkg/blockwise"
	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/message"
)

// StatusChanged notifies every active observer of path. With a debounce
// window configured, changes inside the window produce one fan-out.
func (r *Registry) StatusChanged(path string) error {
	if r.config.Debounce <= 0 {
		return r.notify(path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.resources[path]
	if !ok {
		return ErrUnknownResource
	}
	// A timer already running may still notify; a second fan-out is
	// harmless.
	e.debounce.Stop()
	e.debounce = r.pool.AfterFunc(r.config.Debounce, func() {
		if err := r.notify(path); err != nil {
			r.logger.Debug("debounced notification dropped", "path", path, "error", err)
		}
	})
	return nil
}

type target struct {
	o      *observer
	format uint32
}

func (r *Registry) notify(path string) error {
	r.mu.RLock()
	e, ok := r.resources[path]
	if !ok {
		r.mu.RUnlock()
		return ErrUnknownResource
	}
	res := e.res
	var targets []target
	for _, o := range e.observers {
		if o.active {
			targets = append(targets, target{o: o, format: o.format})
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	// One rendering per distinct format.
	type rendering struct {
		body []byte
		err  error
	}
	renders := make(map[uint32]rendering)
	for _, t := range targets {
		if _, done := renders[t.format]; done {
			continue
		}
		body, err := res.Render(t.format)
		renders[t.format] = rendering{body: body, err: err}
	}

	var maxAge uint32
	if ma, ok := res.(MaxAger); ok {
		maxAge = ma.MaxAge()
	}
	policy, _ := res.(NotificationPolicy)

	for _, t := range targets {
		rd := renders[t.format]
		if rd.err != nil {
			r.renderFailed(t.o, rd.err)
			continue
		}
		r.send(t.o, t.format, rd.body, maxAge, policy)
	}
	return nil
}

func (r *Registry) renderFailed(o *observer, err error) {
	r.mu.Lock()
	live := r.observers[o.key] == o
	if live {
		r.removeLocked(o.key)
	}
	r.mu.Unlock()
	if !live {
		return
	}

	r.logger.Warn("render failed", "path", o.res.res.Path(), "endpoint", o.key.Endpoint, "error", err)
	m := &message.Message{Type: message.NonConfirmable, Code: message.InternalServerError, Token: o.key.Token}
	r.link.SendDown(exchange.NewEnvelope(o.key.Endpoint, m))
}

func (r *Registry) send(o *observer, format uint32, body []byte, maxAge uint32, policy NotificationPolicy) {
	r.mu.Lock()
	if r.observers[o.key] != o {
		r.mu.Unlock()
		return
	}
	o.seq = (o.seq + 1) & seqMask
	o.count++
	seq := o.seq
	key := o.key
	confirmable := r.config.ConfirmableEvery > 0 && o.count%r.config.ConfirmableEvery == 0
	if policy != nil {
		confirmable = policy.Confirmable(seq)
	}
	blockSize := r.config.MaxBlockSize
	if o.hasBlock {
		blockSize = blockwise.Block{SZX: o.szx}.Size()
	}
	swap := o.inFlight && o.hasMID && len(body) <= blockSize && r.updater != nil
	lastMID := o.lastMID
	szx, hasBlock := o.szx, o.hasBlock
	r.mu.Unlock()

	m := &message.Message{Type: message.NonConfirmable, Code: message.Content, Token: key.Token, Payload: body}
	if confirmable {
		m.Type = message.Confirmable
	}
	_ = m.Options.SetUint(message.Observe, seq)
	_ = m.Options.SetUint(message.ContentFormat, format)
	if maxAge > 0 {
		// The default Max-Age is implied by absence.
		_ = m.Options.SetUint(message.MaxAge, maxAge)
	}
	if hasBlock {
		_ = blockwise.Set(&m.Options, message.Block2, blockwise.Block{SZX: szx})
	}

	if swap && r.updater.UpdateInFlight(key.Endpoint, lastMID, m) {
		return
	}
	r.link.SendDown(exchange.NewEnvelope(key.Endpoint, m))
}
