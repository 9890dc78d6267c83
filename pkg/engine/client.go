package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/message"
	"github.com/mash-protocol/coap-go/pkg/token"
)

// Client errors.
var (
	ErrNotRequest     = errors.New("message is not a request")
	ErrReset          = errors.New("exchange reset by peer")
	ErrTimeout        = errors.New("exchange timed out")
	ErrTransferFailed = errors.New("blockwise transfer failed")
)

var noCallback = exchange.CallbackFunc(func(exchange.Event) {})

// SendRequest sends req to remote and routes its lifecycle events to cb.
// A token is allocated unless req carries one. A token that is still live
// for remote is rejected with dispatch.ErrTokenInUse.
func (e *Engine) SendRequest(remote netip.AddrPort, req *message.Message, cb exchange.Callback) (token.Token, error) {
	if e.closed.Load() {
		return token.Empty, ErrClosed
	}
	if !req.IsRequest() {
		return token.Empty, ErrNotRequest
	}
	if cb == nil {
		cb = noCallback
	}

	owned := false
	if req.Token.IsEmpty() {
		tok, err := e.tokens.Allocate()
		if err != nil {
			return token.Empty, err
		}
		req.Token, owned = tok, true
	}

	key := exchange.Key{Endpoint: remote, Token: req.Token}
	if owned {
		e.ownedMu.Lock()
		e.owned[key] = struct{}{}
		e.ownedMu.Unlock()
	}
	if err := e.dispatcher.Register(remote, req.Token, cb, req); err != nil {
		if owned {
			e.ownedMu.Lock()
			delete(e.owned, key)
			e.ownedMu.Unlock()
			_ = e.tokens.Release(req.Token)
		}
		return token.Empty, err
	}

	e.pipeline.Outbound(exchange.NewEnvelope(remote, req))
	return req.Token, nil
}

// Ping sends an empty confirmable message. The peer's reset arrives on cb
// as EventReset. Only one ping per remote can be outstanding.
func (e *Engine) Ping(remote netip.AddrPort, cb exchange.Callback) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if cb == nil {
		cb = noCallback
	}
	// A peer answering with an empty ACK instead of a reset ends the
	// exchange as well.
	wrapped := exchange.CallbackFunc(func(ev exchange.Event) {
		if ev.Type == exchange.EventAcknowledged {
			e.dispatcher.Cancel(remote, token.Empty)
		}
		cb.HandleEvent(ev)
	})
	if err := e.dispatcher.Register(remote, token.Empty, wrapped, nil); err != nil {
		return err
	}
	e.pipeline.Outbound(exchange.NewEnvelope(remote, message.NewEmpty(message.Confirmable, 0)))
	return nil
}

// CancelObservation forgets the observation identified by tok. Later
// notifications for it are answered with a reset, which ends the
// observation on the server.
func (e *Engine) CancelObservation(remote netip.AddrPort, tok token.Token) bool {
	return e.dispatcher.Cancel(remote, tok)
}

// Do sends req and waits for its final response. For an observe request
// the first notification is returned and the observation is cancelled.
func (e *Engine) Do(ctx context.Context, remote netip.AddrPort, req *message.Message) (*message.Message, error) {
	type result struct {
		m   *message.Message
		err error
	}
	done := make(chan result, 1)
	finish := func(r result) {
		select {
		case done <- r:
		default:
		}
	}

	cb := exchange.CallbackFunc(func(ev exchange.Event) {
		switch ev.Type {
		case exchange.EventResponse:
			finish(result{m: ev.Message})
		case exchange.EventReset:
			finish(result{err: ErrReset})
		case exchange.EventTimeout:
			finish(result{err: ErrTimeout})
		case exchange.EventTransferFailed:
			finish(result{err: fmt.Errorf("%w: %w", ErrTransferFailed, ev.Err)})
		case exchange.EventError:
			finish(result{err: ev.Err})
		}
	})

	tok, err := e.SendRequest(remote, req, cb)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		e.dispatcher.Cancel(remote, tok)
		return r.m, r.err
	case <-ctx.Done():
		e.dispatcher.Cancel(remote, tok)
		return nil, ctx.Err()
	}
}
