package engine

import (
	"errors"
	"net/netip"
	"sync/atomic"

	"github.com/mash-protocol/coap-go/pkg/content"
	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/message"
	"github.com/mash-protocol/coap-go/pkg/observe"
)

// Server errors.
var (
	ErrAlreadyResponded = errors.New("request already answered")
	ErrNotResponse      = errors.New("message is not a response")
)

// Request is an inbound request handed to a Handler.
type Request struct {
	Message *message.Message
	Remote  netip.AddrPort

	engine    *Engine
	responded atomic.Bool
	code      atomic.Uint32
}

// Path returns the request's Uri-Path.
func (r *Request) Path() string { return r.Message.Options.Path() }

// Responded reports whether a response was sent.
func (r *Request) Responded() bool { return r.responded.Load() }

// Respond sends resp as the answer to r. The token is taken from the
// request; the reliability layer decides between a piggybacked and a
// separate response. Only the first call sends.
func (r *Request) Respond(resp *message.Message) error {
	if !resp.IsResponse() {
		return ErrNotResponse
	}
	if !r.responded.CompareAndSwap(false, true) {
		return ErrAlreadyResponded
	}
	resp.Token = r.Message.Token
	r.code.Store(uint32(resp.Code))
	r.engine.pipeline.Outbound(exchange.NewEnvelope(r.Remote, resp))
	return nil
}

// RespondWith answers with code and a payload in format.
func (r *Request) RespondWith(code message.Code, format content.Format, payload []byte) error {
	resp := message.NewResponse(r.Message, code)
	if payload != nil {
		_ = resp.Options.SetUint(message.ContentFormat, format)
		resp.Payload = payload
	}
	return r.Respond(resp)
}

func (r *Request) respondCode(code message.Code) {
	_ = r.Respond(message.NewResponse(r.Message, code))
}

func (r *Request) responseCode() message.Code { return message.Code(r.code.Load()) }

// Handle registers h for path.
func (e *Engine) Handle(path string, h Handler) error {
	return e.mux.Handle(path, h)
}

// HandleFunc registers f for path.
func (e *Engine) HandleFunc(path string, f func(req *Request)) error {
	return e.mux.Handle(path, HandlerFunc(f))
}

// Unhandle removes the handler for path. Observable resources are removed
// with DeregisterObservable.
func (e *Engine) Unhandle(path string) bool {
	if e.mux.isObservable(path) {
		return false
	}
	return e.mux.Remove(path)
}

// Mux returns the engine's request router.
func (e *Engine) Mux() *ServeMux { return e.mux }

func (e *Engine) serve(req *Request) {
	path := req.Path()
	h, ok := e.mux.Handler(path)
	if !ok {
		if path == WellKnownCore {
			h = HandlerFunc(e.serveWellKnown)
		} else {
			h = HandlerFunc(func(req *Request) { req.respondCode(message.NotFound) })
		}
	}

	run := func() (code message.Code) {
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("handler panicked", "path", path, "panic", p)
				req.respondCode(message.InternalServerError)
			}
			code = req.responseCode()
		}()
		h.ServeCoAP(req)
		return
	}
	if e.metrics != nil {
		e.metrics.ObserveRequest(req.Message.Code, run)
		return
	}
	run()
}

func (e *Engine) serveWellKnown(req *Request) {
	if req.Message.Code != message.GET {
		req.respondCode(message.MethodNotAllowed)
		return
	}
	_ = req.RespondWith(message.Content, content.LinkFormat, []byte(e.mux.Links()))
}

type observable struct {
	res observe.Resource
}

func (o observable) ServeCoAP(req *Request) {
	m := req.Message
	if m.Code != message.GET && m.Code != message.FETCH {
		req.respondCode(message.MethodNotAllowed)
		return
	}
	accept, hasAccept := m.Options.Accept()
	format, ok := content.Negotiate(accept, hasAccept, o.res.Formats())
	if !ok {
		req.respondCode(message.NotAcceptable)
		return
	}
	body, err := o.res.Render(format)
	if err != nil {
		req.engine.logger.Warn("render failed", "path", o.res.Path(), "error", err)
		req.respondCode(message.InternalServerError)
		return
	}
	resp := message.NewResponse(m, message.Content)
	_ = resp.Options.SetUint(message.ContentFormat, format)
	if ma, ok := o.res.(observe.MaxAger); ok && ma.MaxAge() > 0 {
		_ = resp.Options.SetUint(message.MaxAge, ma.MaxAge())
	}
	resp.Payload = body
	_ = req.Respond(resp)
}

// RegisterObservable serves res at its path and lets clients observe it.
// GET and FETCH render the format negotiated from Accept, or 4.06 when the
// resource cannot produce it.
func (e *Engine) RegisterObservable(res observe.Resource) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.registry.Register(res); err != nil {
		return err
	}
	if err := e.mux.add(cleanPath(res.Path()), route{handler: observable{res: res}, resource: res}); err != nil {
		_ = e.registry.Deregister(res.Path())
		return err
	}
	e.logResource(res.Path(), "", "OBSERVABLE")
	return nil
}

// DeregisterObservable removes the resource at path. Its observers receive
// a final 4.04.
func (e *Engine) DeregisterObservable(path string) error {
	if err := e.registry.Deregister(path); err != nil {
		return err
	}
	e.mux.Remove(path)
	e.logResource(path, "OBSERVABLE", "REMOVED")
	return nil
}

// NotifyChanged reports a state change of the resource at path; every
// observer receives a fresh notification.
func (e *Engine) NotifyChanged(path string) error {
	return e.registry.StatusChanged(path)
}

// Observers returns the observers of the resource at path.
func (e *Engine) Observers(path string) []observe.Observer {
	return e.registry.Observers(path)
}
