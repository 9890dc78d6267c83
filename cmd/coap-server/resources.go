package main

import (
	"context"
	"sync"
	"time"

	"github.com/mash-protocol/coap-go/pkg/content"
	"github.com/mash-protocol/coap-go/pkg/engine"
	"github.com/mash-protocol/coap-go/pkg/message"
	"github.com/mash-protocol/coap-go/pkg/observe"
)

const (
	helloText = "Hello, CoAP!"
	largeSize = 4096
)

// clock is the observable /time resource.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

type timeBody struct {
	Time string `json:"time" cbor:"1,keyasint"`
	Unix int64  `json:"unix" cbor:"2,keyasint"`
}

var _ observe.MaxAger = (*clock)(nil)

func newClock(now time.Time) *clock { return &clock{now: now} }

func (c *clock) Path() string { return "/time" }

func (c *clock) Formats() []uint32 {
	return []uint32{content.TextPlain, content.JSON, content.CBOR}
}

func (c *clock) Render(format uint32) ([]byte, error) {
	c.mu.Lock()
	now := c.now
	c.mu.Unlock()

	if format == content.TextPlain {
		return content.Marshal(format, now.UTC().Format(time.RFC3339))
	}
	return content.Marshal(format, timeBody{Time: now.UTC().Format(time.RFC3339), Unix: now.Unix()})
}

// MaxAge keeps caches from serving a stale time.
func (c *clock) MaxAge() uint32 { return 1 }

func (c *clock) set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// run advances the clock every interval and notifies its observers.
func (c *clock) run(ctx context.Context, interval time.Duration, notify func(path string) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			c.set(now)
			if err := notify(c.Path()); err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}

func hello(req *engine.Request) {
	if req.Message.Code != message.GET {
		_ = req.Respond(message.NewResponse(req.Message, message.MethodNotAllowed))
		return
	}
	_ = req.RespondWith(message.Content, content.TextPlain, []byte(helloText))
}

// largeBody is served from /large and always needs several blocks.
func largeBody() []byte {
	b := make([]byte, largeSize)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func large(body []byte) engine.HandlerFunc {
	return func(req *engine.Request) {
		if req.Message.Code != message.GET {
			_ = req.Respond(message.NewResponse(req.Message, message.MethodNotAllowed))
			return
		}
		_ = req.RespondWith(message.Content, content.OctetStream, body)
	}
}

// echo answers POST and PUT with the request body in its content format.
func echo(req *engine.Request) {
	switch req.Message.Code {
	case message.POST, message.PUT:
	default:
		_ = req.Respond(message.NewResponse(req.Message, message.MethodNotAllowed))
		return
	}
	format, ok := req.Message.Options.ContentFormat()
	if !ok {
		format = content.OctetStream
	}
	payload := req.Message.Payload
	if payload == nil {
		payload = []byte{}
	}
	_ = req.RespondWith(message.Changed, format, payload)
}

// register installs the demo resources on e.
func register(e *engine.Engine, c *clock) error {
	if err := e.HandleFunc("/hello", hello); err != nil {
		return err
	}
	if err := e.Handle("/large", large(largeBody())); err != nil {
		return err
	}
	if err := e.HandleFunc("/echo", echo); err != nil {
		return err
	}
	return e.RegisterObservable(c)
}
