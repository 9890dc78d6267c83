package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mash-protocol/coap-go/pkg/content"
	"github.com/mash-protocol/coap-go/pkg/discovery"
	"github.com/mash-protocol/coap-go/pkg/engine"
	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/message"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// Options are the per-request settings.
type Options struct {
	// Accept is sent as the Accept option when HasAccept is set.
	Accept    content.Format
	HasAccept bool

	// Format is the content format of request payloads.
	Format content.Format

	// NonConfirmable sends requests as NON.
	NonConfirmable bool

	// Timeout bounds a request. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Client issues requests through an engine.
type Client struct {
	engine   *engine.Engine
	resolver Resolver
	browser  discovery.Browser

	// Options apply to every request.
	Options Options
}

// New creates a client on e. A nil resolver uses net.DefaultResolver; a nil
// browser disables discovery.
func New(e *engine.Engine, r Resolver, b discovery.Browser) *Client {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Client{engine: e, resolver: r, browser: b, Options: Options{Format: content.TextPlain}}
}

// Target resolves raw.
func (c *Client) Target(ctx context.Context, raw string) (Target, error) {
	return ParseTarget(ctx, c.resolver, raw)
}

func (c *Client) newRequest(code message.Code, t Target, payload []byte) (*message.Message, error) {
	req, err := message.NewRequest(code, t.Path)
	if err != nil {
		return nil, err
	}
	if c.Options.NonConfirmable {
		req.Type = message.NonConfirmable
	}
	for _, q := range t.Queries {
		if err := req.Options.AddQuery(q); err != nil {
			return nil, err
		}
	}
	if c.Options.HasAccept {
		if err := req.Options.SetUint(message.Accept, c.Options.Accept); err != nil {
			return nil, err
		}
	}
	if payload != nil {
		if err := req.Options.SetUint(message.ContentFormat, c.Options.Format); err != nil {
			return nil, err
		}
		req.Payload = payload
	}
	return req, nil
}

func (c *Client) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	d := c.Options.Timeout
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}

// Request sends one request and waits for its response.
func (c *Client) Request(ctx context.Context, code message.Code, raw string, payload []byte) (*message.Message, error) {
	ctx, cancel := c.timeout(ctx)
	defer cancel()

	t, err := c.Target(ctx, raw)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(code, t, payload)
	if err != nil {
		return nil, err
	}
	return c.engine.Do(ctx, t.Addr, req)
}

// Observe registers an observation of raw and calls fn for every
// notification until ctx is done or the server ends the observation.
func (c *Client) Observe(ctx context.Context, raw string, fn func(*message.Message)) error {
	resolveCtx, cancel := c.timeout(ctx)
	t, err := c.Target(resolveCtx, raw)
	cancel()
	if err != nil {
		return err
	}
	req, err := c.newRequest(message.GET, t, nil)
	if err != nil {
		return err
	}
	if err := req.Options.SetUint(message.Observe, 0); err != nil {
		return err
	}

	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}
	cb := exchange.CallbackFunc(func(ev exchange.Event) {
		switch ev.Type {
		case exchange.EventResponse:
			fn(ev.Message)
			if !ev.Message.IsNotification() {
				finish(nil)
			}
		case exchange.EventReset:
			finish(engine.ErrReset)
		case exchange.EventTimeout:
			finish(engine.ErrTimeout)
		case exchange.EventTransferFailed:
			finish(fmt.Errorf("%w: %w", engine.ErrTransferFailed, ev.Err))
		case exchange.EventError:
			finish(ev.Err)
		}
	})

	tok, err := c.engine.SendRequest(t.Addr, req, cb)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		c.engine.CancelObservation(t.Addr, tok)
		return err
	case <-ctx.Done():
		c.engine.CancelObservation(t.Addr, tok)
		return nil
	}
}

// Ping sends a CoAP ping to raw and returns the round-trip time.
func (c *Client) Ping(ctx context.Context, raw string) (time.Duration, error) {
	ctx, cancel := c.timeout(ctx)
	defer cancel()

	t, err := c.Target(ctx, raw)
	if err != nil {
		return 0, err
	}
	done := make(chan error, 1)
	start := time.Now()
	cb := exchange.CallbackFunc(func(ev exchange.Event) {
		var err error
		switch ev.Type {
		case exchange.EventReset, exchange.EventAcknowledged:
		case exchange.EventTimeout:
			err = engine.ErrTimeout
		case exchange.EventError:
			err = ev.Err
		default:
			return
		}
		select {
		case done <- err:
		default:
		}
	})
	if err := c.engine.Ping(t.Addr, cb); err != nil {
		return 0, err
	}
	select {
	case err := <-done:
		return time.Since(start), err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Discover browses for CoAP endpoints for the given duration.
func (c *Client) Discover(ctx context.Context, d time.Duration, fn func(*discovery.Service)) error {
	if c.browser == nil {
		return fmt.Errorf("discovery disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	services, err := c.browser.Browse(ctx)
	if err != nil {
		return err
	}
	for svc := range services {
		fn(svc)
	}
	return nil
}

// FormatService renders a discovered endpoint on one line.
func FormatService(svc *discovery.Service) string {
	var addrs []string
	for _, ap := range svc.AddrPorts() {
		addrs = append(addrs, ap.String())
	}
	s := fmt.Sprintf("%s (%s) %s", svc.Instance, svc.Host, strings.Join(addrs, " "))
	if len(svc.Info.Observable) > 0 {
		s += " obs=" + strings.Join(svc.Info.Observable, ",")
	}
	return s
}

// ReadPayload returns arg, or the contents of the file it names when it
// starts with '@'. An empty arg means no payload.
func ReadPayload(arg string) ([]byte, error) {
	if arg == "" {
		return nil, nil
	}
	if name, ok := strings.CutPrefix(arg, "@"); ok {
		return os.ReadFile(name)
	}
	return []byte(arg), nil
}
