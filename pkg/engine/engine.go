package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mash-protocol/coap-go/pkg/blockwise"
	"github.com/mash-protocol/coap-go/pkg/dispatch"
	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/log"
	"github.com/mash-protocol/coap-go/pkg/message"
	"github.com/mash-protocol/coap-go/pkg/metrics"
	"github.com/mash-protocol/coap-go/pkg/observe"
	"github.com/mash-protocol/coap-go/pkg/reliability"
	"github.com/mash-protocol/coap-go/pkg/token"
	"github.com/mash-protocol/coap-go/pkg/transport"
	"github.com/mash-protocol/coap-go/pkg/worker"
)

// Engine errors.
var (
	ErrClosed         = errors.New("engine closed")
	ErrAlreadyStarted = errors.New("engine already started")
)

// Engine is one CoAP endpoint acting as client and server.
type Engine struct {
	config    Config
	id        string
	transport transport.Transport
	logger    *slog.Logger
	plog      log.Logger
	metrics   *metrics.Metrics

	pool        *worker.Pool
	tokens      *token.Factory
	reliability *reliability.Stage
	registry    *observe.Registry
	dispatcher  *dispatch.Dispatcher
	pipeline    *exchange.Pipeline
	mux         *ServeMux

	// Tokens allocated by the factory, released when their exchange ends.
	ownedMu sync.Mutex
	owned   map[exchange.Key]struct{}

	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var (
	_ exchange.Sink = (*Engine)(nil)
	_ exchange.Top  = (*Engine)(nil)
)

// New assembles an engine over t. Call Start to begin receiving.
func New(t transport.Transport, config Config) *Engine {
	config = config.withDefaults()

	e := &Engine{
		config:    config,
		id:        uuid.NewString(),
		transport: t,
		logger:    config.Logger,
		plog:      config.ProtocolLogger,
		metrics:   config.Metrics,
		tokens:    config.Tokens,
		mux:       NewServeMux(),
		owned:     make(map[exchange.Key]struct{}),
	}
	if e.tokens == nil {
		e.tokens = token.NewFactory(config.Token)
	}

	e.pool = worker.New(config.Workers)
	e.reliability = reliability.NewStage(e.pool, config.Reliability)
	e.registry = observe.NewRegistry(e.pool, e.reliability, config.Observe)
	e.dispatcher = dispatch.New(e.pool, dispatch.Config{Logger: config.Logger})
	e.dispatcher.OnRelease(e.release)

	// Bottom first.
	stages := []exchange.Stage{
		e.reliability,
		blockwise.NewBlock2Client(e.pool, config.Blockwise),
		blockwise.NewBlock1Client(e.pool, config.Blockwise),
		blockwise.NewBlock1Server(e.pool, config.Blockwise),
		blockwise.NewBlock2Server(e.pool, config.Blockwise),
		e.registry,
	}
	if e.metrics != nil {
		stages = append(stages, metrics.NewStage(e.metrics))
	}
	stages = append(stages, &eventLog{e: e}, e.dispatcher)
	e.pipeline = exchange.NewPipeline(e, e, stages...)

	return e
}

// ID returns the session ID stamped on protocol log events.
func (e *Engine) ID() string { return e.id }

// LocalAddr returns the transport's local address.
func (e *Engine) LocalAddr() netip.AddrPort { return e.transport.LocalAddr() }

// Start begins receiving datagrams and sweeping expired state. It returns
// immediately; the engine runs until ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Go(func() {
		if err := e.transport.Serve(ctx, e.receive); err != nil {
			e.logger.Error("transport stopped", "error", err)
		}
	})
	e.wg.Go(func() { e.sweep(ctx) })

	e.logger.Info("engine started", "local", e.transport.LocalAddr(), "session", e.id)
	e.logState("IDLE", "RUNNING", "")
	return nil
}

// Close deregisters observable resources, drains pending work and closes
// the transport. It is safe to call more than once.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Observers get their final 4.04 before the pool drains.
	for _, path := range e.mux.Observables() {
		_ = e.DeregisterObservable(path)
	}
	e.registry.Close()
	e.pool.Stop()

	if e.cancel != nil {
		e.cancel()
	}
	err := e.transport.Close()
	e.wg.Wait()

	e.logState("RUNNING", "CLOSED", "")
	e.logger.Info("engine closed", "session", e.id)
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

// MigrateEndpoint moves every exchange and observation from old to new,
// e.g. after a NAT rebinding.
func (e *Engine) MigrateEndpoint(old, new netip.AddrPort) {
	if old == new {
		return
	}
	for _, s := range e.pipeline.Stages() {
		if m, ok := s.(exchange.Migrator); ok {
			m.MigrateEndpoint(old, new)
		}
	}

	e.ownedMu.Lock()
	for k := range e.owned {
		if k.Endpoint == old {
			delete(e.owned, k)
			e.owned[exchange.Key{Endpoint: new, Token: k.Token}] = struct{}{}
		}
	}
	e.ownedMu.Unlock()

	e.logger.Debug("endpoint migrated", "from", old, "to", new)
}

func (e *Engine) sweep(ctx context.Context) {
	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reliability.Sweep()
			if e.metrics != nil {
				e.metrics.SetObservers(e.registry.Len())
			}
		}
	}
}

// release ends client-side state for a finished exchange.
func (e *Engine) release(k exchange.Key) {
	for _, s := range e.pipeline.Stages() {
		if f, ok := s.(exchange.Forgetter); ok {
			f.Forget(k)
		}
	}

	e.ownedMu.Lock()
	_, owned := e.owned[k]
	delete(e.owned, k)
	e.ownedMu.Unlock()
	if owned {
		if err := e.tokens.Release(k.Token); err != nil {
			e.logger.Debug("token release failed", "token", k.Token.String(), "error", err)
		}
	}
}

// receive is the transport handler.
func (e *Engine) receive(from netip.AddrPort, data []byte) {
	e.logDatagram(log.DirectionIn, from, data)

	m, err := message.Decode(data)
	if err != nil {
		e.decodeFailed(from, m, err)
		return
	}
	if e.metrics != nil {
		e.metrics.ObserveMessage(metrics.In, m, len(data))
	}
	e.logMessage(log.DirectionIn, from, m)

	e.pipeline.Inbound(exchange.NewEnvelope(from, m))
}

func (e *Engine) decodeFailed(from netip.AddrPort, m *message.Message, err error) {
	e.logger.Debug("datagram rejected", "from", from, "error", err)
	e.logError(log.LayerMessage, from, err, "decode")

	var bo *message.BadOptionError
	if errors.As(err, &bo) && m != nil {
		if e.metrics != nil {
			e.metrics.ObserveDecodeError("option")
		}
		resp := message.NewResponse(m, message.BadOption)
		resp.Payload = []byte(bo.Error())
		if m.Type == message.Confirmable {
			resp.Type, resp.MessageID = message.Acknowledgement, m.MessageID
		} else {
			resp.Type = message.NonConfirmable
		}
		e.pipeline.Outbound(exchange.NewEnvelope(from, resp))
		return
	}

	kind := "format"
	var he *message.HeaderError
	if errors.As(err, &he) {
		kind = "header"
	}
	if e.metrics != nil {
		e.metrics.ObserveDecodeError(kind)
	}

	mid, typ, ok := message.ResetTarget(err)
	if !ok || typ == message.Reset {
		return
	}
	e.pipeline.Outbound(exchange.NewEnvelope(from, message.NewEmpty(message.Reset, mid)))
}

// Transmit implements exchange.Sink.
func (e *Engine) Transmit(env *exchange.Envelope) {
	m := env.Message
	data, err := message.Encode(m)
	if err != nil {
		e.logger.Warn("encode failed", "to", env.Endpoint, "error", err)
		e.fail(env, err)
		return
	}

	send := func() { e.send(env, data) }
	if err := e.pool.Submit(send); err != nil {
		if errors.Is(err, worker.ErrStopped) {
			return
		}
		send()
	}
}

func (e *Engine) send(env *exchange.Envelope, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.SendTimeout)
	defer cancel()

	if err := e.transport.Send(ctx, env.Endpoint, data); err != nil {
		e.logger.Warn("send failed", "to", env.Endpoint, "error", err)
		e.logError(log.LayerTransport, env.Endpoint, err, "send")
		e.fail(env, err)
		return
	}
	if e.metrics != nil {
		e.metrics.ObserveMessage(metrics.Out, env.Message, len(data))
	}
	e.logDatagram(log.DirectionOut, env.Endpoint, data)
	e.logMessage(log.DirectionOut, env.Endpoint, env.Message)
}

func (e *Engine) fail(env *exchange.Envelope, err error) {
	m := env.Message
	e.pipeline.Emit(exchange.Event{
		Type:      exchange.EventError,
		Role:      exchange.RoleOf(m),
		Endpoint:  env.Endpoint,
		Token:     m.Token,
		MessageID: m.MessageID,
		Message:   m,
		Err:       err,
	})
}

// Deliver implements exchange.Top. Only requests reach the top of the
// pipeline; responses are consumed by the dispatcher.
func (e *Engine) Deliver(env *exchange.Envelope) {
	if !env.Message.IsRequest() {
		e.logger.Debug("dropping unclaimed message", "from", env.Endpoint, "code", env.Message.Code)
		return
	}
	req := &Request{Message: env.Message, Remote: env.Endpoint, engine: e}
	if err := e.pool.Submit(func() { e.serve(req) }); err != nil {
		e.logger.Warn("request dropped", "from", env.Endpoint, "error", err)
		_ = req.Respond(message.NewResponse(req.Message, message.ServiceUnavailable))
	}
}

// Unclaimed implements exchange.Top.
func (e *Engine) Unclaimed(ev exchange.Event) {
	if ev.Type == exchange.EventError {
		e.logger.Debug("unclaimed error", "endpoint", ev.Endpoint, "token", ev.Token.String(), "error", ev.Err)
	}
}
