// Package worker provides the bounded goroutine pool that drives all engine
// activity: datagram processing, handler invocation and timers.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Pool errors.
var (
	ErrQueueFull = errors.New("worker queue full")
	ErrStopped   = errors.New("worker pool stopped")
)

// Default pool sizing.
const (
	DefaultWorkers   = 16
	DefaultQueueSize = 1024
)

// Config configures a Pool.
type Config struct {
	// Workers is the number of goroutines executing tasks.
	Workers int

	// QueueSize bounds the number of tasks waiting for a worker.
	QueueSize int

	// Logger receives recovered task panics.
	Logger *slog.Logger
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   DefaultWorkers,
		QueueSize: DefaultQueueSize,
	}
}

// Pool executes tasks on a fixed set of goroutines.
type Pool struct {
	tasks  chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger

	stopped atomic.Bool
	active  atomic.Int64

	// Queues whose drain did not fit in tasks; workers resume them.
	stalledMu sync.Mutex
	stalled   []*Queue
}

// New starts a pool.
func New(config Config) *Pool {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	p := &Pool{
		tasks:  make(chan func(), config.QueueSize),
		done:   make(chan struct{}),
		logger: config.Logger,
	}
	for range config.Workers {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.run(task)
			p.resumeStalled()
		case <-p.done:
			// Drain whatever was queued before Stop.
			for {
				select {
				case task := <-p.tasks:
					p.run(task)
				default:
					for p.resumeStalled() {
					}
					return
				}
			}
		}
	}
}

func (p *Pool) run(task func()) {
	p.active.Add(1)
	defer p.active.Add(-1)
	p.protect(task)
}

func (p *Pool) protect(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", "panic", r)
		}
	}()
	task()
}

// stall parks q until a worker has capacity. Every worker checks the list
// after finishing a task; the queue was full when q stalled, so at least one
// such check follows unless the resume below already fit.
func (p *Pool) stall(q *Queue) {
	p.stalledMu.Lock()
	p.stalled = append(p.stalled, q)
	p.stalledMu.Unlock()
	_ = p.Submit(func() {})
}

// resumeStalled drains one stalled queue on the calling worker.
func (p *Pool) resumeStalled() bool {
	p.stalledMu.Lock()
	if len(p.stalled) == 0 {
		p.stalledMu.Unlock()
		return false
	}
	q := p.stalled[0]
	p.stalled[0] = nil
	p.stalled = p.stalled[1:]
	p.stalledMu.Unlock()

	p.run(q.drain)
	return true
}

// Submit queues task without blocking.
func (p *Pool) Submit(task func()) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait queues task, waiting for queue space until ctx is done.
func (p *Pool) SubmitWait(ctx context.Context, task func()) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of tasks currently executing.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Pending returns the number of queued tasks.
func (p *Pool) Pending() int {
	return len(p.tasks)
}

// Stop rejects new tasks, runs the ones already queued and waits for the
// workers to exit.
func (p *Pool) Stop() {
	p.once.Do(func() {
		p.stopped.Store(true)
		close(p.done)
	})
	p.wg.Wait()
}

// Timer is a pool-backed timer. Its task runs on a pool worker.
type Timer struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

// AfterFunc runs task on the pool after d. The firing goroutine waits for
// queue space rather than dropping the task.
func (p *Pool) AfterFunc(d time.Duration, task func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		if t.cancelled.Load() {
			return
		}
		_ = p.SubmitWait(context.Background(), func() {
			if t.cancelled.Load() {
				return
			}
			task()
		})
	})
	return t
}

// Stop cancels the timer. A task that is already running is not interrupted;
// callers re-validate their state inside the task. Stop reports whether the
// timer was stopped before it fired.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.cancelled.Store(true)
	return t.timer.Stop()
}

// Queue runs tasks one at a time, in submission order, on the pool.
type Queue struct {
	pool    *Pool
	mu      sync.Mutex
	pending []func()
	running bool
}

// NewQueue creates a serial queue bound to p.
func (p *Pool) NewQueue() *Queue {
	return &Queue{pool: p}
}

// Submit appends task to the queue.
func (q *Queue) Submit(task func()) {
	q.mu.Lock()
	q.pending = append(q.pending, task)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	switch err := q.pool.Submit(q.drain); {
	case err == nil:
	case errors.Is(err, ErrQueueFull):
		q.pool.stall(q)
	default:
		q.mu.Lock()
		q.pending = nil
		q.running = false
		q.mu.Unlock()
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.pool.protect(task)
	}
}
