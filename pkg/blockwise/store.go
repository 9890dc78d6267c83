package blockwise

import (
	"net/netip"
	"sync"
	"time"

	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/worker"
)

type entry[T any] struct {
	key   exchange.Key
	val   T
	timer *worker.Timer
}

// store maps exchanges to transfer state. Entries expire after lifetime
// without a put; a zero lifetime keeps them until deleted.
type store[T any] struct {
	mu       sync.Mutex
	entries  map[exchange.Key]*entry[T]
	pool     *worker.Pool
	lifetime time.Duration
}

func newStore[T any](pool *worker.Pool, lifetime time.Duration) *store[T] {
	return &store[T]{
		entries:  make(map[exchange.Key]*entry[T]),
		pool:     pool,
		lifetime: lifetime,
	}
}

func (s *store[T]) get(k exchange.Key) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		var zero T
		return zero, false
	}
	return e.val, true
}

// put stores v and restarts the idle timer.
func (s *store[T]) put(k exchange.Key, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[k]; ok {
		old.timer.Stop()
	}
	e := &entry[T]{key: k, val: v}
	if s.lifetime > 0 {
		e.timer = s.pool.AfterFunc(s.lifetime, func() { s.expire(e) })
	}
	s.entries[k] = e
}

func (s *store[T]) expire(e *entry[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[e.key] == e {
		delete(s.entries, e.key)
	}
}

func (s *store[T]) take(k exchange.Key) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		var zero T
		return zero, false
	}
	e.timer.Stop()
	delete(s.entries, k)
	return e.val, true
}

func (s *store[T]) delete(k exchange.Key) {
	s.take(k)
}

func (s *store[T]) migrate(from, to netip.AddrPort) {
	if from == to {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if k.Endpoint != from {
			continue
		}
		delete(s.entries, k)
		e.key = exchange.Key{Endpoint: to, Token: k.Token}
		s.entries[e.key] = e
	}
}

func (s *store[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
