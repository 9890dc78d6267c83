package reliability

import (
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/token"
)

// idSpaceSize is the number of distinct message IDs per endpoint.
const idSpaceSize = 1 << 16

// idRecord remembers which exchange a message ID was used for.
type idRecord struct {
	expires time.Time
	token   token.Token
	role    exchange.Role
}

type idSpace struct {
	next uint16
	used map[uint16]idRecord
}

// idAllocator hands out per-endpoint message IDs and keeps each reserved for
// its lifetime.
type idAllocator struct {
	mu        sync.Mutex
	endpoints map[netip.AddrPort]*idSpace
}

func newIDAllocator() *idAllocator {
	return &idAllocator{endpoints: make(map[netip.AddrPort]*idSpace)}
}

func (a *idAllocator) allocate(ep netip.AddrPort, tok token.Token, role exchange.Role, lifetime time.Duration, now time.Time) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sp, ok := a.endpoints[ep]
	if !ok {
		sp = &idSpace{next: uint16(rand.Uint32()), used: make(map[uint16]idRecord)}
		a.endpoints[ep] = sp
	}

	for range idSpaceSize {
		id := sp.next
		sp.next++
		if rec, taken := sp.used[id]; taken && now.Before(rec.expires) {
			continue
		}
		sp.used[id] = idRecord{expires: now.Add(lifetime), token: tok, role: role}
		return id, nil
	}
	return 0, ErrNoMessageID
}

func (a *idAllocator) lookup(ep netip.AddrPort, id uint16, now time.Time) (idRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sp, ok := a.endpoints[ep]
	if !ok {
		return idRecord{}, false
	}
	rec, ok := sp.used[id]
	if !ok || !now.Before(rec.expires) {
		return idRecord{}, false
	}
	return rec, true
}

// inUse returns the number of live IDs for ep.
func (a *idAllocator) inUse(ep netip.AddrPort, now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	if sp, ok := a.endpoints[ep]; ok {
		for _, rec := range sp.used {
			if now.Before(rec.expires) {
				n++
			}
		}
	}
	return n
}

func (a *idAllocator) sweep(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for ep, sp := range a.endpoints {
		for id, rec := range sp.used {
			if !now.Before(rec.expires) {
				delete(sp.used, id)
			}
		}
		if len(sp.used) == 0 {
			delete(a.endpoints, ep)
		}
	}
}

func (a *idAllocator) migrate(from, to netip.AddrPort) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sp, ok := a.endpoints[from]
	if !ok {
		return
	}
	delete(a.endpoints, from)
	if dst, exists := a.endpoints[to]; exists {
		for id, rec := range sp.used {
			dst.used[id] = rec
		}
		return
	}
	a.endpoints[to] = sp
}
