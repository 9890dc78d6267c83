package reliability

import (
	"net/netip"
	"sync"
	"time"

	"github.com/mash-protocol/coap-go/pkg/message"
)

// midKey identifies a message with one peer.
type midKey struct {
	endpoint netip.AddrPort
	mid      uint16
}

type dedupEntry struct {
	expires time.Time
	reply   *message.Message
}

// dedupCache remembers recently received message IDs and the reply sent for
// each, so duplicates can be answered identically.
type dedupCache struct {
	mu      sync.RWMutex
	entries map[midKey]*dedupEntry
}

func newDedupCache() *dedupCache {
	return &dedupCache{entries: make(map[midKey]*dedupEntry)}
}

// check records key and reports whether it was already seen, together with
// the cached reply if there is one.
func (c *dedupCache) check(key midKey, lifetime time.Duration, now time.Time) (*message.Message, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	if ok && now.Before(e.expires) {
		reply := e.reply
		c.mu.RUnlock()
		return reply, true
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-validate: another worker may have recorded it meanwhile.
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		return e.reply, true
	}
	c.entries[key] = &dedupEntry{expires: now.Add(lifetime)}
	return nil, false
}

func (c *dedupCache) setReply(key midKey, reply *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.reply = reply
	}
}

func (c *dedupCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

func (c *dedupCache) migrate(from, to netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if k.endpoint == from {
			delete(c.entries, k)
			c.entries[midKey{endpoint: to, mid: k.mid}] = e
		}
	}
}

func (c *dedupCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
