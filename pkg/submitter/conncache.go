package submitter

import (
	"sync"
	"time"

	"github.com/wuwei-labs/antegen/pkg/rpc"
)

// connEntry pairs a cached client with its last-use time.
type connEntry struct {
	client   *rpc.Client
	lastUsed time.Time
}

// ConnCache holds per-endpoint ingress clients. Clients are created
// lazily, invalidated on failure so reconnection is also lazy, and reaped
// after an idle timeout. A failing endpoint never blocks submissions to
// other endpoints.
type ConnCache struct {
	mu          sync.Mutex
	entries     map[string]*connEntry
	idleTimeout time.Duration
	newClient   func(addr string) *rpc.Client
}

// NewConnCache creates a cache with the given idle timeout.
func NewConnCache(idleTimeout time.Duration) *ConnCache {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &ConnCache{
		entries:     make(map[string]*connEntry),
		idleTimeout: idleTimeout,
		newClient:   rpc.NewClient,
	}
}

// Get returns the client for an endpoint, creating it on first use.
func (c *ConnCache) Get(addr string) *rpc.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[addr]
	if !ok {
		entry = &connEntry{client: c.newClient(addr)}
		c.entries[addr] = entry
	}
	entry.lastUsed = time.Now()
	return entry.client
}

// Invalidate drops an endpoint's client after a failure; the next Get
// re-establishes it.
func (c *ConnCache) Invalidate(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, addr)
}

// Reap evicts clients idle past the timeout and returns how many were
// dropped.
func (c *ConnCache) Reap() int {
	cutoff := time.Now().Add(-c.idleTimeout)
	c.mu.Lock()
	defer c.mu.Unlock()

	reaped := 0
	for addr, entry := range c.entries {
		if entry.lastUsed.Before(cutoff) {
			delete(c.entries, addr)
			reaped++
		}
	}
	return reaped
}

// Len returns the number of cached clients.
func (c *ConnCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
