package idempotency

import (
	"context"
	"sync"
	"time"
)

// DefaultSweepInterval is how often Reserve drops expired entries.
const DefaultSweepInterval = time.Minute

// MemoryCache is a process-local Cache for single instance deployments and
// tests.
type MemoryCache struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	now       func() time.Time
	sweepEach time.Duration
	lastSweep time.Time
}

type memoryEntry struct {
	rec     Record
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries:   make(map[string]memoryEntry),
		now:       time.Now,
		sweepEach: DefaultSweepInterval,
	}
}

// Len returns the number of entries held, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) live(key string, now time.Time) (memoryEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !now.Before(e.expires) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

// sweep requires c.mu held.
func (c *MemoryCache) sweep(now time.Time) {
	if now.Sub(c.lastSweep) < c.sweepEach {
		return
	}
	c.lastSweep = now
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, key)
		}
	}
}

func (c *MemoryCache) Reserve(_ context.Context, key string, rec Record, ttl time.Duration) (Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweep(now)
	if e, ok := c.live(key, now); ok {
		return e.rec, false, nil
	}
	c.entries[key] = memoryEntry{rec: rec, expires: now.Add(ttl)}
	return Record{}, true, nil
}

func (c *MemoryCache) Complete(_ context.Context, key string, rec Record, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{rec: rec, expires: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}
