// Package cache provides a TTL-indexed key/value cache with age-based reads.
// The caller decides the acceptable age at read time, so one cache can serve
// endpoints with different freshness requirements.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value      interface{}
	insertedAt time.Time
}

// Cache is a (key -> value, insertedAt) map. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	sweepInterval time.Duration
	defaultMaxAge time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// New creates a cache whose background sweep drops entries older than
// defaultMaxAge every sweepInterval. A sweepInterval of zero disables the
// sweeper; entries are then evicted lazily on read.
func New(sweepInterval, defaultMaxAge time.Duration) *Cache {
	c := &Cache{
		entries:       make(map[string]entry),
		sweepInterval: sweepInterval,
		defaultMaxAge: defaultMaxAge,
		stop:          make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweepLoop()
	}
	return c
}

// Get returns the cached value if it is no older than maxAge. A stale entry
// is evicted on the spot.
func (c *Cache) Get(key string, maxAge time.Duration) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Since(e.insertedAt) > maxAge {
		c.mu.Lock()
		// Recheck under the write lock; a concurrent Set may have refreshed it.
		if cur, ok := c.entries[key]; ok && cur.insertedAt.Equal(e.insertedAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores the value with the current timestamp. Last write wins.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, insertedAt: time.Now()}
	c.mu.Unlock()
}

// Delete removes the key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// DeletePrefix removes every key with the given prefix. Used for targeted
// invalidation after order placement.
func (c *Cache) DeletePrefix(prefix string) {
	c.mu.Lock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop terminates the background sweeper.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) sweep() {
	cutoff := time.Now().Add(-c.defaultMaxAge)
	c.mu.Lock()
	for k, e := range c.entries {
		if e.insertedAt.Before(cutoff) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}
