package cache

import (
	"context"
	"sync"
	"time"
)

// LocalCache is an in-process cache for single-instance deployments.
// Entries expire lazily on read.
type LocalCache struct {
	mu      sync.RWMutex
	entries map[string]localEntry
	ttl     time.Duration
}

type localEntry struct {
	value     string
	expiresAt time.Time
}

// NewLocalCache creates an in-memory cache. A zero ttl means entries never
// expire.
func NewLocalCache(ttl time.Duration) *LocalCache {
	return &LocalCache{
		entries: make(map[string]localEntry),
		ttl:     ttl,
	}
}

// Get returns the cached value if present and not expired.
func (c *LocalCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores the value.
func (c *LocalCache) Set(_ context.Context, key, value string) error {
	entry := localEntry{value: value}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}

// Close is a no-op for the local cache.
func (c *LocalCache) Close() error {
	return nil
}
