package storage

import (
	"sync"
	"time"
)

// cacheEntry holds cached content with a timestamp for TTL expiration.
type cacheEntry struct {
	data      []byte
	fetchedAt time.Time
}

// readCache is a thread-safe in-memory cache with TTL expiration used by the
// GitHub backend to avoid re-fetching unchanged artifacts. Expired entries
// are cleaned up lazily on Get() — no background goroutine. A zero TTL
// disables the cache entirely.
type readCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newReadCache(ttl time.Duration) *readCache {
	return &readCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// Get returns cached content if present and not expired.
func (c *readCache) Get(path string) ([]byte, bool) {
	if c.ttl <= 0 {
		return nil, false
	}

	c.mu.RLock()
	entry, ok := c.entries[path]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Since(entry.fetchedAt) > c.ttl {
		// Expired — clean up lazily.
		// Re-check under write lock: a concurrent Set() may have replaced
		// the entry with a fresh one between RUnlock and Lock.
		c.mu.Lock()
		if current, ok := c.entries[path]; ok && time.Since(current.fetchedAt) > c.ttl {
			delete(c.entries, path)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.data, true
}

// Set stores content with the current timestamp.
func (c *readCache) Set(path string, data []byte) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[path] = &cacheEntry{
		data:      data,
		fetchedAt: time.Now(),
	}
	c.mu.Unlock()
}

// Invalidate drops a path after a write so the next read sees fresh content.
func (c *readCache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}
