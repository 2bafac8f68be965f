package policy

import (
	"sync"
	"time"
)

// Cache is the in-process published-policy cache. Entries expire after the
// TTL and are invalidated explicitly on publish.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	version   Version
	expiresAt time.Time
}

// NewCache creates a cache with the given TTL (default 30s).
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		entries: map[string]cacheEntry{},
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached published version for a tenant, if fresh.
func (c *Cache) Get(tenantID string) (Version, bool) {
	c.mu.RLock()
	entry, ok := c.entries[tenantID]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return Version{}, false
	}
	return entry.version, true
}

// Put stores the published version for a tenant.
func (c *Cache) Put(tenantID string, version Version) {
	c.mu.Lock()
	c.entries[tenantID] = cacheEntry{version: version, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops a tenant's entry; called on publish.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}
