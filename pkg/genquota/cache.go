package genquota

import (
	"sync"
	"time"
)

// StatusCache caches entitlements per user for the length of a session.
// Entries are keyed by user ID so one user's state is never served to another.
type StatusCache interface {
	// Get returns a cached entitlement and true if present and unexpired
	Get(userID string) (*Entitlement, bool)

	// Set stores an entitlement with TTL
	Set(userID string, ent *Entitlement, ttl time.Duration)

	// Invalidate removes a user's entry
	Invalidate(userID string)

	// Clear removes all entries
	Clear()

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// cacheEntry wraps a cached value with expiration time and access time for LRU
type cacheEntry struct {
	value      *Entitlement
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

// NoopCache is used when caching is disabled; every Get is a miss.
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(_ string) (*Entitlement, bool)              { return nil, false }
func (c *NoopCache) Set(_ string, _ *Entitlement, _ time.Duration) {}
func (c *NoopCache) Invalidate(_ string)                            {}
func (c *NoopCache) Clear()                                         {}
func (c *NoopCache) Stats() CacheStats                              { return CacheStats{} }

// LRUCache implements StatusCache using an in-memory LRU map with TTL support
type LRUCache struct {
	mu        sync.Mutex
	entries   map[string]*cacheEntry
	max       int
	hits      int64
	misses    int64
	evictions int64
	sequence  int64
	now       func() time.Time
}

// NewLRUCache creates a new LRU cache holding at most maxEntries users
func NewLRUCache(maxEntries int) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 1000 // default
	}
	return &LRUCache{
		entries: make(map[string]*cacheEntry, maxEntries),
		max:     maxEntries,
		now:     time.Now,
	}
}

func (c *LRUCache) Get(userID string) (*Entitlement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, exists := c.entries[userID]
	if !exists || now.After(entry.expiration) {
		if exists {
			delete(c.entries, userID)
		}
		c.misses++
		return nil, false
	}

	entry.accessTime = now
	c.hits++

	// Return a copy to prevent external modifications
	ent := *entry.value
	return &ent, true
}

func (c *LRUCache) Set(userID string, ent *Entitlement, ttl time.Duration) {
	if ent == nil || ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[userID]; !exists && len(c.entries) >= c.max {
		c.evictOldest()
	}

	stored := *ent
	seq := c.sequence
	c.sequence++
	c.entries[userID] = &cacheEntry{
		value:      &stored,
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
}

// evictOldest drops the least recently used entry. Caller holds mu.
func (c *LRUCache) evictOldest() {
	var (
		oldestKey  string
		oldestTime time.Time
		oldestSeq  int64
		first      = true
	)
	for key, entry := range c.entries {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestKey = key
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.max)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
