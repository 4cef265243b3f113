package broker

import (
	"sync"
	"time"
)

// CacheEntry holds the most recent event for one execution id.
type CacheEntry struct {
	ExecutionID string
	LastEvent   *Event
	ExpiresAt   time.Time
}

// LastEventCache is a short-TTL cache of the latest event per execution id,
// used to answer status queries cheaply without hitting the durable store.
// The publisher writes through on every publish; readers fall back to the
// store on a miss.
type LastEventCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewLastEventCache creates a cache with the given entry TTL.
func NewLastEventCache(ttl time.Duration) *LastEventCache {
	return &LastEventCache{
		entries: make(map[string]CacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put records event as the latest for its execution id.
func (c *LastEventCache) Put(event *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[event.ID] = CacheEntry{
		ExecutionID: event.ID,
		LastEvent:   event,
		ExpiresAt:   c.now().Add(c.ttl),
	}
}

// Get returns the cached latest event for executionID, or nil if absent or
// expired. Expired entries are removed on access.
func (c *LastEventCache) Get(executionID string) *Event {
	c.mu.RLock()
	entry, ok := c.entries[executionID]
	c.mu.RUnlock()

	if !ok {
		return nil
	}
	if c.now().After(entry.ExpiresAt) {
		c.mu.Lock()
		// Re-check under the write lock: a Put may have refreshed the entry.
		if current, ok := c.entries[executionID]; ok && c.now().After(current.ExpiresAt) {
			delete(c.entries, executionID)
		}
		c.mu.Unlock()
		return nil
	}
	return entry.LastEvent
}

// Len returns the number of cached entries, including not-yet-evicted
// expired ones.
func (c *LastEventCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
