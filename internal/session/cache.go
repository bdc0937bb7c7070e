package session

import (
	"sync"
	"time"

	"chunkrelay/internal/metrics"
)

// CacheEntry is the cached view of a user's open session.
type CacheEntry struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache maps user ids to their open session. It is a fast path only: a miss
// always falls back to the store, and entries may outlive the session they
// describe until the next sweep.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]CacheEntry)}
}

func (c *Cache) Get(userID string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[userID]
	return entry, ok
}

func (c *Cache) Put(userID string, entry CacheEntry) {
	c.mu.Lock()
	c.entries[userID] = entry
	metrics.CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()
}

func (c *Cache) Delete(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	metrics.CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()
}

// DeleteSession removes whichever entry points at sessionID.
func (c *Cache) DeleteSession(sessionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for userID, entry := range c.entries {
		if entry.SessionID == sessionID {
			delete(c.entries, userID)
			metrics.CacheEntries.Set(float64(len(c.entries)))
			return userID, true
		}
	}
	return "", false
}

// EvictOlderThan drops entries with now - CreatedAt > maxAge and returns the
// affected user ids.
func (c *Cache) EvictOlderThan(now time.Time, maxAge time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []string
	for userID, entry := range c.entries {
		if now.Sub(entry.CreatedAt) > maxAge {
			delete(c.entries, userID)
			evicted = append(evicted, userID)
		}
	}
	metrics.CacheEntries.Set(float64(len(c.entries)))
	return evicted
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot copies the current entries.
func (c *Cache) Snapshot() map[string]CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]CacheEntry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}
