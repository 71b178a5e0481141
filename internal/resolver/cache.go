package resolver

import (
	"sync"
	"time"

	"github.com/davrell/pagectl/api/schemas"
)

type cacheKey struct {
	sessionID   string
	fingerprint string
}

type cacheEntry struct {
	resolution schemas.TargetResolution
	expiresAt  time.Time
	hitCount   int
}

// resolutionCache is the resolver's TTL cache. Expired entries are treated
// as absent on read and removed lazily; there is no background sweeper.
type resolutionCache struct {
	mu         sync.Mutex
	entries    map[cacheKey]*cacheEntry
	maxEntries int
}

func newResolutionCache(maxEntries int) *resolutionCache {
	if maxEntries <= 0 {
		maxEntries = 512
	}
	return &resolutionCache{
		entries:    make(map[cacheKey]*cacheEntry),
		maxEntries: maxEntries,
	}
}

// get returns a valid entry's resolution, or ok=false for a missing or
// expired entry. Expired entries are evicted on the spot.
func (c *resolutionCache) get(key cacheKey, now time.Time) (schemas.TargetResolution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return schemas.TargetResolution{}, false
	}
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return schemas.TargetResolution{}, false
	}
	e.hitCount++
	return e.resolution, true
}

// put stores a fresh resolution. When the cache is full the entry expiring
// soonest is evicted first.
func (c *resolutionCache) put(key cacheKey, res schemas.TargetResolution, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictSoonestLocked()
	}
	c.entries[key] = &cacheEntry{resolution: res, expiresAt: now.Add(ttl)}
}

func (c *resolutionCache) evictSoonestLocked() {
	var victim cacheKey
	var soonest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.expiresAt.Before(soonest) {
			victim, soonest, first = k, e.expiresAt, false
		}
	}
	if !first {
		delete(c.entries, victim)
	}
}

// clear removes every entry, or only those for one session when sessionID
// is non-empty.
func (c *resolutionCache) clear(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID == "" {
		c.entries = make(map[cacheKey]*cacheEntry)
		return
	}
	for k := range c.entries {
		if k.sessionID == sessionID {
			delete(c.entries, k)
		}
	}
}

func (c *resolutionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
