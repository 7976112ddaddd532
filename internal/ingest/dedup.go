package ingest

import (
	"sync"
	"time"
)

const (
	// DefaultDedupTTL is how long a transmission id is remembered.
	DefaultDedupTTL = 300 * time.Second
	// DefaultSweepInterval is the minimum gap between expiry sweeps.
	DefaultSweepInterval = 60 * time.Second
)

// DedupCache remembers recently applied transmission ids.
type DedupCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	sweep     time.Duration
	seen      map[int64]time.Time
	lastSweep time.Time
}

// NewDedupCache creates cache.
// Params: entry TTL and sweep interval; non-positive values use defaults.
// Returns: empty cache.
func NewDedupCache(ttl, sweep time.Duration) *DedupCache {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	return &DedupCache{ttl: ttl, sweep: sweep, seen: make(map[int64]time.Time)}
}

// Observe records id as received at now.
// Params: transmission id (0 is never deduplicated) and receive instant.
// Returns: true when id was already received within the TTL.
func (c *DedupCache) Observe(id int64, now time.Time) bool {
	if id == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(now)
	if at, ok := c.seen[id]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.seen[id] = now
	return false
}

// Len returns number of remembered ids, including expired ones not swept yet.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *DedupCache) sweepLocked(now time.Time) {
	if !c.lastSweep.IsZero() && now.Sub(c.lastSweep) < c.sweep {
		return
	}
	c.lastSweep = now
	for id, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, id)
		}
	}
}
