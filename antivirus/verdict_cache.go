package antivirus

import (
	"sync"
	"time"

	"github.com/peskar/icaro/logger"
	"github.com/peskar/icaro/pkg/metrics"
)

const defaultVerdictCacheSize = 10000

// VerdictCache is an in-memory, bounded cache of scan verdicts keyed by the
// caller-supplied unique document id. Entries carry no TTL: validity is
// decided by comparing an entry's ISTag against the server's current one.
// An optional max age additionally expires entries whose server never
// rotates its ISTag.
type VerdictCache struct {
	mu      sync.RWMutex
	entries map[string]*Verdict
	maxSize int
	maxAge  time.Duration

	hits   uint64
	misses uint64
}

// VerdictCacheStats is a point-in-time snapshot of cache counters.
type VerdictCacheStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Entries int     `json:"entries"`
	HitRate float64 `json:"hit_rate_pct"`
}

// NewVerdictCache creates a verdict cache holding at most maxSize entries.
// maxAge 0 disables age-based expiry.
func NewVerdictCache(maxSize int, maxAge time.Duration) *VerdictCache {
	if maxSize <= 0 {
		maxSize = defaultVerdictCacheSize
	}

	logger.Info("VerdictCache: initialized", "max_size", maxSize, "max_age", maxAge)

	return &VerdictCache{
		entries: make(map[string]*Verdict),
		maxSize: maxSize,
		maxAge:  maxAge,
	}
}

// Get returns the cached verdict for id, if present and not expired by age.
// ISTag validation against the live server is the caller's responsibility.
func (c *VerdictCache) Get(id string) (*Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[id]
	if !exists {
		c.misses++
		metrics.VerdictCacheMissesTotal.Inc()
		return nil, false
	}

	if c.maxAge > 0 && time.Since(entry.ScannedAt) > c.maxAge {
		delete(c.entries, id)
		metrics.VerdictCacheEntries.Set(float64(len(c.entries)))
		metrics.VerdictCacheInvalidationsTotal.WithLabelValues("max_age").Inc()
		c.misses++
		metrics.VerdictCacheMissesTotal.Inc()
		return nil, false
	}

	c.hits++
	metrics.VerdictCacheHitsTotal.Inc()
	return entry, true
}

// Set stores a verdict under id. Verdicts that are not Cacheable are
// silently dropped.
func (c *VerdictCache) Set(id string, v *Verdict) {
	if id == "" || v == nil || !v.Cacheable() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[id] = v
	metrics.VerdictCacheEntries.Set(float64(len(c.entries)))
}

// Invalidate removes the entry for id, recording reason in metrics.
func (c *VerdictCache) Invalidate(id, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[id]; !ok {
		return
	}
	delete(c.entries, id)
	metrics.VerdictCacheEntries.Set(float64(len(c.entries)))
	metrics.VerdictCacheInvalidationsTotal.WithLabelValues(reason).Inc()
}

// Clear removes all entries and resets the counters.
func (c *VerdictCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Verdict)
	c.hits = 0
	c.misses = 0
	metrics.VerdictCacheEntries.Set(0)

	logger.Info("VerdictCache: cleared")
}

// Stats returns a snapshot of the cache counters.
func (c *VerdictCache) Stats() VerdictCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := VerdictCacheStats{
		Hits:    c.hits,
		Misses:  c.misses,
		Entries: len(c.entries),
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats
}

// evictOldest removes the entry with the oldest scan time. Caller must hold
// the write lock.
func (c *VerdictCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, entry := range c.entries {
		if first || entry.ScannedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.ScannedAt
			first = false
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
		metrics.VerdictCacheInvalidationsTotal.WithLabelValues("evicted").Inc()
	}
}
