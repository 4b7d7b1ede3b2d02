package antivirus

import (
	"sync"

	"github.com/peskar/icaro/icap"
	"github.com/peskar/icaro/logger"
	"github.com/peskar/icaro/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// OptionsCache caches ICAP server capabilities per endpoint so a scan does
// not pay an OPTIONS round trip. Entries are populated lazily and never
// refreshed proactively: staleness surfaces as an ISTag mismatch on a later
// scan response, and connection or protocol failures drop the entry so the
// next call re-negotiates.
type OptionsCache struct {
	mu      sync.RWMutex
	entries map[string]*icap.Options

	// Singleflight collapses concurrent first-access OPTIONS fetches for
	// the same endpoint into one network call.
	sfGroup singleflight.Group
}

// NewOptionsCache creates an empty options cache.
func NewOptionsCache() *OptionsCache {
	return &OptionsCache{
		entries: make(map[string]*icap.Options),
	}
}

// GetOrFetch returns the cached options for the endpoint, fetching them via
// fetchFn on a miss. Concurrent callers for the same endpoint share one
// fetch. fromCache reports whether the result was already present.
func (c *OptionsCache) GetOrFetch(endpoint string, fetchFn func() (*icap.Options, error)) (opts *icap.Options, fromCache bool, err error) {
	c.mu.RLock()
	entry, exists := c.entries[endpoint]
	c.mu.RUnlock()

	if exists {
		metrics.OptionsCacheHitsTotal.Inc()
		return entry, true, nil
	}

	metrics.OptionsCacheMissesTotal.Inc()

	result, err, shared := c.sfGroup.Do(endpoint, func() (interface{}, error) {
		fetched, fetchErr := fetchFn()
		if fetchErr != nil {
			return nil, fetchErr
		}

		c.mu.Lock()
		c.entries[endpoint] = fetched
		c.mu.Unlock()

		return fetched, nil
	})
	if err != nil {
		return nil, false, err
	}

	if shared {
		logger.Debug("OptionsCache: collapsed concurrent OPTIONS fetch", "endpoint", endpoint)
		metrics.OptionsSharedFetchesTotal.Inc()
	}

	return result.(*icap.Options), false, nil
}

// Invalidate drops the cached options for the endpoint so the next call
// re-negotiates.
func (c *OptionsCache) Invalidate(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[endpoint]; ok {
		delete(c.entries, endpoint)
		logger.Debug("OptionsCache: invalidated", "endpoint", endpoint)
	}
}

// Replace stores fresh options for the endpoint, used when a scan response
// reveals a rotated ISTag without a dedicated OPTIONS exchange.
func (c *OptionsCache) Replace(endpoint string, opts *icap.Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[endpoint] = opts
}
