package antivirus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cachedCleanVerdict(istag string, scannedAt time.Time) *Verdict {
	return &Verdict{
		Status:    StatusClean,
		ISTag:     istag,
		ScannedAt: scannedAt,
	}
}

func TestVerdictCacheSetGet(t *testing.T) {
	cache := NewVerdictCache(10, 0)

	cache.Set("doc-1", cachedCleanVerdict("abc", time.Now()))

	v, ok := cache.Get("doc-1")
	require.True(t, ok)
	assert.Equal(t, "abc", v.ISTag)

	_, ok = cache.Get("doc-2")
	assert.False(t, ok)
}

func TestVerdictCacheRejectsNonCacheable(t *testing.T) {
	cache := NewVerdictCache(10, 0)

	// Failed verdicts are never cached; neither are verdicts without an
	// ISTag, since their validity can not be checked later.
	cache.Set("failed", &Verdict{Status: StatusFailed, ErrorCategory: ErrorConnectivity})
	cache.Set("no-istag", &Verdict{Status: StatusClean})

	_, ok := cache.Get("failed")
	assert.False(t, ok)
	_, ok = cache.Get("no-istag")
	assert.False(t, ok)
	assert.Zero(t, cache.Stats().Entries)
}

func TestVerdictCacheEvictsOldest(t *testing.T) {
	cache := NewVerdictCache(3, 0)
	base := time.Now()

	for i := 0; i < 3; i++ {
		cache.Set(fmt.Sprintf("doc-%d", i), cachedCleanVerdict("abc", base.Add(time.Duration(i)*time.Second)))
	}
	cache.Set("doc-3", cachedCleanVerdict("abc", base.Add(3*time.Second)))

	_, ok := cache.Get("doc-0")
	assert.False(t, ok, "oldest entry must have been evicted")
	_, ok = cache.Get("doc-3")
	assert.True(t, ok)
	assert.Equal(t, 3, cache.Stats().Entries)
}

func TestVerdictCacheMaxAge(t *testing.T) {
	cache := NewVerdictCache(10, 50*time.Millisecond)

	cache.Set("fresh", cachedCleanVerdict("abc", time.Now()))
	cache.Set("stale", cachedCleanVerdict("abc", time.Now().Add(-time.Second)))

	_, ok := cache.Get("fresh")
	assert.True(t, ok)
	_, ok = cache.Get("stale")
	assert.False(t, ok, "entries older than max age must not be served")
}

func TestVerdictCacheInvalidate(t *testing.T) {
	cache := NewVerdictCache(10, 0)
	cache.Set("doc-1", cachedCleanVerdict("abc", time.Now()))

	cache.Invalidate("doc-1", "istag_mismatch")

	_, ok := cache.Get("doc-1")
	assert.False(t, ok)
}

func TestVerdictCacheClear(t *testing.T) {
	cache := NewVerdictCache(10, 0)
	cache.Set("doc-1", cachedCleanVerdict("abc", time.Now()))
	cache.Set("doc-2", cachedCleanVerdict("abc", time.Now()))

	cache.Clear()

	assert.Zero(t, cache.Stats().Entries)
}

func TestVerdictCacheStats(t *testing.T) {
	cache := NewVerdictCache(10, 0)
	cache.Set("doc-1", cachedCleanVerdict("abc", time.Now()))

	cache.Get("doc-1")
	cache.Get("doc-1")
	cache.Get("missing")

	stats := cache.Stats()
	assert.EqualValues(t, 2, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.InDelta(t, 66.7, stats.HitRate, 0.1)
}
