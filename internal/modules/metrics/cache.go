package metrics

import (
	"fmt"
	"time"
)

// metricsCache memoizes computed performance windows keyed by
// (period, end date) with a TTL. Not safe for concurrent use on its
// own; the manager's mutex guards it.
type metricsCache struct {
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	metrics   PerformanceMetrics
	expiresAt time.Time
}

func newMetricsCache(ttl time.Duration) *metricsCache {
	return &metricsCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(period Period, end time.Time) string {
	return fmt.Sprintf("%s:%d", period, end.Unix())
}

func (c *metricsCache) get(key string, now time.Time) (PerformanceMetrics, bool) {
	entry, ok := c.entries[key]
	if !ok || now.After(entry.expiresAt) {
		return PerformanceMetrics{}, false
	}
	return entry.metrics, true
}

func (c *metricsCache) put(key string, m PerformanceMetrics, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.entries[key] = cacheEntry{metrics: m, expiresAt: now.Add(c.ttl)}
}

// invalidate drops every entry; called whenever a snapshot lands
func (c *metricsCache) invalidate() {
	c.entries = make(map[string]cacheEntry)
}

func (c *metricsCache) size() int {
	return len(c.entries)
}
