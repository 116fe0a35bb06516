// Package metrics aggregates per-request pipeline outcomes.
package metrics

import (
	"sync"
	"time"
)

// Summary is a snapshot of the collector.
type Summary struct {
	TotalRequests      int64            `json:"total_requests"`
	CacheHits          int64            `json:"cache_hits"`
	CacheMisses        int64            `json:"cache_misses"`
	CacheHitRate       float64          `json:"cache_hit_rate"`
	Failures           int64            `json:"failures"`
	FailuresByStage    map[string]int64 `json:"failures_by_stage,omitempty"`
	CacheWriteFailures int64            `json:"cache_write_failures"`
	AvgLatencyMS       float64          `json:"avg_latency_ms"`
	RequestsPerSecond  float64          `json:"requests_per_second"`
	UptimeSeconds      float64          `json:"uptime_seconds"`
}

// Collector is safe for concurrent use. Each request must be recorded exactly
// once, either as a success or as a failure.
type Collector struct {
	now   func() time.Time
	start time.Time

	mu                 sync.Mutex
	total              int64
	hits               int64
	misses             int64
	failures           int64
	failuresByStage    map[string]int64
	cacheWriteFailures int64
	latencySum         time.Duration
}

// NewCollector starts a collector at the current time.
func NewCollector() *Collector {
	return newCollector(time.Now)
}

func newCollector(now func() time.Time) *Collector {
	return &Collector{
		now:             now,
		start:           now(),
		failuresByStage: make(map[string]int64),
	}
}

// RecordRequest records a successful request.
func (c *Collector) RecordRequest(cacheHit bool, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if cacheHit {
		c.hits++
	} else {
		c.misses++
	}
	c.latencySum += latency
}

// RecordFailure records a request that failed in stage.
func (c *Collector) RecordFailure(stage string, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	c.failures++
	c.failuresByStage[stage]++
	c.latencySum += latency
}

// RecordCacheWriteFailure counts a swallowed cache store error. The request
// itself is recorded separately.
func (c *Collector) RecordCacheWriteFailure() {
	c.mu.Lock()
	c.cacheWriteFailures++
	c.mu.Unlock()
}

// Summary returns the current totals. The hit rate is over cache hits and
// misses only, failed requests excluded.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		TotalRequests:      c.total,
		CacheHits:          c.hits,
		CacheMisses:        c.misses,
		Failures:           c.failures,
		CacheWriteFailures: c.cacheWriteFailures,
		UptimeSeconds:      c.now().Sub(c.start).Seconds(),
	}
	if len(c.failuresByStage) > 0 {
		s.FailuresByStage = make(map[string]int64, len(c.failuresByStage))
		for k, v := range c.failuresByStage {
			s.FailuresByStage[k] = v
		}
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		s.CacheHitRate = float64(c.hits) / float64(lookups)
	}
	if c.total > 0 {
		s.AvgLatencyMS = float64(c.latencySum.Microseconds()) / 1000 / float64(c.total)
	}
	if s.UptimeSeconds > 0 {
		s.RequestsPerSecond = float64(c.total) / s.UptimeSeconds
	}
	return s
}
