package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	c := newCollector(func() time.Time { return now })

	empty := c.Summary()
	assert.Zero(t, empty.TotalRequests)
	assert.Zero(t, empty.CacheHitRate)
	assert.Zero(t, empty.AvgLatencyMS)

	c.RecordRequest(true, 10*time.Millisecond)
	c.RecordRequest(false, 30*time.Millisecond)
	c.RecordRequest(false, 50*time.Millisecond)
	c.RecordFailure("GENERATE", 30*time.Millisecond)
	c.RecordCacheWriteFailure()
	now = start.Add(2 * time.Second)

	s := c.Summary()
	assert.Equal(t, int64(4), s.TotalRequests)
	assert.Equal(t, int64(1), s.CacheHits)
	assert.Equal(t, int64(2), s.CacheMisses)
	assert.InDelta(t, 1.0/3.0, s.CacheHitRate, 1e-9)
	assert.Equal(t, int64(1), s.Failures)
	assert.Equal(t, map[string]int64{"GENERATE": 1}, s.FailuresByStage)
	assert.Equal(t, int64(1), s.CacheWriteFailures)
	assert.InDelta(t, 30.0, s.AvgLatencyMS, 1e-9)
	assert.InDelta(t, 2.0, s.RequestsPerSecond, 1e-9)
	assert.InDelta(t, 2.0, s.UptimeSeconds, 1e-9)
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(hit bool) {
			defer wg.Done()
			c.RecordRequest(hit, time.Millisecond)
		}(i%2 == 0)
	}
	wg.Wait()

	s := c.Summary()
	assert.Equal(t, int64(50), s.TotalRequests)
	assert.Equal(t, int64(25), s.CacheHits)
	assert.Equal(t, int64(25), s.CacheMisses)
}
