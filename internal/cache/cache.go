// Package cache implements a semantic result cache: answers keyed by the
// meaning of the query rather than its exact text.
//
// Entries live in their own collection of a vectorstore.Index. A lookup
// takes the single nearest stored query and accepts it only when its cosine
// similarity reaches the configured threshold. There is no blending of near
// matches and no deduplication on store; growth is bounded by LRU eviction.
//
// Every entry records the embedding model that produced its vector. Entries
// from any other model are dropped when the cache loads and never served.
//
// All writes to the cache collection (store, evict, clear, hit bookkeeping)
// run on one writer goroutine, so an insert can never interleave with an
// eviction scan. Reads go straight to the index.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/flashrag/internal/embedder"
	"github.com/knoguchi/flashrag/internal/vectorstore"
)

var (
	// ErrWrite tags every failure to persist a cache change.
	ErrWrite = errors.New("cache write failed")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("cache closed")
)

const (
	DefaultCollection      = "query_cache"
	DefaultThreshold       = 0.95
	DefaultCapacity        = 1000
	DefaultTargetOccupancy = 0.9

	writeQueueSize = 64
)

// Options configures a SemanticCache. Zero values take the defaults.
type Options struct {
	Collection      string
	Threshold       float32
	Capacity        int
	TargetOccupancy float64
	Logger          *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Entry is one cached answer.
type Entry struct {
	ID             string    `json:"id"`
	QueryText      string    `json:"query_text"`
	QueryEmbedding []float32 `json:"-"`
	AnswerText     string    `json:"answer_text"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessed   time.Time `json:"last_accessed"`
	HitCount       int       `json:"hit_count"`
	ContextsUsed   []string  `json:"contexts_used,omitempty"`
	Model          string    `json:"model"`
}

// Hit is a successful lookup.
type Hit struct {
	Entry
	Similarity float32 `json:"similarity"`
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries       int     `json:"entries"`
	Capacity      int     `json:"capacity"`
	Threshold     float32 `json:"threshold"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Evictions     int64   `json:"evictions"`
	WriteFailures int64   `json:"write_failures"`
}

// node is the in-process LRU record for one stored entry.
type node struct {
	id           string
	vector       []float32
	createdAt    time.Time
	lastAccessed time.Time
	hitCount     int
}

type writeOp struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// SemanticCache is safe for concurrent use.
type SemanticCache struct {
	index      vectorstore.Index
	embedder   embedder.Embedder
	model      string
	collection string
	threshold  float32
	capacity   int
	target     int
	logger     *slog.Logger
	now        func() time.Time

	// mu guards the LRU only and is never held across an index call.
	mu    sync.Mutex
	lru   *list.List // front is most recently accessed
	nodes map[string]*list.Element

	ops     chan writeOp
	stopped chan struct{}

	closeMu sync.RWMutex
	closed  bool

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	writeFailures atomic.Int64
}

// New creates the cache collection if needed, loads any persisted entries
// into the LRU and starts the writer.
func New(ctx context.Context, index vectorstore.Index, emb embedder.Embedder, opts Options) (*SemanticCache, error) {
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.TargetOccupancy == 0 {
		opts.TargetOccupancy = DefaultTargetOccupancy
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return nil, fmt.Errorf("cache threshold %v out of range (0,1]", opts.Threshold)
	}
	if opts.Capacity < 1 {
		return nil, fmt.Errorf("cache capacity must be at least 1, got %d", opts.Capacity)
	}
	if opts.TargetOccupancy <= 0 || opts.TargetOccupancy > 1 {
		return nil, fmt.Errorf("cache target occupancy %v out of range (0,1]", opts.TargetOccupancy)
	}

	c := &SemanticCache{
		index:      index,
		embedder:   emb,
		model:      emb.ModelName(),
		collection: opts.Collection,
		threshold:  opts.Threshold,
		capacity:   opts.Capacity,
		target:     int(math.Ceil(float64(opts.Capacity) * opts.TargetOccupancy)),
		logger:     opts.Logger.With("component", "cache", "collection", opts.Collection),
		now:        opts.Now,
		lru:        list.New(),
		nodes:      make(map[string]*list.Element),
		ops:        make(chan writeOp, writeQueueSize),
		stopped:    make(chan struct{}),
	}

	if err := index.EnsureCollection(ctx, c.collection, emb.Dimension()); err != nil {
		return nil, fmt.Errorf("failed to prepare cache collection: %w", err)
	}

	go c.writer()
	if err := c.Warm(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Lookup embeds text and returns the nearest cached entry if it is similar
// enough.
func (c *SemanticCache) Lookup(ctx context.Context, text string) (Hit, bool, error) {
	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return Hit{}, false, fmt.Errorf("failed to embed query: %w", err)
	}
	return c.LookupVector(ctx, text, vec)
}

// LookupVector is Lookup with the query embedding already computed. A hit
// increments the entry's hit count and refreshes its last access time;
// nothing else about the entry changes.
func (c *SemanticCache) LookupVector(ctx context.Context, text string, vec []float32) (Hit, bool, error) {
	matches, err := c.index.Query(ctx, c.collection, vec, 1)
	if err != nil {
		return Hit{}, false, fmt.Errorf("failed to search cache: %w", err)
	}
	if len(matches) == 0 || matches[0].Similarity < c.threshold {
		c.misses.Add(1)
		return Hit{}, false, nil
	}
	m := matches[0]

	entry, err := entryFromPayload(m.ID, m.Payload)
	if err != nil {
		c.logger.Warn("unreadable cache entry, treating as miss", "id", m.ID, "error", err)
		c.misses.Add(1)
		return Hit{}, false, nil
	}
	if entry.Model != c.model {
		c.logger.Warn("cache entry from another embedding model, treating as miss",
			"id", m.ID, "entry_model", entry.Model, "model", c.model)
		c.misses.Add(1)
		return Hit{}, false, nil
	}

	now := c.now()
	c.mu.Lock()
	elem, ok := c.nodes[m.ID]
	var n node
	if ok {
		nd := elem.Value.(*node)
		nd.hitCount++
		nd.lastAccessed = now
		c.lru.MoveToFront(elem)
		n = *nd
	}
	c.mu.Unlock()

	// evicted between the index query and here
	if !ok {
		c.misses.Add(1)
		return Hit{}, false, nil
	}

	entry.QueryEmbedding = n.vector
	entry.CreatedAt = n.createdAt
	entry.LastAccessed = n.lastAccessed
	entry.HitCount = n.hitCount

	c.hits.Add(1)
	c.logger.Debug("cache hit", "id", entry.ID, "similarity", m.Similarity, "query", text)
	c.persistAccess(entry)

	return Hit{Entry: entry, Similarity: m.Similarity}, true, nil
}

// Store inserts a new entry and evicts least recently accessed entries if the
// cache is over capacity. It never deduplicates.
func (c *SemanticCache) Store(ctx context.Context, query string, vec []float32, answer string, contexts []string) (Entry, error) {
	now := c.now()
	entry := Entry{
		ID:             uuid.NewString(),
		QueryText:      query,
		QueryEmbedding: vec,
		AnswerText:     answer,
		CreatedAt:      now,
		LastAccessed:   now,
		ContextsUsed:   contexts,
		Model:          c.model,
	}

	err := c.submit(ctx, func(ctx context.Context) error {
		rec := vectorstore.Record{ID: entry.ID, Vector: vec, Payload: entryPayload(entry)}
		if err := c.index.Insert(ctx, c.collection, []vectorstore.Record{rec}); err != nil {
			return err
		}

		c.mu.Lock()
		c.nodes[entry.ID] = c.lru.PushFront(&node{
			id:           entry.ID,
			vector:       vec,
			createdAt:    now,
			lastAccessed: now,
		})
		c.mu.Unlock()

		_, err := c.evict(ctx)
		return err
	})
	if err != nil {
		c.writeFailures.Add(1)
		return entry, fmt.Errorf("%w: storing entry: %w", ErrWrite, err)
	}
	return entry, nil
}

// Evict runs the eviction policy now and reports how many entries it removed.
func (c *SemanticCache) Evict(ctx context.Context) (int, error) {
	var removed int
	err := c.submit(ctx, func(ctx context.Context) error {
		var err error
		removed, err = c.evict(ctx)
		return err
	})
	if err != nil {
		c.writeFailures.Add(1)
		return removed, fmt.Errorf("%w: evicting: %w", ErrWrite, err)
	}
	return removed, nil
}

// Clear drops every cache entry. The document collection is untouched.
func (c *SemanticCache) Clear(ctx context.Context) error {
	err := c.submit(ctx, func(ctx context.Context) error {
		if err := c.index.DropCollection(ctx, c.collection); err != nil && !errors.Is(err, vectorstore.ErrCollectionNotFound) {
			return err
		}
		if err := c.index.EnsureCollection(ctx, c.collection, c.embedder.Dimension()); err != nil {
			return err
		}
		c.mu.Lock()
		c.lru.Init()
		c.nodes = make(map[string]*list.Element)
		c.mu.Unlock()
		c.logger.Info("cache cleared")
		return nil
	})
	if err != nil {
		c.writeFailures.Add(1)
		return fmt.Errorf("%w: clearing: %w", ErrWrite, err)
	}
	return nil
}

// Warm reloads the LRU from the persisted collection, picking up entries
// written by other processes sharing the index. New calls it once.
func (c *SemanticCache) Warm(ctx context.Context) error {
	return c.submit(ctx, c.warm)
}

// Entries returns the stored entries, most recently accessed first.
func (c *SemanticCache) Entries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, c.lru.Len())
	for e := c.lru.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(*node).id)
	}
	return ids
}

// Stats returns counters since the cache was created.
func (c *SemanticCache) Stats() Stats {
	c.mu.Lock()
	entries := c.lru.Len()
	c.mu.Unlock()

	s := Stats{
		Entries:       entries,
		Capacity:      c.capacity,
		Threshold:     c.threshold,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		WriteFailures: c.writeFailures.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Close stops the writer after draining queued writes. It does not close
// the underlying index.
func (c *SemanticCache) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.ops)
	c.closeMu.Unlock()
	<-c.stopped
	return nil
}

func (c *SemanticCache) writer() {
	defer close(c.stopped)
	for op := range c.ops {
		err := op.run(op.ctx)
		if op.done != nil {
			op.done <- err
		}
	}
}

// submit queues fn on the writer and waits for it to finish.
func (c *SemanticCache) submit(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	op := writeOp{ctx: ctx, run: fn, done: make(chan error, 1)}

	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return ErrClosed
	}
	select {
	case c.ops <- op:
	case <-ctx.Done():
		c.closeMu.RUnlock()
		return ctx.Err()
	}
	c.closeMu.RUnlock()

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persistAccess writes the entry's hit count and access time back to the
// index without blocking the lookup. Dropped when the write queue is full.
// The counters are read from the live node when the write runs, so the last
// write to land always carries the latest values.
func (c *SemanticCache) persistAccess(entry Entry) {
	op := writeOp{
		ctx: context.Background(),
		run: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			c.mu.Lock()
			elem, live := c.nodes[entry.ID]
			if live {
				n := elem.Value.(*node)
				entry.HitCount = n.hitCount
				entry.LastAccessed = n.lastAccessed
			}
			c.mu.Unlock()
			if !live {
				return nil
			}
			rec := vectorstore.Record{ID: entry.ID, Vector: entry.QueryEmbedding, Payload: entryPayload(entry)}
			if err := c.index.Insert(ctx, c.collection, []vectorstore.Record{rec}); err != nil {
				c.writeFailures.Add(1)
				c.logger.Warn("failed to persist cache access", "id", entry.ID, "error", err)
			}
			return nil
		},
	}

	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.ops <- op:
	default:
		c.logger.Debug("write queue full, skipping access update", "id", entry.ID)
	}
}

// evict removes entries from the back of the LRU until the count is at the
// target occupancy. It only acts once the count exceeds capacity. Must run
// on the writer.
func (c *SemanticCache) evict(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.lru.Len() <= c.capacity {
		c.mu.Unlock()
		return 0, nil
	}
	excess := c.lru.Len() - c.target
	victims := make([]string, 0, excess)
	for e := c.lru.Back(); e != nil && len(victims) < excess; e = e.Prev() {
		victims = append(victims, e.Value.(*node).id)
	}
	c.mu.Unlock()

	if err := c.index.Delete(ctx, c.collection, victims); err != nil {
		return 0, err
	}

	c.mu.Lock()
	for _, id := range victims {
		if e, ok := c.nodes[id]; ok {
			c.lru.Remove(e)
			delete(c.nodes, id)
		}
	}
	c.mu.Unlock()

	c.evictions.Add(int64(len(victims)))
	c.logger.Info("evicted cache entries", "count", len(victims))
	return len(victims), nil
}

// warm rebuilds the LRU from the index, oldest access at the back. Entries
// written under another embedding model are deleted.
func (c *SemanticCache) warm(ctx context.Context) error {
	records, err := c.index.List(ctx, c.collection)
	if err != nil {
		return fmt.Errorf("failed to load cache entries: %w", err)
	}

	nodes := make([]*node, 0, len(records))
	var stale []string
	for _, rec := range records {
		entry, err := entryFromPayload(rec.ID, rec.Payload)
		if err != nil {
			c.logger.Warn("skipping unreadable cache entry", "id", rec.ID, "error", err)
			continue
		}
		if entry.Model != c.model {
			stale = append(stale, rec.ID)
			continue
		}
		nodes = append(nodes, &node{
			id:           rec.ID,
			vector:       rec.Vector,
			createdAt:    entry.CreatedAt,
			lastAccessed: entry.LastAccessed,
			hitCount:     entry.HitCount,
		})
	}
	if len(stale) > 0 {
		if err := c.index.Delete(ctx, c.collection, stale); err != nil {
			return fmt.Errorf("failed to drop entries from another embedding model: %w", err)
		}
		c.logger.Warn("dropped cache entries from another embedding model", "count", len(stale), "model", c.model)
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].lastAccessed.Before(nodes[j].lastAccessed)
	})

	c.mu.Lock()
	c.lru.Init()
	c.nodes = make(map[string]*list.Element, len(nodes))
	for _, n := range nodes {
		c.nodes[n.id] = c.lru.PushFront(n)
	}
	c.mu.Unlock()

	if len(nodes) > 0 {
		c.logger.Info("loaded cache entries", "count", len(nodes))
	}
	return nil
}
