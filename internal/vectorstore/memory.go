package vectorstore

import (
	"context"
	"fmt"
	"sync"
)

type memCollection struct {
	dimension int
	order     []string
	records   map[string]Record
}

// MemoryStore is an in-process Index using brute-force cosine search.
// Suitable for tests and small, throwaway corpora.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memCollection)}
}

func (m *MemoryStore) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[collection]; ok {
		if c.dimension != dimension {
			return fmt.Errorf("%w: collection %s has %d, requested %d", ErrDimensionMismatch, collection, c.dimension, dimension)
		}
		return nil
	}
	m.collections[collection] = &memCollection{dimension: dimension, records: make(map[string]Record)}
	return nil
}

func (m *MemoryStore) DropCollection(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, collection)
	return nil
}

func (m *MemoryStore) Insert(ctx context.Context, collection string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	for _, r := range records {
		if len(r.Vector) != c.dimension {
			return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(r.Vector), c.dimension)
		}
	}
	for _, r := range records {
		vec := make([]float32, len(r.Vector))
		copy(vec, r.Vector)
		if _, exists := c.records[r.ID]; !exists {
			c.order = append(c.order, r.ID)
		}
		c.records[r.ID] = Record{ID: r.ID, Vector: vec, Payload: clonePayload(r.Payload)}
	}
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, collection string, vector []float32, k int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	if len(vector) != c.dimension {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(vector), c.dimension)
	}
	return rankTopK(c.list(), vector, k), nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	removed := false
	for _, id := range ids {
		if _, exists := c.records[id]; exists {
			delete(c.records, id)
			removed = true
		}
	}
	if removed {
		order := c.order[:0]
		for _, id := range c.order {
			if _, exists := c.records[id]; exists {
				order = append(order, id)
			}
		}
		c.order = order
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, collection string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	records := c.list()
	out := make([]Record, len(records))
	for i, r := range records {
		vec := make([]float32, len(r.Vector))
		copy(vec, r.Vector)
		out[i] = Record{ID: r.ID, Vector: vec, Payload: clonePayload(r.Payload)}
	}
	return out, nil
}

func (m *MemoryStore) Count(ctx context.Context, collection string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	return len(c.records), nil
}

func (m *MemoryStore) Close() error { return nil }

// list returns records in insertion order. Callers hold the lock.
func (c *memCollection) list() []Record {
	out := make([]Record, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.records[id])
	}
	return out
}

var _ Index = (*MemoryStore)(nil)
