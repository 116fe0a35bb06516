// Package vectorstore provides interfaces and implementations for vector similarity search.
//
// A store holds independently named collections. flashrag keeps the document
// passages and the semantic cache in two collections of the same store, so
// either partition can be dropped and rebuilt without touching the other.
package vectorstore

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sort"
)

var (
	// ErrCollectionNotFound is returned when an operation names a collection that does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrDimensionMismatch is returned when a vector does not match the collection dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Record is a vector with its payload, as written to a collection.
type Record struct {
	ID      string
	Vector  []float32
	Payload map[string]string
}

// Match is a query hit. Similarity is cosine similarity in [-1, 1], higher is closer.
type Match struct {
	ID         string
	Payload    map[string]string
	Similarity float32
}

// Index defines the interface for vector storage operations
type Index interface {
	// EnsureCollection creates the collection if it does not exist yet
	EnsureCollection(ctx context.Context, collection string, dimension int) error

	// DropCollection deletes a collection and everything in it
	DropCollection(ctx context.Context, collection string) error

	// Insert writes records, replacing any existing record with the same ID
	Insert(ctx context.Context, collection string, records []Record) error

	// Query returns up to k nearest records ordered by descending similarity
	Query(ctx context.Context, collection string, vector []float32, k int) ([]Match, error)

	// Delete removes records by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, collection string, ids []string) error

	// List returns every record in the collection
	List(ctx context.Context, collection string) ([]Record, error)

	// Count returns the number of records in the collection
	Count(ctx context.Context, collection string) (int, error)

	// Close releases the underlying connection
	Close() error
}

// CosineSimilarity returns the cosine of the angle between a and b, clamped
// to [-1, 1]. Zero vectors have similarity 0 with everything.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return float32(sim)
}

// rankTopK scores every record against query and keeps the k best. Records
// with equal similarity keep their input order.
func rankTopK(records []Record, query []float32, k int) []Match {
	if k <= 0 || len(records) == 0 {
		return nil
	}
	matches := make([]Match, len(records))
	for i, r := range records {
		matches[i] = Match{
			ID:         r.ID,
			Payload:    clonePayload(r.Payload),
			Similarity: CosineSimilarity(query, r.Vector),
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches
}

func clonePayload(p map[string]string) map[string]string {
	if p == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
