//go:build integration

package vectorstore

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a running Qdrant: QDRANT_HOST (default localhost), QDRANT_PORT (default 6334).
func TestQdrantStore(t *testing.T) {
	host := os.Getenv("QDRANT_HOST")
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if p := os.Getenv("QDRANT_PORT"); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		require.NoError(t, err)
	}

	s, err := NewQdrantStore(host, port)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	docs := "documents_" + uuid.NewString()[:8]
	cache := "query_cache_" + uuid.NewString()[:8]
	t.Cleanup(func() {
		_ = s.DropCollection(context.Background(), docs)
		_ = s.DropCollection(context.Background(), cache)
	})

	require.NoError(t, s.EnsureCollection(ctx, docs, 3))
	require.NoError(t, s.EnsureCollection(ctx, cache, 3))
	require.NoError(t, s.EnsureCollection(ctx, docs, 3), "ensure is idempotent")
	assert.ErrorIs(t, s.EnsureCollection(ctx, docs, 4), ErrDimensionMismatch)
	require.NoError(t, s.Insert(ctx, docs, []Record{
		{ID: "p1", Vector: []float32{1, 0, 0}, Payload: map[string]string{"text": "x axis"}},
		{ID: "p2", Vector: []float32{0, 1, 0}, Payload: map[string]string{"text": "y axis"}},
	}))
	require.NoError(t, s.Insert(ctx, cache, []Record{
		{ID: uuid.NewString(), Vector: []float32{0, 0, 1}, Payload: map[string]string{"answer": "z"}},
	}))

	matches, err := s.Query(ctx, docs, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "p1", matches[0].ID)
	assert.Equal(t, "x axis", matches[0].Payload["text"])

	records, err := s.List(ctx, docs)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	require.NoError(t, s.Delete(ctx, docs, []string{"p1"}))
	n, err := s.Count(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.DropCollection(ctx, cache))
	_, err = s.Count(ctx, cache)
	assert.ErrorIs(t, err, ErrCollectionNotFound)

	n, err = s.Count(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
