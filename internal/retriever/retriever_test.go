package retriever

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/flashrag/internal/embedder"
	"github.com/knoguchi/flashrag/internal/keyword"
	"github.com/knoguchi/flashrag/internal/vectorstore"
)

var corpus = []Passage{
	{ID: "p1", Text: "Paris is the capital of France.", Metadata: map[string]string{"source": "atlas"}},
	{ID: "p2", Text: "Berlin is the capital of Germany."},
	{ID: "p3", Text: "The Eiffel Tower stands in Paris."},
	{ID: "p4", Text: "Mount Fuji is the tallest mountain in Japan."},
}

func newRetriever(t *testing.T, opts ...Option) (*Retriever, vectorstore.Index) {
	t.Helper()
	store := vectorstore.NewMemoryStore()
	r, err := New(context.Background(), embedder.NewHashingEmbedder(256), store, "documents", opts...)
	require.NoError(t, err)
	require.NoError(t, r.Index(context.Background(), corpus))
	return r, store
}

func TestRetriever_Retrieve(t *testing.T) {
	r, _ := newRetriever(t)
	ctx := context.Background()

	got, err := r.Retrieve(ctx, "capital of France", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].ID)
	assert.Equal(t, "Paris is the capital of France.", got[0].Text)
	assert.Equal(t, "atlas", got[0].Metadata["source"])
	assert.GreaterOrEqual(t, got[0].Score, got[1].Score)

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(corpus), n)

	t.Run("topK larger than corpus", func(t *testing.T) {
		got, err := r.Retrieve(ctx, "capital", 50)
		require.NoError(t, err)
		assert.Len(t, got, len(corpus))
	})

	t.Run("zero topK", func(t *testing.T) {
		got, err := r.Retrieve(ctx, "capital", 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestRetriever_EmptyCollection(t *testing.T) {
	r, err := New(context.Background(), embedder.NewHashingEmbedder(64), vectorstore.NewMemoryStore(), "documents")
	require.NoError(t, err)

	got, err := r.Retrieve(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetriever_RequiresCollection(t *testing.T) {
	_, err := New(context.Background(), embedder.NewHashingEmbedder(64), vectorstore.NewMemoryStore(), "")
	assert.Error(t, err)
}

func TestRetriever_Hybrid(t *testing.T) {
	kw, err := keyword.NewMemIndex()
	require.NoError(t, err)
	defer kw.Close()

	r, store := newRetriever(t, WithKeywordIndex(kw))

	got, err := r.Retrieve(context.Background(), "Eiffel Tower", 3)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "p3", got[0].ID)
	assert.Equal(t, "The Eiffel Tower stands in Paris.", got[0].Text)

	t.Run("keyword index rebuilt from store", func(t *testing.T) {
		kw2, err := keyword.NewMemIndex()
		require.NoError(t, err)
		defer kw2.Close()

		_, err = New(context.Background(), embedder.NewHashingEmbedder(256), store, "documents", WithKeywordIndex(kw2))
		require.NoError(t, err)

		n, err := kw2.Count()
		require.NoError(t, err)
		assert.Equal(t, uint64(len(corpus)), n)
	})
}

func TestFuse(t *testing.T) {
	vector := []Candidate{
		{Passage: Passage{ID: "a", Text: "A"}, Score: 0.9},
		{Passage: Passage{ID: "b", Text: "B"}, Score: 0.8},
	}
	hits := []keyword.Hit{
		{ID: "b", Text: "B", Score: 3},
		{ID: "c", Text: "C", Score: 2},
	}

	got := fuse(vector, hits, 10)
	require.Len(t, got, 3)
	// b appears in both lists and wins
	assert.Equal(t, "b", got[0].ID)
	// a was ranked first by the vector side, c second by keywords
	assert.Equal(t, "a", got[1].ID)
	assert.Equal(t, "c", got[2].ID)
	assert.Equal(t, "C", got[2].Text)

	t.Run("truncates", func(t *testing.T) {
		assert.Len(t, fuse(vector, hits, 1), 1)
	})

	t.Run("ties keep first seen order", func(t *testing.T) {
		got := fuse([]Candidate{{Passage: Passage{ID: "x"}}}, []keyword.Hit{{ID: "y"}}, 2)
		require.Len(t, got, 2)
		assert.Equal(t, "x", got[0].ID)
		assert.Equal(t, "y", got[1].ID)
	})
}

func TestPassagePayload(t *testing.T) {
	p := Passage{ID: "p", Text: "body", Metadata: map[string]string{"source": "s", "page": "2"}}
	payload := passagePayload(p)
	assert.Equal(t, "body", payload["text"])
	assert.Equal(t, "s", payload["meta.source"])

	assert.Equal(t, p, passageFromPayload("p", payload))
	assert.Nil(t, passageFromPayload("q", map[string]string{"text": "t"}).Metadata)
}
