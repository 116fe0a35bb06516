package embedder

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestTokens(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"What is the capital of France?", []string{"capital", "france"}},
		{"capital of France?", []string{"capital", "france"}},
		{"Paris is the capital of France.", []string{"paris", "capital", "france"}},
		{"the", []string{"the"}},
		{"", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Tokens(tt.in)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHashingEmbedder(t *testing.T) {
	ctx := context.Background()
	e := NewHashingEmbedder(256)
	assert.Equal(t, 256, e.Dimension())

	t.Run("deterministic", func(t *testing.T) {
		a, err := e.Embed(ctx, "semantic caching for retrieval")
		require.NoError(t, err)
		b, err := e.Embed(ctx, "semantic caching for retrieval")
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("unit length", func(t *testing.T) {
		v, err := e.Embed(ctx, "vector search engines")
		require.NoError(t, err)
		assert.InDelta(t, 1.0, cosine(v, v), 1e-6)
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, norm, 1e-5)
	})

	t.Run("paraphrase is identical", func(t *testing.T) {
		a, _ := e.Embed(ctx, "What is the capital of France?")
		b, _ := e.Embed(ctx, "capital of France?")
		assert.InDelta(t, 1.0, cosine(a, b), 1e-6)
	})

	t.Run("passage overlap is partial", func(t *testing.T) {
		q, _ := e.Embed(ctx, "What is the capital of France?")
		p, _ := e.Embed(ctx, "Paris is the capital of France.")
		sim := cosine(q, p)
		assert.Greater(t, sim, 0.5)
		assert.Less(t, sim, 0.95)
	})

	t.Run("batch preserves order", func(t *testing.T) {
		texts := []string{"alpha", "beta", "gamma"}
		out, err := e.EmbedBatch(ctx, texts)
		require.NoError(t, err)
		require.Len(t, out, 3)
		for i, text := range texts {
			single, _ := e.Embed(ctx, text)
			assert.Equal(t, single, out[i])
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := e.Embed(cctx, "anything")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestOllamaEmbedder(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Prompt == "fail" {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
			return
		}
		emb := []float64{float64(len(req.Prompt)), 1, 0}
		_ = json.NewEncoder(w).Encode(ollamaResponse{Embedding: emb})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL + "/", Model: "tiny", Dimension: 3, BatchConcurrency: 2})
	assert.Equal(t, "tiny", e.ModelName())
	assert.Equal(t, 3, e.Dimension())

	t.Run("embed", func(t *testing.T) {
		v, err := e.Embed(context.Background(), "four")
		require.NoError(t, err)
		assert.Equal(t, []float32{4, 1, 0}, v)
	})

	t.Run("api error", func(t *testing.T) {
		_, err := e.Embed(context.Background(), "fail")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
	})

	t.Run("batch", func(t *testing.T) {
		out, err := e.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
		require.NoError(t, err)
		require.Len(t, out, 3)
		assert.Equal(t, float32(1), out[0][0])
		assert.Equal(t, float32(2), out[1][0])
		assert.Equal(t, float32(3), out[2][0])
	})

	t.Run("batch error", func(t *testing.T) {
		_, err := e.EmbedBatch(context.Background(), []string{"ok", "fail"})
		require.Error(t, err)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		wrong := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Dimension: 768})
		_, err := wrong.Embed(context.Background(), "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dimension mismatch")
	})
}

func TestGetModelConfig(t *testing.T) {
	assert.Equal(t, 768, GetModelConfig("nomic-embed-text").Dimension)
	assert.Equal(t, 384, GetModelConfig("all-minilm").Dimension)
	assert.Equal(t, 768, GetModelConfig("unknown").Dimension)
}
