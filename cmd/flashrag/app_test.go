package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/knoguchi/flashrag/internal/admission"
	"github.com/knoguchi/flashrag/internal/config"
	"github.com/knoguchi/flashrag/internal/retriever"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		VectorBackend:        "memory",
		DocumentCollection:   "documents",
		CacheCollection:      "query_cache",
		Embedder:             "hashing",
		HashingDimension:     128,
		LLMProvider:          "ollama",
		LLMModel:             "llama3.2",
		OllamaURL:            "http://127.0.0.1:1",
		Reranker:             "lexical",
		TopK:                 5,
		TopN:                 2,
		HybridSearch:         true,
		CacheEnabled:         true,
		CacheThreshold:       0.95,
		CacheCapacity:        10,
		CacheTargetOccupancy: 0.9,
		AllowEmptyContext:    true,
		MaxWorkers:           2,
		EmbedTimeout:         time.Second,
		RetrieveTimeout:      time.Second,
		RerankTimeout:        time.Second,
		GenerateTimeout:      time.Second,
		RateLimitBackend:     "memory",
		RateLimitPerMinute:   2,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestNewApp(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(), discardLogger())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.cache)
	assert.NotNil(t, a.cacheAdmin())
	assert.Equal(t, 128, a.embedder.Dimension())

	require.NoError(t, a.retriever.Index(ctx, []retriever.Passage{
		{ID: "p1", Text: "Paris is the capital of France."},
	}))
	n, err := a.retriever.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, a.cache.Stats().Entries)
}

func TestNewApp_CacheDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.CacheEnabled = false

	a, err := newApp(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.cache)
	assert.Nil(t, a.cacheAdmin(), "a disabled cache must not become a non-nil interface")
}

func TestNewGate(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	gate, ready, closeGate, err := newGate(ctx, cfg, discardLogger())
	require.NoError(t, err)
	defer closeGate()
	assert.Nil(t, ready)

	assert.NoError(t, admission.Check(ctx, gate, "c"))
	assert.NoError(t, admission.Check(ctx, gate, "c"))
	assert.ErrorIs(t, admission.Check(ctx, gate, "c"), admission.ErrRejected)

	cfg.RateLimitBackend = "none"
	gate, _, closeGate, err = newGate(ctx, cfg, discardLogger())
	require.NoError(t, err)
	defer closeGate()
	assert.IsType(t, admission.Unlimited{}, gate)
}
