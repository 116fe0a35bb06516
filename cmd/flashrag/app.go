package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/knoguchi/flashrag/internal/admission"
	"github.com/knoguchi/flashrag/internal/batch"
	"github.com/knoguchi/flashrag/internal/cache"
	"github.com/knoguchi/flashrag/internal/config"
	"github.com/knoguchi/flashrag/internal/embedder"
	"github.com/knoguchi/flashrag/internal/keyword"
	"github.com/knoguchi/flashrag/internal/llm"
	"github.com/knoguchi/flashrag/internal/metrics"
	"github.com/knoguchi/flashrag/internal/pipeline"
	"github.com/knoguchi/flashrag/internal/reranker"
	"github.com/knoguchi/flashrag/internal/retriever"
	"github.com/knoguchi/flashrag/internal/server"
	"github.com/knoguchi/flashrag/internal/vectorstore"
)

// app holds every component built from one Config.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store     vectorstore.Index
	embedder  embedder.Embedder
	retriever *retriever.Retriever
	cache     *cache.SemanticCache // nil when caching is disabled
	metrics   *metrics.Collector
	pipeline  *pipeline.Pipeline
	batch     *batch.Executor

	closers []func()
}

// newApp wires the store, embedder, retriever, cache and pipeline.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewCollector()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	a.onClose(func() {
		if err := a.store.Close(); err != nil {
			logger.Warn("failed to close vector store", "error", err)
		}
	})
	logger.Info("opened vector store", "backend", cfg.VectorBackend)

	a.embedder = newEmbedder(cfg)
	logger.Info("initialized embedder", "embedder", cfg.Embedder, "dimension", a.embedder.Dimension())

	opts := []retriever.Option{retriever.WithLogger(logger)}
	if cfg.HybridSearch {
		idx, err := keyword.NewMemIndex()
		if err != nil {
			return nil, fmt.Errorf("failed to create keyword index: %w", err)
		}
		a.onClose(func() { _ = idx.Close() })
		opts = append(opts, retriever.WithKeywordIndex(idx))
	}
	if a.retriever, err = retriever.New(ctx, a.embedder, a.store, cfg.DocumentCollection, opts...); err != nil {
		return nil, fmt.Errorf("failed to create retriever: %w", err)
	}

	gen := newGenerator(cfg)
	logger.Info("initialized LLM", "provider", cfg.LLMProvider, "model", cfg.LLMModel)

	pipeOpts := []pipeline.Option{
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(logger),
	}
	if cfg.CacheEnabled {
		a.cache, err = cache.New(ctx, a.store, a.embedder, cache.Options{
			Collection:      cfg.CacheCollection,
			Threshold:       cfg.CacheThreshold,
			Capacity:        cfg.CacheCapacity,
			TargetOccupancy: cfg.CacheTargetOccupancy,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create semantic cache: %w", err)
		}
		a.onClose(func() { _ = a.cache.Close() })
		pipeOpts = append(pipeOpts, pipeline.WithCache(a.cache))
	}

	a.pipeline, err = pipeline.New(a.embedder, a.retriever, reranker.New(newScorer(cfg, gen, logger)), gen, pipeline.Config{
		TopK:              cfg.TopK,
		TopN:              cfg.TopN,
		AllowEmptyContext: cfg.AllowEmptyContext,
		Generate: llm.GenerateOptions{
			Model:        cfg.LLMModel,
			SystemPrompt: cfg.SystemPrompt,
			Temperature:  cfg.LLMTemperature,
			MaxTokens:    cfg.LLMMaxTokens,
		},
		EmbedTimeout:    cfg.EmbedTimeout,
		RetrieveTimeout: cfg.RetrieveTimeout,
		RerankTimeout:   cfg.RerankTimeout,
		GenerateTimeout: cfg.GenerateTimeout,
	}, pipeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	if a.batch, err = batch.New(a.pipeline, cfg.MaxWorkers, logger); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases components in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// cacheAdmin keeps a nil cache from becoming a non-nil interface.
func (a *app) cacheAdmin() server.CacheAdmin {
	if a.cache == nil {
		return nil
	}
	return a.cache
}

func openStore(cfg *config.Config) (vectorstore.Index, error) {
	switch cfg.VectorBackend {
	case "memory":
		return vectorstore.NewMemoryStore(), nil
	case "qdrant":
		s, err := vectorstore.NewQdrantStore(cfg.QdrantHost, cfg.QdrantPort)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
		}
		return s, nil
	default:
		s, err := vectorstore.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite store: %w", err)
		}
		return s, nil
	}
}

func newEmbedder(cfg *config.Config) embedder.Embedder {
	if cfg.Embedder == "hashing" {
		return embedder.NewHashingEmbedder(cfg.HashingDimension)
	}
	return embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.EmbeddingModel,
	})
}

func newGenerator(cfg *config.Config) llm.Generator {
	if cfg.LLMProvider == "openai" {
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.LLMModel,
		})
	}
	return llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.LLMModel),
	)
}

func newScorer(cfg *config.Config, gen llm.Generator, logger *slog.Logger) reranker.Scorer {
	switch cfg.Reranker {
	case "llm":
		return reranker.NewLLMScorer(gen, reranker.WithModel(cfg.LLMModel), reranker.WithScorerLogger(logger))
	case "crossencoder":
		return reranker.NewCrossEncoderClient(cfg.CrossEncoderURL, nil)
	default:
		return reranker.LexicalScorer{}
	}
}

// newGate builds the admission gate and, for the shared backend, a readiness
// check and a cleanup worker bound to ctx.
func newGate(ctx context.Context, cfg *config.Config, logger *slog.Logger) (admission.Gate, server.ReadinessCheck, func(), error) {
	switch cfg.RateLimitBackend {
	case "none":
		return admission.Unlimited{}, nil, func() {}, nil
	case "postgres":
		db, closeDB, err := admission.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		gate, err := admission.NewSlidingWindow(db, cfg.RateLimitPerMinute, time.Minute, logger)
		if err != nil {
			closeDB()
			return nil, nil, nil, err
		}
		if err := gate.EnsureSchema(ctx); err != nil {
			closeDB()
			return nil, nil, nil, err
		}
		go gate.StartCleanupWorker(ctx, time.Minute)
		logger.Info("using shared rate limiter", "backend", "postgres", "per_minute", cfg.RateLimitPerMinute)
		return gate, db.PingContext, closeDB, nil
	default:
		gate, err := admission.NewTokenBucket(cfg.RateLimitPerMinute)
		if err != nil {
			return nil, nil, nil, err
		}
		return gate, nil, func() {}, nil
	}
}
