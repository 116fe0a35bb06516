// Package pipeline orchestrates one query through cache check, retrieval,
// reranking, generation and cache population.
//
// A request moves through these states:
//
//	ADMITTED -> EMBED -> CACHE_CHECK -> CACHE_HIT
//	                                 -> RETRIEVE -> RERANK -> GENERATE -> CACHE_STORE -> DONE
//
// Any state may move to FAILED. CACHE_CHECK and CACHE_STORE are skipped when
// the request opts out of the cache or no cache is configured. Stages run
// strictly in order and nothing is retried.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/knoguchi/flashrag/internal/cache"
	"github.com/knoguchi/flashrag/internal/embedder"
	"github.com/knoguchi/flashrag/internal/llm"
	"github.com/knoguchi/flashrag/internal/metrics"
	"github.com/knoguchi/flashrag/internal/reranker"
	"github.com/knoguchi/flashrag/internal/retriever"
)

const tracerName = "github.com/knoguchi/flashrag/internal/pipeline"

// Cache is the part of the semantic cache the pipeline uses.
type Cache interface {
	LookupVector(ctx context.Context, text string, vec []float32) (cache.Hit, bool, error)
	Store(ctx context.Context, query string, vec []float32, answer string, contexts []string) (cache.Entry, error)
}

// Retriever finds candidate passages for an embedded query.
type Retriever interface {
	RetrieveVector(ctx context.Context, query string, vec []float32, topK int) ([]retriever.Candidate, error)
}

// Reranker narrows candidates to the best topN.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []retriever.Candidate, topN int) ([]reranker.Ranked, error)
}

// Source says where an answer came from.
type Source string

const (
	SourceCache Source = "cache"
	SourceLLM   Source = "llm"
)

// Request is one unit of work.
type Request struct {
	Text     string `json:"query" validate:"required"`
	UseCache bool   `json:"use_cache"`
	Stream   bool   `json:"stream"`
}

// Result is the outcome of a successful request.
type Result struct {
	ID             string   `json:"id"`
	Answer         string   `json:"answer"`
	Source         Source   `json:"source"`
	CacheHit       bool     `json:"cache_hit"`
	Similarity     float32  `json:"similarity,omitempty"`
	LatencyMS      float64  `json:"latency_ms"`
	RetrievedCount int      `json:"retrieved_count"`
	RerankedCount  int      `json:"reranked_count"`
	Contexts       []string `json:"contexts,omitempty"`
}

// Config holds the per-pipeline knobs.
type Config struct {
	TopK              int
	TopN              int
	AllowEmptyContext bool

	// Generate is passed to every generation. An empty SystemPrompt gets the
	// built-in one.
	Generate llm.GenerateOptions

	EmbedTimeout    time.Duration
	RetrieveTimeout time.Duration
	RerankTimeout   time.Duration
	GenerateTimeout time.Duration
}

// Pipeline is safe for concurrent use and holds no per-request state.
type Pipeline struct {
	embedder  embedder.Embedder
	retriever Retriever
	reranker  Reranker
	generator llm.Generator
	cache     Cache
	metrics   *metrics.Collector
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       Config
}

// Option is a functional option for configuring Pipeline.
type Option func(*Pipeline)

// WithCache enables the semantic cache.
func WithCache(c Cache) Option {
	return func(p *Pipeline) {
		p.cache = c
	}
}

// WithMetrics records every request in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) {
		p.tracer = tp.Tracer(tracerName)
	}
}

// New creates a Pipeline. TopK must be at least TopN.
func New(emb embedder.Embedder, ret Retriever, rr Reranker, gen llm.Generator, cfg Config, opts ...Option) (*Pipeline, error) {
	if cfg.TopN < 1 {
		return nil, fmt.Errorf("top_n must be at least 1, got %d", cfg.TopN)
	}
	if cfg.TopK < cfg.TopN {
		return nil, fmt.Errorf("top_k (%d) must be >= top_n (%d)", cfg.TopK, cfg.TopN)
	}
	if cfg.Generate.SystemPrompt == "" {
		cfg.Generate.SystemPrompt = defaultSystemPrompt
	}

	p := &Pipeline{
		embedder:  emb,
		retriever: ret,
		reranker:  rr,
		generator: gen,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// run is the per-request bookkeeping.
type run struct {
	id     string
	start  time.Time
	req    Request
	state  State
	vec    []float32
	logger *slog.Logger
}

// generation is everything GENERATE needs once retrieval is done.
type generation struct {
	prompt    string
	contexts  []string
	retrieved int
	reranked  int
}

// Query runs req to completion and returns the full answer.
func (p *Pipeline) Query(ctx context.Context, req Request) (*Result, error) {
	r := p.newRun(req)
	ctx, span := p.tracer.Start(ctx, "pipeline.query", trace.WithAttributes(
		attribute.String("query_id", r.id),
		attribute.Bool("use_cache", req.UseCache),
	))
	defer span.End()

	res, err := p.query(ctx, r)
	p.finish(r, res, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (p *Pipeline) query(ctx context.Context, r *run) (*Result, error) {
	hit, gen, err := p.prepare(ctx, r)
	if err != nil || hit != nil {
		return hit, err
	}

	var answer string
	err = p.stage(ctx, r, StateGenerate, p.cfg.GenerateTimeout, func(ctx context.Context) error {
		var err error
		answer, err = p.generator.Generate(ctx, gen.prompt, p.cfg.Generate)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.store(ctx, r, answer, gen.contexts)
	return p.llmResult(r, answer, gen), nil
}

// prepare runs every stage before generation. It returns a result on a
// cache hit, otherwise the prompt to generate from.
func (p *Pipeline) prepare(ctx context.Context, r *run) (*Result, *generation, error) {
	if strings.TrimSpace(r.req.Text) == "" {
		return nil, nil, ErrEmptyQuery
	}

	err := p.stage(ctx, r, StateEmbed, p.cfg.EmbedTimeout, func(ctx context.Context) error {
		var err error
		r.vec, err = p.embedder.Embed(ctx, r.req.Text)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	if p.useCache(r) {
		var (
			hit cache.Hit
			ok  bool
		)
		err := p.stage(ctx, r, StateCacheCheck, p.cfg.RetrieveTimeout, func(ctx context.Context) error {
			var err error
			hit, ok, err = p.cache.LookupVector(ctx, r.req.Text, r.vec)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		if ok {
			r.state = StateCacheHit
			r.logger.Info("cache hit", "similarity", hit.Similarity, "entry_id", hit.ID)
			return &Result{
				ID:         r.id,
				Answer:     hit.AnswerText,
				Source:     SourceCache,
				CacheHit:   true,
				Similarity: hit.Similarity,
				LatencyMS:  sinceMS(r.start),
				Contexts:   hit.ContextsUsed,
			}, nil, nil
		}
	}

	var candidates []retriever.Candidate
	err = p.stage(ctx, r, StateRetrieve, p.cfg.RetrieveTimeout, func(ctx context.Context) error {
		var err error
		candidates, err = p.retriever.RetrieveVector(ctx, r.req.Text, r.vec, p.cfg.TopK)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	var ranked []reranker.Ranked
	err = p.stage(ctx, r, StateRerank, p.cfg.RerankTimeout, func(ctx context.Context) error {
		var err error
		ranked, err = p.reranker.Rerank(ctx, r.req.Text, candidates, p.cfg.TopN)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	if len(ranked) == 0 {
		if !p.cfg.AllowEmptyContext {
			return nil, nil, &StageError{Stage: StateRerank, Err: ErrNoContext}
		}
		r.logger.Info("no context retrieved, answering without documents")
	}

	return nil, &generation{
		prompt:    buildPrompt(ranked, r.req.Text),
		contexts:  contextTexts(ranked),
		retrieved: len(candidates),
		reranked:  len(ranked),
	}, nil
}

// store is best effort: a failure is logged and counted, never returned.
func (p *Pipeline) store(ctx context.Context, r *run, answer string, contexts []string) {
	if !p.useCache(r) {
		return
	}
	r.state = StateCacheStore

	ctx, span := p.tracer.Start(ctx, "pipeline.cache_store")
	defer span.End()
	if p.cfg.RetrieveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RetrieveTimeout)
		defer cancel()
	}

	if _, err := p.cache.Store(ctx, r.req.Text, r.vec, answer, contexts); err != nil {
		span.RecordError(err)
		r.logger.Warn("cache store failed", "error", err)
		if p.metrics != nil {
			p.metrics.RecordCacheWriteFailure()
		}
	}
}

// stage runs fn as state s under its own timeout and span. Errors come back
// as *StageError.
func (p *Pipeline) stage(ctx context.Context, r *run, s State, timeout time.Duration, fn func(context.Context) error) error {
	r.state = s
	ctx, span := p.tracer.Start(ctx, "pipeline."+strings.ToLower(string(s)))
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StageError{Stage: s, Err: err}
	}
	return nil
}

func (p *Pipeline) useCache(r *run) bool {
	return p.cache != nil && r.req.UseCache
}

func (p *Pipeline) newRun(req Request) *run {
	id := uuid.NewString()
	return &run{
		id:     id,
		start:  time.Now(),
		req:    req,
		state:  StateAdmitted,
		logger: p.logger.With("query_id", id),
	}
}

func (p *Pipeline) llmResult(r *run, answer string, gen *generation) *Result {
	return &Result{
		ID:             r.id,
		Answer:         answer,
		Source:         SourceLLM,
		LatencyMS:      sinceMS(r.start),
		RetrievedCount: gen.retrieved,
		RerankedCount:  gen.reranked,
		Contexts:       gen.contexts,
	}
}

// finish records the request exactly once.
func (p *Pipeline) finish(r *run, res *Result, err error) {
	latency := time.Since(r.start)
	if err != nil {
		failed := r.state
		if s := FailedStage(err); s != "" {
			failed = s
		}
		r.state = StateFailed
		if !errors.Is(err, ErrEmptyQuery) {
			r.logger.Error("query failed", "stage", failed, "error", err, "latency_ms", latency.Milliseconds())
		}
		if p.metrics != nil {
			p.metrics.RecordFailure(string(failed), latency)
		}
		return
	}

	r.state = StateDone
	r.logger.Info("query complete",
		"source", res.Source,
		"latency_ms", res.LatencyMS,
		"retrieved", res.RetrievedCount,
		"reranked", res.RerankedCount,
	)
	if p.metrics != nil {
		p.metrics.RecordRequest(res.CacheHit, latency)
	}
}

func sinceMS(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
