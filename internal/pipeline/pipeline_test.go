package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/flashrag/internal/cache"
	"github.com/knoguchi/flashrag/internal/embedder"
	"github.com/knoguchi/flashrag/internal/llm"
	"github.com/knoguchi/flashrag/internal/metrics"
	"github.com/knoguchi/flashrag/internal/reranker"
	"github.com/knoguchi/flashrag/internal/retriever"
	"github.com/knoguchi/flashrag/internal/vectorstore"
)

const parisAnswer = "Paris is the capital of France."

var parisPassage = retriever.Passage{ID: "p1", Text: "Paris is the capital of France."}

// scriptedGenerator answers every prompt with the same text.
type scriptedGenerator struct {
	answer     string
	err        error
	streamErr  error
	truncate   bool
	block      bool
	tokenDelay time.Duration

	calls   atomic.Int32
	mu      sync.Mutex
	prompts []string
}

func (g *scriptedGenerator) record(prompt string) {
	g.calls.Add(1)
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
}

func (g *scriptedGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	g.record(prompt)
	if g.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if g.err != nil {
		return "", g.err
	}
	return g.answer, nil
}

func (g *scriptedGenerator) GenerateStream(ctx context.Context, prompt string, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	g.record(prompt)
	if g.err != nil {
		return nil, g.err
	}
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for _, tok := range strings.SplitAfter(g.answer, " ") {
			if g.tokenDelay > 0 {
				select {
				case <-time.After(g.tokenDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- llm.StreamChunk{Token: tok}:
			case <-ctx.Done():
				return
			}
		}
		if g.truncate {
			return
		}
		final := llm.StreamChunk{Done: true, Error: g.streamErr}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

type countingEmbedder struct {
	embedder.Embedder
	err error
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.Embedder.Embed(ctx, text)
}

type countingRetriever struct {
	Retriever
	calls atomic.Int32
	err   error
}

func (r *countingRetriever) RetrieveVector(ctx context.Context, query string, vec []float32, topK int) ([]retriever.Candidate, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return r.Retriever.RetrieveVector(ctx, query, vec, topK)
}

type countingReranker struct {
	Reranker
	calls atomic.Int32
	err   error
}

func (r *countingReranker) Rerank(ctx context.Context, query string, candidates []retriever.Candidate, topN int) ([]reranker.Ranked, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return r.Reranker.Rerank(ctx, query, candidates, topN)
}

// failingStoreCache looks up normally and fails every store.
type failingStoreCache struct {
	Cache
}

func (failingStoreCache) Store(ctx context.Context, query string, vec []float32, answer string, contexts []string) (cache.Entry, error) {
	return cache.Entry{}, cache.ErrWrite
}

type fixture struct {
	emb     *countingEmbedder
	cache   *cache.SemanticCache
	ret     *countingRetriever
	rr      *countingReranker
	gen     *scriptedGenerator
	metrics *metrics.Collector
	cfg     Config
}

func newFixture(t *testing.T, passages ...retriever.Passage) *fixture {
	t.Helper()
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	emb := &countingEmbedder{Embedder: embedder.NewHashingEmbedder(256)}

	ret, err := retriever.New(ctx, emb, store, "documents")
	require.NoError(t, err)
	require.NoError(t, ret.Index(ctx, passages))

	c, err := cache.New(ctx, store, emb, cache.Options{Threshold: 0.95, Capacity: 10})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return &fixture{
		emb:     emb,
		cache:   c,
		ret:     &countingRetriever{Retriever: ret},
		rr:      &countingReranker{Reranker: reranker.New(reranker.LexicalScorer{})},
		gen:     &scriptedGenerator{answer: parisAnswer},
		metrics: metrics.NewCollector(),
		cfg: Config{
			TopK:              10,
			TopN:              3,
			AllowEmptyContext: true,
			EmbedTimeout:      time.Second,
			RetrieveTimeout:   time.Second,
			RerankTimeout:     time.Second,
			GenerateTimeout:   time.Second,
		},
	}
}

func (f *fixture) pipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithCache(f.cache), WithMetrics(f.metrics)}, opts...)
	p, err := New(f.emb, f.ret, f.rr, f.gen, f.cfg, opts...)
	require.NoError(t, err)
	return p
}

func TestQuery_CacheScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, parisPassage)
	p := f.pipeline(t)

	first, err := p.Query(ctx, Request{Text: "What is the capital of France?", UseCache: true})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, SourceLLM, first.Source)
	assert.Equal(t, parisAnswer, first.Answer)
	assert.Equal(t, 1, first.RetrievedCount)
	assert.Equal(t, 1, first.RerankedCount)
	assert.Equal(t, []string{parisPassage.Text}, first.Contexts)
	assert.Contains(t, f.gen.lastPrompt(), "[Doc 1]\nParis is the capital of France.")
	assert.Equal(t, 1, f.cache.Stats().Entries)

	second, err := p.Query(ctx, Request{Text: "capital of France?", UseCache: true})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, parisAnswer, second.Answer)
	assert.GreaterOrEqual(t, second.Similarity, float32(0.95))
	assert.Equal(t, []string{parisPassage.Text}, second.Contexts)

	assert.Equal(t, int32(1), f.ret.calls.Load())
	assert.Equal(t, int32(1), f.rr.calls.Load())
	assert.Equal(t, int32(1), f.gen.calls.Load())

	s := f.metrics.Summary()
	assert.Equal(t, int64(2), s.TotalRequests)
	assert.Equal(t, int64(1), s.CacheHits)
	assert.Equal(t, int64(1), s.CacheMisses)
}

func TestQuery_UseCacheFalse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, parisPassage)
	p := f.pipeline(t)

	for i := 0; i < 2; i++ {
		res, err := p.Query(ctx, Request{Text: "capital of France?", UseCache: false})
		require.NoError(t, err)
		assert.False(t, res.CacheHit)
	}
	assert.Zero(t, f.cache.Stats().Entries)
	assert.Zero(t, f.cache.Stats().Hits+f.cache.Stats().Misses, "cache must not be consulted")
	assert.Equal(t, int32(2), f.gen.calls.Load())
}

func TestQuery_NoCacheConfigured(t *testing.T) {
	f := newFixture(t, parisPassage)
	p, err := New(f.emb, f.ret, f.rr, f.gen, f.cfg)
	require.NoError(t, err)

	res, err := p.Query(context.Background(), Request{Text: "capital of France?", UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, SourceLLM, res.Source)
}

func TestQuery_EmptyContext(t *testing.T) {
	ctx := context.Background()

	t.Run("allowed", func(t *testing.T) {
		f := newFixture(t)
		f.gen.answer = "I could not find documents about that."
		res, err := f.pipeline(t).Query(ctx, Request{Text: "Who wrote Hamlet?", UseCache: true})
		require.NoError(t, err)
		assert.Zero(t, res.RetrievedCount)
		assert.Zero(t, res.RerankedCount)
		assert.Empty(t, res.Contexts)
		assert.Contains(t, f.gen.lastPrompt(), "general knowledge")
		assert.Equal(t, 1, f.cache.Stats().Entries)
	})

	t.Run("disallowed", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.AllowEmptyContext = false
		_, err := f.pipeline(t).Query(ctx, Request{Text: "Who wrote Hamlet?", UseCache: true})
		assert.ErrorIs(t, err, ErrNoContext)
		assert.ErrorIs(t, err, ErrRerank)
		assert.Zero(t, f.gen.calls.Load())
		assert.Zero(t, f.cache.Stats().Entries)
	})
}

func TestQuery_StageErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name     string
		sabotage func(f *fixture)
		kind     error
		stage    State
	}{
		{name: "embed", sabotage: func(f *fixture) { f.emb.err = boom }, kind: ErrEmbedding, stage: StateEmbed},
		{name: "retrieve", sabotage: func(f *fixture) { f.ret.err = boom }, kind: ErrIndex, stage: StateRetrieve},
		{name: "rerank", sabotage: func(f *fixture) { f.rr.err = boom }, kind: ErrRerank, stage: StateRerank},
		{name: "generate", sabotage: func(f *fixture) { f.gen.err = boom }, kind: ErrGeneration, stage: StateGenerate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, parisPassage)
			tt.sabotage(f)
			res, err := f.pipeline(t).Query(context.Background(), Request{Text: "capital of France?", UseCache: true})
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.kind)
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, tt.stage, FailedStage(err))

			s := f.metrics.Summary()
			assert.Equal(t, int64(1), s.Failures)
			assert.Equal(t, map[string]int64{string(tt.stage): 1}, s.FailuresByStage)
			assert.Zero(t, f.cache.Stats().Entries)
		})
	}
}

func TestQuery_CacheStoreFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, parisPassage)
	p := f.pipeline(t, WithCache(failingStoreCache{Cache: f.cache}))

	res, err := p.Query(context.Background(), Request{Text: "capital of France?", UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, parisAnswer, res.Answer)

	s := f.metrics.Summary()
	assert.Equal(t, int64(1), s.CacheWriteFailures)
	assert.Zero(t, s.Failures)
}

func TestQuery_StageTimeout(t *testing.T) {
	f := newFixture(t, parisPassage)
	f.gen.block = true
	f.cfg.GenerateTimeout = 20 * time.Millisecond

	_, err := f.pipeline(t).Query(context.Background(), Request{Text: "capital of France?", UseCache: true})
	assert.ErrorIs(t, err, ErrGeneration)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQuery_EmptyText(t *testing.T) {
	f := newFixture(t, parisPassage)
	_, err := f.pipeline(t).Query(context.Background(), Request{Text: "  "})
	assert.ErrorIs(t, err, ErrEmptyQuery)
	assert.Empty(t, FailedStage(err))
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t)

	f.cfg.TopK, f.cfg.TopN = 2, 3
	_, err := New(f.emb, f.ret, f.rr, f.gen, f.cfg)
	assert.Error(t, err)

	f.cfg.TopK, f.cfg.TopN = 3, 0
	_, err = New(f.emb, f.ret, f.rr, f.gen, f.cfg)
	assert.Error(t, err)

	f.cfg.TopK, f.cfg.TopN = 3, 3
	_, err = New(f.emb, f.ret, f.rr, f.gen, f.cfg)
	assert.NoError(t, err)
}

func TestStageError(t *testing.T) {
	err := &StageError{Stage: StateCacheCheck, Err: context.DeadlineExceeded}
	assert.ErrorIs(t, err, ErrIndex)
	assert.NotErrorIs(t, err, ErrGeneration)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "CACHE_CHECK: context deadline exceeded", err.Error())
}
