// Package reranker re-orders retrieval candidates by a query/passage
// relevance score.
//
// # Trade-offs
//
// The scorer is chosen by configuration (RERANKER).
//
//   - lexical: term overlap, no external call, weakest ordering
//   - crossencoder: one HTTP round trip to a reranking model server
//   - llm: one extra generation per query, roughly doubles token usage
//
// Pick crossencoder when a model server is available. The llm scorer exists
// for deployments that only have a chat model.
package reranker

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/flashrag/internal/retriever"
)

// Scorer assigns a relevance score to a single (query, passage) pair.
// Higher is more relevant. Scores are only compared within one call to
// Rerank, so any monotone scale works.
type Scorer interface {
	Score(ctx context.Context, query, passage string) (float32, error)
}

// BatchScorer is implemented by scorers that can score many passages in one
// round trip. Reranker prefers it over pairwise Score calls.
type BatchScorer interface {
	Scorer
	ScoreBatch(ctx context.Context, query string, passages []string) ([]float32, error)
}

// Ranked is a candidate with the score the reranker gave it.
type Ranked struct {
	retriever.Candidate
	RerankScore float32 `json:"rerank_score"`
}

// Reranker scores candidates and keeps the best topN.
type Reranker struct {
	scorer      Scorer
	concurrency int
}

// Option configures a Reranker.
type Option func(*Reranker)

// WithConcurrency bounds the number of pairwise Score calls in flight.
func WithConcurrency(n int) Option {
	return func(r *Reranker) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// New creates a Reranker around scorer.
func New(scorer Scorer, opts ...Option) *Reranker {
	r := &Reranker{
		scorer:      scorer,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rerank scores every candidate against query and returns the topN highest,
// sorted by descending score. Candidates with equal scores keep their
// retrieval order. The result has min(topN, len(candidates)) entries.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []retriever.Candidate, topN int) ([]Ranked, error) {
	if len(candidates) == 0 || topN <= 0 {
		return nil, nil
	}

	scores, err := r.score(ctx, query, candidates)
	if err != nil {
		return nil, err
	}

	ranked := make([]Ranked, len(candidates))
	for i, c := range candidates {
		ranked[i] = Ranked{Candidate: c, RerankScore: scores[i]}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RerankScore > ranked[j].RerankScore
	})

	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked, nil
}

func (r *Reranker) score(ctx context.Context, query string, candidates []retriever.Candidate) ([]float32, error) {
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	if bs, ok := r.scorer.(BatchScorer); ok {
		scores, err := bs.ScoreBatch(ctx, query, texts)
		if err != nil {
			return nil, fmt.Errorf("batch scoring failed: %w", err)
		}
		if len(scores) != len(texts) {
			return nil, fmt.Errorf("scorer returned %d scores for %d passages", len(scores), len(texts))
		}
		return scores, nil
	}

	scores := make([]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, text := range texts {
		g.Go(func() error {
			s, err := r.scorer.Score(gctx, query, text)
			if err != nil {
				return fmt.Errorf("scoring passage %d: %w", i, err)
			}
			scores[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}
