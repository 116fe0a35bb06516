package reranker

import (
	"context"

	"github.com/knoguchi/flashrag/internal/embedder"
)

// LexicalScorer scores a pair by the Jaccard similarity of their content
// words. It needs no model and is the default.
type LexicalScorer struct{}

// Score returns a value between 0 (no overlap) and 1 (same word set).
func (LexicalScorer) Score(ctx context.Context, query, passage string) (float32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return float32(jaccardSimilarity(wordSet(query), wordSet(passage))), nil
}

func wordSet(text string) map[string]struct{} {
	words := embedder.Tokens(text)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func jaccardSimilarity(set1, set2 map[string]struct{}) float64 {
	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for word := range set1 {
		if _, exists := set2[word]; exists {
			intersection++
		}
	}
	union := len(set1) + len(set2) - intersection
	return float64(intersection) / float64(union)
}

var _ Scorer = LexicalScorer{}
