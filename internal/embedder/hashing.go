package embedder

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// DefaultHashingDimension is the vector size used when none is configured.
const DefaultHashingDimension = 512

// stopwords are dropped before hashing so that phrasing differences such as
// "What is the capital of France?" and "capital of France?" map to the same
// vector.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"of": {}, "in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "and": {},
	"or": {}, "what": {}, "which": {}, "who": {}, "how": {}, "why": {},
	"when": {}, "where": {}, "do": {}, "does": {}, "did": {}, "be": {},
	"it": {}, "its": {}, "this": {}, "that": {}, "with": {}, "by": {},
	"from": {}, "as": {}, "can": {}, "could": {}, "tell": {}, "me": {},
	"please": {}, "i": {}, "you": {},
}

// HashingEmbedder is a model-free embedder: a signed feature-hashing bag of
// words, L2 normalised. It needs no network and is fully deterministic, which
// makes it useful for offline runs and tests.
type HashingEmbedder struct {
	dimension int
}

// NewHashingEmbedder returns a hashing embedder producing vectors of the given size.
func NewHashingEmbedder(dimension int) *HashingEmbedder {
	if dimension <= 0 {
		dimension = DefaultHashingDimension
	}
	return &HashingEmbedder{dimension: dimension}
}

// Embed hashes the content words of text into a unit vector.
func (h *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.vector(text), nil
}

// EmbedBatch embeds each text in order.
func (h *HashingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

// Dimension returns the vector size.
func (h *HashingEmbedder) Dimension() int {
	return h.dimension
}

// ModelName identifies the hashing scheme and size.
func (h *HashingEmbedder) ModelName() string {
	return "hashing-xxh64"
}

func (h *HashingEmbedder) vector(text string) []float32 {
	vec := make([]float32, h.dimension)
	for _, tok := range Tokens(text) {
		sum := xxhash.Sum64String(tok)
		idx := sum % uint64(h.dimension)
		if sum>>63 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

// Tokens lowercases text, splits it on anything that is not a letter or digit
// and drops stopwords. If every word is a stopword the unfiltered words are
// returned instead.
func Tokens(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	content := make([]string, 0, len(words))
	for _, w := range words {
		if _, stop := stopwords[w]; !stop {
			content = append(content, w)
		}
	}
	if len(content) == 0 {
		return words
	}
	return content
}

var _ Embedder = (*HashingEmbedder)(nil)
