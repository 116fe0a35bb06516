// Package retriever finds candidate passages for a query in the document
// collection.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/knoguchi/flashrag/internal/embedder"
	"github.com/knoguchi/flashrag/internal/keyword"
	"github.com/knoguchi/flashrag/internal/vectorstore"
)

// payload keys on document records
const (
	textKey = "text"
	metaKey = "meta."
)

// rrfK dampens rank contributions in reciprocal rank fusion.
const rrfK = 60

// Passage is an indexed unit of text. It is never mutated once indexed.
type Passage struct {
	ID       string            `json:"id" yaml:"id" validate:"required"`
	Text     string            `json:"text" yaml:"text" validate:"required"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Candidate is one retrieval hit. Score is the vector similarity, or the
// fused score when hybrid search is on.
type Candidate struct {
	Passage
	Score float32 `json:"score"`
}

// Retriever wraps a vector index over the document collection.
type Retriever struct {
	embedder   embedder.Embedder
	index      vectorstore.Index
	collection string
	keywords   *keyword.Index
	logger     *slog.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithKeywordIndex fuses keyword hits from idx into every retrieval.
func WithKeywordIndex(idx *keyword.Index) Option {
	return func(r *Retriever) {
		r.keywords = idx
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retriever) {
		r.logger = logger
	}
}

// New creates a Retriever over collection, creating the collection if needed.
func New(ctx context.Context, emb embedder.Embedder, index vectorstore.Index, collection string, opts ...Option) (*Retriever, error) {
	if collection == "" {
		return nil, errors.New("collection name is required")
	}
	r := &Retriever{
		embedder:   emb,
		index:      index,
		collection: collection,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := index.EnsureCollection(ctx, collection, emb.Dimension()); err != nil {
		return nil, fmt.Errorf("failed to prepare document collection: %w", err)
	}
	if r.keywords != nil {
		if err := r.rebuildKeywords(ctx); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Retrieve embeds query and returns up to topK passages, most similar first.
// There is no score cutoff at this stage.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]Candidate, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return r.RetrieveVector(ctx, query, vec, topK)
}

// RetrieveVector is Retrieve with the query embedding already computed.
func (r *Retriever) RetrieveVector(ctx context.Context, query string, vec []float32, topK int) ([]Candidate, error) {
	if topK <= 0 {
		return nil, nil
	}
	matches, err := r.index.Query(ctx, r.collection, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}
	candidates := make([]Candidate, len(matches))
	for i, m := range matches {
		candidates[i] = Candidate{Passage: passageFromPayload(m.ID, m.Payload), Score: m.Similarity}
	}

	if r.keywords == nil {
		return candidates, nil
	}
	hits, err := r.keywords.Search(query, topK)
	if err != nil {
		// the vector half is still a valid answer
		r.logger.Warn("keyword search failed", "error", err)
		return candidates, nil
	}
	return fuse(candidates, hits, topK), nil
}

// Index embeds and stores passages in the document collection.
func (r *Retriever) Index(ctx context.Context, passages []Passage) error {
	if len(passages) == 0 {
		return nil
	}
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}
	vectors, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed passages: %w", err)
	}

	records := make([]vectorstore.Record, len(passages))
	for i, p := range passages {
		records[i] = vectorstore.Record{ID: p.ID, Vector: vectors[i], Payload: passagePayload(p)}
	}
	if err := r.index.Insert(ctx, r.collection, records); err != nil {
		return fmt.Errorf("failed to store passages: %w", err)
	}

	if r.keywords != nil {
		if err := r.keywords.Add(keywordDocs(passages)); err != nil {
			return fmt.Errorf("failed to index passages for keyword search: %w", err)
		}
	}
	r.logger.Info("indexed passages", "count", len(passages), "collection", r.collection)
	return nil
}

// Count returns the number of indexed passages.
func (r *Retriever) Count(ctx context.Context) (int, error) {
	return r.index.Count(ctx, r.collection)
}

// fuse merges vector and keyword rankings with reciprocal rank fusion. Ties
// keep first-seen order, vector hits first.
func fuse(vector []Candidate, hits []keyword.Hit, topK int) []Candidate {
	type fused struct {
		cand  Candidate
		score float64
	}
	byID := make(map[string]*fused, len(vector)+len(hits))
	var order []*fused
	add := func(c Candidate, rank int) {
		f, ok := byID[c.ID]
		if !ok {
			f = &fused{cand: c}
			byID[c.ID] = f
			order = append(order, f)
		}
		f.score += 1.0 / float64(rrfK+rank+1)
	}

	for rank, c := range vector {
		add(c, rank)
	}
	for rank, h := range hits {
		add(Candidate{Passage: Passage{ID: h.ID, Text: h.Text, Metadata: h.Metadata}}, rank)
	}

	sort.SliceStable(order, func(i, j int) bool {
		return order[i].score > order[j].score
	})
	if len(order) > topK {
		order = order[:topK]
	}
	result := make([]Candidate, len(order))
	for i, f := range order {
		result[i] = f.cand
		result[i].Score = float32(f.score)
	}
	return result
}

func (r *Retriever) rebuildKeywords(ctx context.Context) error {
	records, err := r.index.List(ctx, r.collection)
	if err != nil {
		return fmt.Errorf("failed to load passages for keyword index: %w", err)
	}
	passages := make([]Passage, len(records))
	for i, rec := range records {
		passages[i] = passageFromPayload(rec.ID, rec.Payload)
	}
	if err := r.keywords.Add(keywordDocs(passages)); err != nil {
		return fmt.Errorf("failed to build keyword index: %w", err)
	}
	return nil
}

func keywordDocs(passages []Passage) []keyword.Doc {
	docs := make([]keyword.Doc, len(passages))
	for i, p := range passages {
		docs[i] = keyword.Doc{ID: p.ID, Text: p.Text, Metadata: p.Metadata}
	}
	return docs
}

func passagePayload(p Passage) map[string]string {
	payload := make(map[string]string, len(p.Metadata)+1)
	payload[textKey] = p.Text
	for k, v := range p.Metadata {
		payload[metaKey+k] = v
	}
	return payload
}

func passageFromPayload(id string, payload map[string]string) Passage {
	p := Passage{ID: id, Text: payload[textKey]}
	for k, v := range payload {
		if name, ok := strings.CutPrefix(k, metaKey); ok && name != "" {
			if p.Metadata == nil {
				p.Metadata = make(map[string]string)
			}
			p.Metadata[name] = v
		}
	}
	return p
}
