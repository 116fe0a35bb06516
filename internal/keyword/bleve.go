// Package keyword provides an in-memory Bleve full-text index used as the
// lexical half of hybrid retrieval.
package keyword

import (
	"encoding/json"
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
)

const (
	textField = "text"
	metaField = "meta"
)

// Doc is a passage as handed to the index.
type Doc struct {
	ID       string
	Text     string
	Metadata map[string]string
}

// Hit is a search result carrying the stored passage text.
type Hit struct {
	ID       string
	Score    float64
	Text     string
	Metadata map[string]string
}

// Index wraps a memory-only Bleve index.
type Index struct {
	index bleve.Index
}

// NewMemIndex creates an empty index. The text field uses the standard
// analyzer (lowercase + tokenize, no stemming); metadata is stored but not
// searchable.
func NewMemIndex() (*Index, error) {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name
	textFieldMapping.Store = true
	docMapping.AddFieldMappingsAt(textField, textFieldMapping)

	metaFieldMapping := bleve.NewTextFieldMapping()
	metaFieldMapping.Index = false
	metaFieldMapping.Store = true
	metaFieldMapping.IncludeInAll = false
	docMapping.AddFieldMappingsAt(metaField, metaFieldMapping)

	im.DefaultMapping = docMapping

	index, err := bleve.NewMemOnly(im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &Index{index: index}, nil
}

// Add indexes docs in one batch, replacing docs with the same ID.
func (i *Index) Add(docs []Doc) error {
	if len(docs) == 0 {
		return nil
	}
	batch := i.index.NewBatch()
	for _, d := range docs {
		fields := map[string]any{textField: d.Text}
		if len(d.Metadata) > 0 {
			meta, err := json.Marshal(d.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata for %s: %w", d.ID, err)
			}
			fields[metaField] = string(meta)
		}
		if err := batch.Index(d.ID, fields); err != nil {
			return fmt.Errorf("failed to index %s: %w", d.ID, err)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch failed: %w", err)
	}
	return nil
}

// Search runs a match query over the text field and returns up to limit hits.
func (i *Index) Search(query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := bleve.NewMatchQuery(query)
	q.SetField(textField)
	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{textField, metaField}

	results, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}

	hits := make([]Hit, 0, len(results.Hits))
	for _, h := range results.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		if text, ok := h.Fields[textField].(string); ok {
			hit.Text = text
		}
		if meta, ok := h.Fields[metaField].(string); ok && meta != "" {
			if err := json.Unmarshal([]byte(meta), &hit.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for %s: %w", h.ID, err)
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Delete removes docs by ID.
func (i *Index) Delete(ids []string) error {
	batch := i.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return i.index.Batch(batch)
}

// Count returns the number of indexed docs.
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}

// Close releases the index.
func (i *Index) Close() error {
	return i.index.Close()
}
