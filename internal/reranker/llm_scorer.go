package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knoguchi/flashrag/internal/llm"
)

// neutralScore is given to passages the model did not score. Equal scores
// leave retrieval order untouched.
const neutralScore = 0.5

// LLMScorer asks a chat model to grade every passage in a single prompt.
// This approximates a cross-encoder: the model sees query and passage
// together.
type LLMScorer struct {
	generator llm.Generator
	model     string
	logger    *slog.Logger
}

// LLMScorerOption is a functional option for configuring LLMScorer.
type LLMScorerOption func(*LLMScorer)

// WithModel sets the model to use for scoring.
func WithModel(model string) LLMScorerOption {
	return func(s *LLMScorer) {
		s.model = model
	}
}

// WithScorerLogger sets the logger.
func WithScorerLogger(logger *slog.Logger) LLMScorerOption {
	return func(s *LLMScorer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewLLMScorer creates a new LLM-based scorer.
func NewLLMScorer(generator llm.Generator, opts ...LLMScorerOption) *LLMScorer {
	s := &LLMScorer{
		generator: generator,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// relevanceScore represents the structured output from the LLM.
type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float32 `json:"score"`
}

type rerankResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Score grades a single pair.
func (s *LLMScorer) Score(ctx context.Context, query, passage string) (float32, error) {
	scores, err := s.ScoreBatch(ctx, query, []string{passage})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// ScoreBatch grades all passages with one generation. An unparseable reply
// is not an error: every passage gets the neutral score.
func (s *LLMScorer) ScoreBatch(ctx context.Context, query string, passages []string) ([]float32, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	response, err := s.generator.Generate(ctx, buildScoringPrompt(query, passages), llm.GenerateOptions{
		Model:       s.model,
		Temperature: 0.0,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM scoring failed: %w", err)
	}

	scores, err := parseScores(response, len(passages))
	if err != nil {
		s.logger.Warn("unparseable rerank response, keeping retrieval order", "error", err)
		scores = make([]float32, len(passages))
		for i := range scores {
			scores[i] = neutralScore
		}
	}
	return scores, nil
}

func buildScoringPrompt(query string, passages []string) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nDocuments to score:\n")
	for i, p := range passages {
		if len(p) > 500 {
			p = p[:500] + "..."
		}
		fmt.Fprintf(&sb, "[Doc %d]: %s\n\n", i, p)
	}

	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseScores extracts scores from the reply, tolerating a markdown fence.
// Missing or out-of-range indices get the neutral score. Scores are clamped
// to [0, 1].
func parseScores(response string, n int) ([]float32, error) {
	response = strings.TrimSpace(response)
	if idx := strings.Index(response, "```"); idx != -1 {
		body := strings.TrimPrefix(response[idx+3:], "json")
		if end := strings.Index(body, "```"); end != -1 {
			response = body[:end]
		}
	}
	response = strings.TrimSpace(response)

	var parsed rerankResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	scores := make([]float32, n)
	for i := range scores {
		scores[i] = neutralScore
	}
	for _, sc := range parsed.Scores {
		if sc.DocIndex < 0 || sc.DocIndex >= n {
			continue
		}
		scores[sc.DocIndex] = min(max(sc.Score, 0), 1)
	}
	return scores, nil
}

var _ BatchScorer = (*LLMScorer)(nil)
