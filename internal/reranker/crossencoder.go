package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CrossEncoderClient scores passages with a cross-encoder served behind a
// text-embeddings-inference style POST /rerank endpoint.
type CrossEncoderClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewCrossEncoderClient creates a client for the server at baseURL.
func NewCrossEncoderClient(baseURL string, httpClient *http.Client) *CrossEncoderClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &CrossEncoderClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

type crossEncoderRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type crossEncoderScore struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
}

// Score scores a single pair.
func (c *CrossEncoderClient) Score(ctx context.Context, query, passage string) (float32, error) {
	scores, err := c.ScoreBatch(ctx, query, []string{passage})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// ScoreBatch scores all passages in one request. The server may return
// results in any order; they are mapped back by index.
func (c *CrossEncoderClient) ScoreBatch(ctx context.Context, query string, passages []string) ([]float32, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(crossEncoderRequest{Query: query, Texts: passages})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("cross-encoder error (status %d): %s", resp.StatusCode, string(msg))
	}

	var results []crossEncoderScore
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	scores := make([]float32, len(passages))
	seen := make([]bool, len(passages))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(passages) {
			return nil, fmt.Errorf("cross-encoder returned index %d for %d passages", r.Index, len(passages))
		}
		scores[r.Index] = r.Score
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("cross-encoder did not score passage %d", i)
		}
	}
	return scores, nil
}

var _ BatchScorer = (*CrossEncoderClient)(nil)
