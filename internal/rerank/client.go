// Package rerank wraps a remote cross-encoder scoring service.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Client struct {
	url        string
	apiKey     string
	model      string
	maxChars   int
	maxBatch   int
	timeout    time.Duration
	httpClient *http.Client
}

func NewClient(url, apiKey, model string, maxChars, maxBatch int, timeout time.Duration) *Client {
	if maxChars <= 0 {
		maxChars = 2000
	}
	if maxBatch <= 0 {
		maxBatch = 32
	}
	return &Client{
		url:        url,
		apiKey:     apiKey,
		model:      model,
		maxChars:   maxChars,
		maxBatch:   maxBatch,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Rerank scores (query, passage) pairs, returning one score per passage
// in input order. Passages are truncated to the char cap; batches over
// the backend limit are split.
func (c *Client) Rerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	truncated := make([]string, len(passages))
	for i, p := range passages {
		truncated[i] = truncate(p, c.maxChars)
	}

	scores := make([]float64, len(passages))
	for start := 0; start < len(truncated); start += c.maxBatch {
		end := start + c.maxBatch
		if end > len(truncated) {
			end = len(truncated)
		}
		batch, err := c.rerankBatch(ctx, query, truncated[start:end])
		if err != nil {
			return nil, err
		}
		copy(scores[start:end], batch)
	}
	return scores, nil
}

func (c *Client) rerankBatch(ctx context.Context, query string, passages []string) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{Model: c.model, Query: query, Documents: passages})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result rerankResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal rerank response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("rerank API error: %s", result.Error.Message)
	}

	scores := make([]float64, len(passages))
	for _, r := range result.Results {
		if r.Index < 0 || r.Index >= len(passages) {
			return nil, fmt.Errorf("rerank API returned out-of-range index %d", r.Index)
		}
		scores[r.Index] = r.RelevanceScore
	}
	return scores, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
