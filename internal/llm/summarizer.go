// Package llm wraps the chat-completions backend used to generate short
// contextual prefixes for document chunks.
package llm

import (
	"bytes"
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bricksllm/memtier/internal/breaker"
	"github.com/bricksllm/memtier/internal/domain"
	"go.uber.org/zap"
)

const chatCompletionsURL = "https://api.openai.com/v1/chat/completions"

const prefixPrompt = "Write one short sentence situating the following chunk within its document. Answer with the sentence only."

// Summarizer generates contextual prefixes for chunks. Results, including
// empty ones from failed calls, are cached by content hash so a failing
// backend is not re-paid per chunk.
type Summarizer struct {
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	br         *breaker.Breaker
	logger     *zap.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	size    int
	ttl     time.Duration
	now     func() time.Time
}

type prefixEntry struct {
	key      string
	prefix   string
	storedAt time.Time
}

func NewSummarizer(apiKey, model string, timeout time.Duration, cacheSize int, cacheTTL time.Duration, br *breaker.Breaker, logger *zap.Logger) *Summarizer {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	if br == nil {
		br = breaker.New("summarizer", breaker.DefaultConfig())
	}
	return &Summarizer{
		apiKey:     apiKey,
		model:      model,
		timeout:    timeout,
		httpClient: &http.Client{},
		br:         br,
		logger:     logger,
		entries:    make(map[string]*list.Element, cacheSize),
		order:      list.New(),
		size:       cacheSize,
		ttl:        cacheTTL,
		now:        time.Now,
	}
}

// ContextPrefix returns a one-sentence prefix for the chunk, or "" when
// the backend fails. The empty result is negatively cached.
func (s *Summarizer) ContextPrefix(ctx context.Context, chunk, docContext string) string {
	key := domain.ContentHash(chunk + "\x00" + docContext)
	if prefix, ok := s.get(key); ok {
		return prefix
	}

	var prefix string
	err := s.br.Do(ctx, func(ctx context.Context) error {
		var genErr error
		prefix, genErr = s.generate(ctx, chunk, docContext)
		return genErr
	})
	if err != nil {
		s.logger.Warn("context prefix generation failed", zap.Error(err))
		prefix = ""
	}
	s.put(key, prefix)
	return prefix
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *Summarizer) generate(ctx context.Context, chunk, docContext string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var sb strings.Builder
	if docContext != "" {
		sb.WriteString("Document context:\n")
		sb.WriteString(docContext)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Chunk:\n")
	sb.WriteString(chunk)

	body, err := json.Marshal(chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: prefixPrompt},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal summarizer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chatCompletionsURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create summarizer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("summarizer request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read summarizer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("summarizer API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal summarizer response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("summarizer API error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("summarizer API returned no choices")
	}

	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

func (s *Summarizer) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return "", false
	}
	entry := el.Value.(*prefixEntry)
	if s.ttl > 0 && s.now().Sub(entry.storedAt) > s.ttl {
		s.order.Remove(el)
		delete(s.entries, key)
		return "", false
	}
	s.order.MoveToFront(el)
	return entry.prefix, true
}

func (s *Summarizer) put(key, prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		el.Value.(*prefixEntry).prefix = prefix
		el.Value.(*prefixEntry).storedAt = s.now()
		s.order.MoveToFront(el)
		return
	}
	el := s.order.PushFront(&prefixEntry{key: key, prefix: prefix, storedAt: s.now()})
	s.entries[key] = el

	for s.order.Len() > s.size {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*prefixEntry).key)
	}
}
