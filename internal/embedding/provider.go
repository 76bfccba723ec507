package embedding

import (
	"fmt"
	"time"

	"github.com/bricksllm/memtier/internal/domain"
)

// NewClient returns an embedder for the configured provider.
// Valid providers: openai, mock.
func NewClient(provider, apiKey, model string, dim int, timeout time.Duration) (domain.Embedder, error) {
	switch provider {
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("openai embedding provider requires an API key")
		}
		return NewOpenAIClient(apiKey, model, dim, timeout), nil
	case "mock":
		return NewMockClient(dim), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", provider)
	}
}
