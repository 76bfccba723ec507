package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// MockClient produces deterministic pseudo-embeddings for tests and
// local runs without an API key.
type MockClient struct {
	dim int
}

func NewMockClient(dim int) *MockClient {
	if dim <= 0 {
		dim = 1536
	}
	return &MockClient{dim: dim}
}

func (c *MockClient) Dim() int      { return c.dim }
func (c *MockClient) Model() string { return "mock" }

func (c *MockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, c.dim)
	for i := range vec {
		word := binary.BigEndian.Uint32(sum[(i*4)%28 : (i*4)%28+4])
		vec[i] = float32(word%1000)/1000 - 0.5
	}
	return Normalize(vec), nil
}

func (c *MockClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := c.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}
