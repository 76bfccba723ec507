package embedding

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/bricksllm/memtier/internal/domain"
)

// CachedEmbedder wraps an Embedder with a size-bounded LRU keyed by the
// SHA-256 of the input text. Entries expire after a TTL.
type CachedEmbedder struct {
	inner domain.Embedder

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recent
	size    int
	ttl     time.Duration
	now     func() time.Time

	hits   int64
	misses int64
}

type cacheEntry struct {
	key      string
	vec      []float32
	storedAt time.Time
}

func NewCachedEmbedder(inner domain.Embedder, size int, ttl time.Duration) *CachedEmbedder {
	if size <= 0 {
		size = 1024
	}
	return &CachedEmbedder{
		inner:   inner,
		entries: make(map[string]*list.Element, size),
		order:   list.New(),
		size:    size,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *CachedEmbedder) Dim() int      { return c.inner.Dim() }
func (c *CachedEmbedder) Model() string { return c.inner.Model() }

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := domain.ContentHash(text)
	if vec, ok := c.get(key); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.put(key, vec)
	return vec, nil
}

func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, t := range texts {
		if vec, ok := c.get(domain.ContentHash(t)); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) > 0 {
		vecs, err := c.inner.EmbedBatch(ctx, missing)
		if err != nil {
			return nil, err
		}
		for j, vec := range vecs {
			out[missingIdx[j]] = vec
			c.put(domain.ContentHash(missing[j]), vec)
		}
	}
	return out, nil
}

// HitRate returns the cache hit ratio since startup.
func (c *CachedEmbedder) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

func (c *CachedEmbedder) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.ttl > 0 && c.now().Sub(entry.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return entry.vec, true
}

func (c *CachedEmbedder) put(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).vec = vec
		el.Value.(*cacheEntry).storedAt = c.now()
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, vec: vec, storedAt: c.now()})
	c.entries[key] = el

	for c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}
