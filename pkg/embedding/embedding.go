// Package embedding turns paragraphs into dense document vectors, the
// input format the clusterer consumes. Providers return float64 values to
// match the tree's vector type.
package embedding

import (
	"context"
	"errors"
	"sync"
)

// Common errors returned by embedding providers.
var (
	ErrEmptyInput     = errors.New("empty input text")
	ErrRateLimited    = errors.New("rate limited by embedding provider")
	ErrInvalidAPIKey  = errors.New("invalid API key")
	ErrContextTooLong = errors.New("input text exceeds model context length")
)

// Provider defines the interface for text embedding services.
type Provider interface {
	// EmbedBatch converts multiple paragraphs into vector embeddings.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimension returns the embedding dimension for this provider.
	Dimension() int

	// ModelName returns the name of the embedding model.
	ModelName() string
}

// CachedProvider wraps a Provider with an in-memory cache so repeated
// paragraphs are embedded once.
type CachedProvider struct {
	provider Provider
	mu       sync.Mutex
	cache    map[string][]float64
	maxSize  int
}

// NewCachedProvider creates a cached embedding provider.
func NewCachedProvider(provider Provider, maxSize int) *CachedProvider {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &CachedProvider{
		provider: provider,
		cache:    make(map[string][]float64),
		maxSize:  maxSize,
	}
}

// EmbedBatch embeds texts, serving repeats from the cache.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	results := make([][]float64, len(texts))
	uncached := make([]string, 0)
	uncachedIdx := make([]int, 0)

	c.mu.Lock()
	for i, text := range texts {
		if cached, ok := c.cache[text]; ok {
			result := make([]float64, len(cached))
			copy(result, cached)
			results[i] = result
		} else {
			uncached = append(uncached, text)
			uncachedIdx = append(uncachedIdx, i)
		}
	}
	c.mu.Unlock()

	if len(uncached) == 0 {
		return results, nil
	}

	embeddings, err := c.provider.EmbedBatch(ctx, uncached)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for i, emb := range embeddings {
		results[uncachedIdx[i]] = emb
		if len(c.cache) < c.maxSize {
			cached := make([]float64, len(emb))
			copy(cached, emb)
			c.cache[uncached[i]] = cached
		}
	}
	c.mu.Unlock()

	return results, nil
}

// Dimension returns the embedding dimension.
func (c *CachedProvider) Dimension() int {
	return c.provider.Dimension()
}

// ModelName returns the model name.
func (c *CachedProvider) ModelName() string {
	return c.provider.ModelName()
}

// CacheSize returns the current cache size.
func (c *CachedProvider) CacheSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
