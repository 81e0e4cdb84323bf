package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder memoizes embeddings so a repeated prompt (the user turn is embedded for
// the write and again for the search) costs one backend call.
type CachedEmbedder struct {
	next  Embedder
	model string
	cache *ristretto.Cache
}

// NewCachedEmbedder keeps roughly maxEntries vectors.
func NewCachedEmbedder(next Embedder, model string, maxEntries int64) (*CachedEmbedder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, model: model, cache: cache}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.model + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return append([]float32(nil), vec...), nil
		}
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Dimensions forwards the wrapped embedder's size, or 0 when it does not know it.
func (c *CachedEmbedder) Dimensions() int {
	if sized, ok := c.next.(interface{ Dimensions() int }); ok {
		return sized.Dimensions()
	}
	return 0
}

// Wait blocks until pending cache writes are visible.
func (c *CachedEmbedder) Wait() { c.cache.Wait() }

func (c *CachedEmbedder) Close() { c.cache.Close() }
