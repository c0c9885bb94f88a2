// Package embedding defines the client of the embedding service and a
// bounded cache in front of it.
package embedding

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
)

// Embedder turns text into a vector for one space. Implementations must be
// safe for concurrent use.
type Embedder interface {
	// Embed returns the vector of text in space.
	Embed(ctx context.Context, space memory.VectorSpace, text string) ([]float32, error)

	// Ready reports whether the model can serve requests. It is called once
	// at startup.
	Ready(ctx context.Context) error
}

type cacheKey struct {
	space memory.VectorSpace
	text  string
}

// Cache is an Embedder decorator with a bounded LRU. Vectors handed out are
// shared; callers must not modify them.
type Cache struct {
	next   Embedder
	lru    *lru.Cache[cacheKey, []float32]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache wraps next with an LRU holding at most size vectors.
func NewCache(next Embedder, size int) (*Cache, error) {
	if size <= 0 {
		return nil, errors.Wrap(errors.ErrInvalidInput, "cache size must be positive, got %d", size)
	}
	l, err := lru.New[cacheKey, []float32](size)
	if err != nil {
		return nil, err
	}
	return &Cache{next: next, lru: l}, nil
}

// Embed implements Embedder.
func (c *Cache) Embed(ctx context.Context, space memory.VectorSpace, text string) ([]float32, error) {
	key := cacheKey{space: space, text: text}
	if v, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	v, err := c.next.Embed(ctx, space, text)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, v)
	return v, nil
}

// Ready implements Embedder.
func (c *Cache) Ready(ctx context.Context) error {
	return c.next.Ready(ctx)
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.lru.Purge()
}
