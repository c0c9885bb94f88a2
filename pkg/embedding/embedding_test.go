package embedding_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/embedding"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/embedding/adapters/mock"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
)

func TestCacheHitsAndEviction(t *testing.T) {
	inner := mock.New(8)
	cache, err := embedding.NewCache(inner, 2)
	require.NoError(t, err)
	ctx := context.Background()

	a1, err := cache.Embed(ctx, memory.ContentSpace, "hello")
	require.NoError(t, err)
	a2, err := cache.Embed(ctx, memory.ContentSpace, "hello")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Equal(t, 1, inner.Calls())

	// same text, other space is a different entry
	_, err = cache.Embed(ctx, memory.EmotionSpace, "hello")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.Calls())

	// a third key evicts the least recently used one
	_, err = cache.Embed(ctx, memory.ContentSpace, "bye")
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	hits, misses := cache.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(3), misses)

	cache.Purge()
	assert.Zero(t, cache.Len())
}

func TestCacheDoesNotStoreErrors(t *testing.T) {
	inner := mock.New(8)
	boom := errors.New("boom")
	inner.FailSpace(memory.EmotionSpace, boom)

	cache, err := embedding.NewCache(inner, 4)
	require.NoError(t, err)

	_, err = cache.Embed(context.Background(), memory.EmotionSpace, "x")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, cache.Len())

	inner.FailSpace(memory.EmotionSpace, nil)
	_, err = cache.Embed(context.Background(), memory.EmotionSpace, "x")
	assert.NoError(t, err)
}

func TestNewCacheRejectsNonPositiveSize(t *testing.T) {
	_, err := embedding.NewCache(mock.New(8), 0)
	assert.Error(t, err)
}

func TestCacheReadyDelegates(t *testing.T) {
	inner := mock.New(8)
	cache, err := embedding.NewCache(inner, 4)
	require.NoError(t, err)
	assert.NoError(t, cache.Ready(context.Background()))

	inner.SetReadyError(errors.New("model loading"))
	assert.Error(t, cache.Ready(context.Background()))
}
