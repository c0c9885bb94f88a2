package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memerrors "github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
)

var (
	alice = owner.New("alice", "elena")
	bob   = owner.New("bob", "elena")
)

func seed(t *testing.T, s *MockStore) time.Time {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	records := []memory.MemoryRecord{
		{ID: "a1", Owner: alice, Content: "I adopted a cat", Timestamp: now.Add(-3 * time.Hour), Significance: 0.4,
			Vectors: map[memory.VectorSpace][]float32{memory.ContentSpace: {1, 0}}},
		{ID: "a2", Owner: alice, Content: "my sister visited", Timestamp: now.Add(-2 * time.Hour), Tier: memory.MediumTerm, Significance: 0.7,
			Vectors: map[memory.VectorSpace][]float32{memory.ContentSpace: {0.8, 0.2}}},
		{ID: "a3", Owner: alice, Content: "rainy day", Timestamp: now.Add(-time.Hour), Significance: 0.1,
			Vectors: map[memory.VectorSpace][]float32{memory.ContentSpace: {0, 1}}},
		{ID: "b1", Owner: bob, Content: "bob's secret", Timestamp: now, Significance: 0.9,
			Vectors: map[memory.VectorSpace][]float32{memory.ContentSpace: {1, 0}}},
	}
	for _, r := range records {
		_, err := s.Put(ctx, r)
		require.NoError(t, err)
	}
	return now
}

func TestSearchIsOwnerScopedAndOrdered(t *testing.T) {
	s := NewMockStore()
	seed(t, s)

	list, err := s.Search(context.Background(), alice, memory.SearchRequest{
		Space: memory.ContentSpace, Vector: []float32{1, 0}, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, list.Items, 3)
	assert.Equal(t, "a1", list.Items[0].Record.ID)
	assert.Equal(t, "a2", list.Items[1].Record.ID)
	for _, item := range list.Items {
		assert.Equal(t, alice, item.Record.Owner)
	}

	list, err = s.Search(context.Background(), alice, memory.SearchRequest{
		Space: memory.ContentSpace, Vector: []float32{1, 0}, Limit: 10,
		Filters: memory.Filters{Tiers: []memory.Tier{memory.MediumTerm}},
	})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "a2", list.Items[0].Record.ID)
}

func TestSearchRejectsInvalidOwner(t *testing.T) {
	s := NewMockStore()
	_, err := s.Search(context.Background(), owner.Key{}, memory.SearchRequest{Space: memory.ContentSpace})
	assert.True(t, memerrors.Is(err, memerrors.ErrInvalidOwnerKey))
	assert.Zero(t, s.Calls("Search"))
}

func TestFaultInjection(t *testing.T) {
	s := NewMockStore()
	seed(t, s)
	boom := errors.New("boom")

	s.FailSpace(memory.EmotionSpace, boom)
	_, err := s.Search(context.Background(), alice, memory.SearchRequest{Space: memory.EmotionSpace})
	assert.ErrorIs(t, err, boom)

	s.DelaySpace(memory.ContentSpace, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Search(ctx, alice, memory.SearchRequest{Space: memory.ContentSpace})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.FailUpdate("a1", boom)
	tier := memory.MediumTerm
	assert.ErrorIs(t, s.UpdateMetadata(context.Background(), alice, "a1", memory.MetadataUpdate{Tier: &tier}), boom)
}

func TestScrollNewestFirst(t *testing.T) {
	s := NewMockStore()
	now := seed(t, s)

	recs, err := s.Scroll(context.Background(), alice, memory.ScrollRequest{After: now.Add(-150 * time.Minute), Before: now})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a3", recs[0].ID)
	assert.Equal(t, "a2", recs[1].ID)
}

func TestGetByTierAndUpdate(t *testing.T) {
	s := NewMockStore()
	seed(t, s)
	ctx := context.Background()

	short, err := s.GetByTier(ctx, alice, memory.ShortTerm, 0)
	require.NoError(t, err)
	require.Len(t, short, 2)
	assert.Equal(t, "a1", short[0].ID)

	tier := memory.MediumTerm
	require.NoError(t, s.UpdateMetadata(ctx, alice, "a1", memory.MetadataUpdate{
		Tier:          &tier,
		AppendHistory: []memory.TierTransition{{From: memory.ShortTerm, To: memory.MediumTerm, Kind: memory.Promote}},
	}))
	rec, ok := s.Get(alice, "a1")
	require.True(t, ok)
	assert.Equal(t, memory.MediumTerm, rec.Tier)
	assert.Len(t, rec.History, 1)

	err = s.UpdateMetadata(ctx, bob, "a1", memory.MetadataUpdate{Tier: &tier})
	assert.True(t, memerrors.Is(err, memerrors.ErrNotFound))

	owners, err := s.ListOwners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []owner.Key{alice, bob}, owners)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 1}, []float32{2, 2}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, Cosine(nil, nil))
}
