package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/audit"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/classify"
	embedmock "github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/embedding/adapters/mock"
	memerrors "github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/fusion"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory/adapters/pgvector"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/retrieval"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/route"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/tier"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/test/testutil"
)

// TestPgVectorLifecycle needs a PostgreSQL with the vector extension. The
// ledger shares the database.
func TestPgVectorLifecycle(t *testing.T) {
	url := testutil.PgVectorURL(t)
	ctx := context.Background()

	store, err := pgvector.New(ctx, pgvector.Config{ConnectionString: url, Dimensions: 3})
	require.NoError(t, err)
	defer store.Close()

	ledger, err := audit.Open(ctx, audit.DriverPostgres, url)
	require.NoError(t, err)
	defer ledger.Close()

	clock := testutil.NewClock(time.Now().UTC().Truncate(time.Millisecond))
	manager, err := tier.NewManager(store, defaultPolicy(), tier.WithClock(clock.Now), tier.WithLedger(ledger))
	require.NoError(t, err)
	router, err := route.NewRouter(route.DefaultTable(), 10, 7*day)
	require.NoError(t, err)

	orch, err := retrieval.New(retrieval.Config{
		Store:      store,
		Writer:     store,
		Embedder:   embedmock.New(3),
		Classifier: classify.New(),
		Router:     router,
		Engine:     fusion.NewEngine(store, fusion.Options{SearchTimeout: 5 * time.Second}),
		Tiers:      manager,
		Limit:      10,
		Clock:      clock.Now,
	})
	require.NoError(t, err)

	// A fresh user per run keeps reruns against the same database independent.
	alice := owner.New("it-"+uuid.NewString(), "elena")
	bob := owner.New("it-"+uuid.NewString(), "elena")

	keep, err := orch.Remember(ctx, alice, "My sister's wedding is in June", 0.9)
	require.NoError(t, err)
	_, err = orch.Remember(ctx, alice, "I had cereal for breakfast", 0.2)
	require.NoError(t, err)
	_, err = orch.Remember(ctx, bob, "Bob's secret plans", 0.9)
	require.NoError(t, err)

	res, err := orch.Retrieve(ctx, alice, "tell me about the wedding")
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 2)
	for _, c := range res.Candidates {
		assert.Equal(t, alice, c.Record.Owner)
	}

	clock.Advance(65 * day)
	report, err := orch.RunTierSweep(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, 1, report.Expired)

	medium, err := store.GetByTier(ctx, alice, memory.MediumTerm, 10)
	require.NoError(t, err)
	require.Len(t, medium, 1)
	assert.Equal(t, keep, medium[0].ID)

	events, err := ledger.Events(ctx, alice, keep)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, report.RunID.String(), events[0].RunID)

	res, err = orch.Retrieve(ctx, alice, "tell me about the wedding")
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, keep, res.Candidates[0].Record.ID)
}

func TestPgVectorPutRefusesForeignID(t *testing.T) {
	url := testutil.PgVectorURL(t)
	ctx := context.Background()

	store, err := pgvector.New(ctx, pgvector.Config{ConnectionString: url, Dimensions: 3})
	require.NoError(t, err)
	defer store.Close()

	alice := owner.New("it-"+uuid.NewString(), "elena")
	bob := owner.New("it-"+uuid.NewString(), "elena")
	id := uuid.NewString()

	_, err = store.Put(ctx, memory.MemoryRecord{
		ID: id, Owner: alice, Content: "alice's note", Significance: 0.5,
		Vectors: map[memory.VectorSpace][]float32{memory.ContentSpace: {1, 0, 0}},
	})
	require.NoError(t, err)

	_, err = store.Put(ctx, memory.MemoryRecord{
		ID: id, Owner: bob, Content: "bob's note", Significance: 0.5,
		Vectors: map[memory.VectorSpace][]float32{memory.ContentSpace: {0, 1, 0}},
	})
	require.ErrorIs(t, err, memerrors.ErrPermissionDenied)

	list, err := store.Search(ctx, alice, memory.SearchRequest{Space: memory.ContentSpace, Vector: []float32{1, 0, 0}, Limit: 5})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "alice's note", list.Items[0].Record.Content)

	list, err = store.Search(ctx, bob, memory.SearchRequest{Space: memory.ContentSpace, Vector: []float32{0, 1, 0}, Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, list.Items)
}
