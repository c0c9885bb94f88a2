package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/audit"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/classify"
	embedmock "github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/embedding/adapters/mock"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/fusion"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/retrieval"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/route"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/tier"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/test/testutil"
)

const day = 24 * time.Hour

func defaultPolicy() tier.Policy {
	return tier.Policy{
		ShortToMedium: tier.Threshold{MinAge: 30 * day, MinSignificance: 0.6},
		MediumToLong:  tier.Threshold{MinAge: 90 * day, MinSignificance: 0.8},
		Expiry:        tier.Expiry{MaxAge: 60 * day, MaxSignificance: 0.3},
	}
}

type lifecycle struct {
	store  memory.ReadWriteStore
	ledger *audit.SQLLedger
	orch   *retrieval.Orchestrator
}

func newLifecycle(t *testing.T, store memory.ReadWriteStore, ledgerPath string, clock *testutil.Clock) *lifecycle {
	t.Helper()
	ctx := context.Background()

	ledger, err := audit.Open(ctx, audit.DriverSQLite, ledgerPath)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	manager, err := tier.NewManager(store, defaultPolicy(),
		tier.WithClock(clock.Now),
		tier.WithLedger(ledger),
	)
	require.NoError(t, err)

	router, err := route.NewRouter(route.DefaultTable(), 10, 7*day)
	require.NoError(t, err)

	orch, err := retrieval.New(retrieval.Config{
		Store:      store,
		Writer:     store,
		Embedder:   embedmock.New(64),
		Classifier: classify.New(),
		Router:     router,
		Engine:     fusion.NewEngine(store, fusion.Options{SearchTimeout: 2 * time.Second}),
		Tiers:      manager,
		Limit:      10,
		Clock:      clock.Now,
	})
	require.NoError(t, err)
	return &lifecycle{store: store, ledger: ledger, orch: orch}
}

// TestEmbeddedLifecycle walks memories through promotion, expiry and a
// reopen of the embedded store.
func TestEmbeddedLifecycle(t *testing.T) {
	ctx := context.Background()
	alice := owner.New("alice", "elena")
	clock := testutil.NewClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))

	store, dir := testutil.OpenEmbeddedStore(t, "")
	lc := newLifecycle(t, store, filepath.Join(t.TempDir(), "audit.db"), clock)

	wedding, err := lc.orch.Remember(ctx, alice, "My sister's wedding is in June", 0.9)
	require.NoError(t, err)
	breakfast, err := lc.orch.Remember(ctx, alice, "I had cereal for breakfast", 0.2)
	require.NoError(t, err)
	weather, err := lc.orch.Remember(ctx, alice, "The weather was mild today", 0.5)
	require.NoError(t, err)

	clock.Advance(40 * day)
	report, err := lc.orch.RunTierSweep(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, 0, report.Expired)

	// Nothing has aged since, so a second sweep is a no-op.
	report, err = lc.orch.RunTierSweep(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Transitions())

	clock.Advance(25 * day)
	report, err = lc.orch.RunTierSweep(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 0, report.Promoted)

	res, err := lc.orch.Retrieve(ctx, alice, "tell me about the wedding")
	require.NoError(t, err)
	ids := make([]string, 0, len(res.Candidates))
	for _, c := range res.Candidates {
		ids = append(ids, c.Record.ID)
	}
	assert.ElementsMatch(t, []string{wedding, weather}, ids)

	events, err := lc.ledger.Events(ctx, alice, wedding)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(memory.Promote), events[0].Kind)

	events, err = lc.ledger.Events(ctx, alice, breakfast)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(memory.Expire), events[0].Kind)

	require.NoError(t, store.Close())
	reopened, _ := testutil.OpenEmbeddedStore(t, dir)

	medium, err := reopened.GetByTier(ctx, alice, memory.MediumTerm, 10)
	require.NoError(t, err)
	require.Len(t, medium, 1)
	assert.Equal(t, wedding, medium[0].ID)
	require.Len(t, medium[0].History, 1)

	short, err := reopened.GetByTier(ctx, alice, memory.ShortTerm, 10)
	require.NoError(t, err)
	require.Len(t, short, 1)
	assert.Equal(t, weather, short[0].ID)
}

func TestEmbeddedOwnerIsolation(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	lc := newLifecycle(t, testutil.NewEmbeddedStore(t), filepath.Join(t.TempDir(), "audit.db"), clock)

	alice := owner.New("alice", "elena")
	aliceOther := owner.New("alice", "marcus")
	bob := owner.New("bob", "elena")

	_, err := lc.orch.Remember(ctx, alice, "My cat is called Luna", 0.7)
	require.NoError(t, err)

	for _, k := range []owner.Key{aliceOther, bob} {
		res, err := lc.orch.Retrieve(ctx, k, "what is my cat called")
		require.NoError(t, err)
		assert.Empty(t, res.Candidates, "owner %s", k)
	}

	res, err := lc.orch.Retrieve(ctx, alice, "what is my cat called")
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "My cat is called Luna", res.Candidates[0].Record.Content)

	owners, err := lc.store.ListOwners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []owner.Key{alice}, owners)
}
