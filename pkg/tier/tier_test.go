package tier_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/audit"
	memerrors "github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory/adapters/mock"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/tier"
)

const day = 24 * time.Hour

var (
	now   = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	alice = owner.New("alice", "elena")
)

func policy() tier.Policy {
	return tier.Policy{
		ShortToMedium: tier.Threshold{MinAge: 30 * day, MinSignificance: 0.6},
		MediumToLong:  tier.Threshold{MinAge: 90 * day, MinSignificance: 0.8},
		Expiry:        tier.Expiry{MaxAge: 60 * day, MaxSignificance: 0.3},
	}
}

func record(id string, t memory.Tier, age time.Duration, significance float64) memory.MemoryRecord {
	return memory.MemoryRecord{
		ID:           id,
		Owner:        alice,
		Content:      "memory " + id,
		Timestamp:    now.Add(-age),
		Significance: significance,
		Tier:         t,
	}
}

func newManager(t *testing.T, store memory.Store, opts ...tier.Option) *tier.Manager {
	t.Helper()
	opts = append([]tier.Option{tier.WithClock(func() time.Time { return now })}, opts...)
	m, err := tier.NewManager(store, policy(), opts...)
	require.NoError(t, err)
	return m
}

func put(t *testing.T, store *mock.MockStore, records ...memory.MemoryRecord) {
	t.Helper()
	for _, r := range records {
		_, err := store.Put(context.Background(), r)
		require.NoError(t, err)
	}
}

func TestEvaluate(t *testing.T) {
	p := policy()

	tests := []struct {
		name string
		rec  memory.MemoryRecord
		kind memory.TransitionKind
		to   memory.Tier
		hops int
	}{
		{name: "fresh record stays", rec: record("a", memory.ShortTerm, 0, 0)},
		{name: "significant but young stays", rec: record("a", memory.ShortTerm, 10*day, 0.95)},
		{name: "old but insignificant stays", rec: record("a", memory.ShortTerm, 40*day, 0.5)},
		{name: "old and significant promotes", rec: record("a", memory.ShortTerm, 40*day, 0.9), kind: memory.Promote, to: memory.MediumTerm, hops: 1},
		{name: "medium to long", rec: record("a", memory.MediumTerm, 100*day, 0.85), kind: memory.Promote, to: memory.LongTerm, hops: 1},
		{name: "long stays", rec: record("a", memory.LongTerm, 1000*day, 1)},
		{name: "stale low significance expires", rec: record("a", memory.ShortTerm, 61*day, 0.1), kind: memory.Expire, to: memory.ShortTerm, hops: 1},
		{name: "stale middling significance stays", rec: record("a", memory.ShortTerm, 61*day, 0.4)},
		{name: "medium lowered demotes", rec: record("a", memory.MediumTerm, 0, 0.5), kind: memory.Demote, to: memory.ShortTerm, hops: 1},
		{name: "long lowered a little", rec: record("a", memory.LongTerm, 0, 0.7), kind: memory.Demote, to: memory.MediumTerm, hops: 1},
		{name: "long lowered a lot cascades", rec: record("a", memory.LongTerm, 0, 0.2), kind: memory.Demote, to: memory.ShortTerm, hops: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Evaluate(tt.rec, now)
			if tt.hops == 0 {
				assert.True(t, d.None())
				return
			}
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.to, d.To)
			assert.Len(t, d.Transitions, tt.hops)
			for _, tr := range d.Transitions {
				assert.Equal(t, now, tr.At)
				assert.NotEmpty(t, tr.Reason)
			}
		})
	}
}

func TestEvaluateSkipsProtectedAndExpired(t *testing.T) {
	p := policy()

	protected := record("p", memory.LongTerm, 400*day, 0)
	protected.DecayProtection = true
	assert.True(t, p.Evaluate(protected, now).None())

	expired := record("e", memory.ShortTerm, 400*day, 0)
	at := now.Add(-day)
	expired.ExpiredAt = &at
	assert.True(t, p.Evaluate(expired, now).None())
}

func TestEvaluateMeasuresTimeInTier(t *testing.T) {
	p := policy()

	// Created long ago, promoted to medium ten days ago.
	rec := record("a", memory.MediumTerm, 400*day, 0.95)
	rec.History = []memory.TierTransition{{From: memory.ShortTerm, To: memory.MediumTerm, Kind: memory.Promote, At: now.Add(-10 * day)}}
	assert.True(t, p.Evaluate(rec, now).None())

	rec.History[0].At = now.Add(-91 * day)
	assert.Equal(t, memory.Promote, p.Evaluate(rec, now).Kind)
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, policy().Validate())

	p := policy()
	p.ShortToMedium.MinAge = 0
	assert.ErrorIs(t, p.Validate(), memerrors.ErrInvalidInput)

	p = policy()
	p.MediumToLong.MinSignificance = 0.5
	assert.ErrorIs(t, p.Validate(), memerrors.ErrInvalidInput)

	_, err := tier.NewManager(mock.NewMockStore(), p)
	assert.Error(t, err)
}

func TestSweepPromotesInOneSweep(t *testing.T) {
	store := mock.NewMockStore()
	put(t, store, record("r1", memory.ShortTerm, 40*day, 0.9))
	m := newManager(t, store)

	report, err := m.Sweep(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, alice, report.Owner)
	assert.NotEqual(t, [16]byte{}, [16]byte(report.RunID))

	got, ok := store.Get(alice, "r1")
	require.True(t, ok)
	assert.Equal(t, memory.MediumTerm, got.Tier)
	require.Len(t, got.History, 1)
	assert.Equal(t, memory.Promote, got.History[0].Kind)
	assert.Equal(t, memory.ShortTerm, got.History[0].From)
	assert.Equal(t, memory.MediumTerm, got.History[0].To)
}

func TestSweepIsIdempotent(t *testing.T) {
	store := mock.NewMockStore()
	put(t, store,
		record("promote", memory.ShortTerm, 40*day, 0.9),
		record("promote-long", memory.MediumTerm, 200*day, 0.95),
		record("expire", memory.ShortTerm, 70*day, 0.1),
		record("demote", memory.LongTerm, 5*day, 0.2),
		record("stay", memory.ShortTerm, day, 0.5),
	)
	m := newManager(t, store)

	first, err := m.Sweep(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 5, first.Scanned)
	assert.Equal(t, 2, first.Promoted)
	assert.Equal(t, 1, first.Expired)
	assert.Equal(t, 1, first.Demoted)

	second, err := m.Sweep(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Transitions())
	assert.Equal(t, 4, second.Scanned, "expired record is no longer listed")

	demoted, _ := store.Get(alice, "demote")
	assert.Equal(t, memory.ShortTerm, demoted.Tier)
	assert.Len(t, demoted.History, 2)

	expired, _ := store.Get(alice, "expire")
	assert.True(t, expired.Expired())
	assert.Equal(t, memory.ShortTerm, expired.Tier)
}

func TestSweepNeverMovesProtectedRecords(t *testing.T) {
	store := mock.NewMockStore()
	for _, r := range []memory.MemoryRecord{
		record("old-short", memory.ShortTerm, 500*day, 0.99),
		record("stale-short", memory.ShortTerm, 500*day, 0),
		record("low-long", memory.LongTerm, 500*day, 0),
	} {
		r.DecayProtection = true
		put(t, store, r)
	}

	clock := now
	m, err := tier.NewManager(store, policy(), tier.WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		report, err := m.Sweep(context.Background(), alice)
		require.NoError(t, err)
		assert.Equal(t, 3, report.Protected)
		assert.Equal(t, 0, report.Transitions())
		clock = clock.Add(100 * day)
	}
	assert.Equal(t, 0, store.Calls("UpdateMetadata"))
}

func TestSweepContinuesAfterWriteFailure(t *testing.T) {
	store := mock.NewMockStore()
	put(t, store,
		record("bad", memory.ShortTerm, 40*day, 0.9),
		record("good", memory.ShortTerm, 41*day, 0.9),
	)
	store.FailUpdate("bad", errors.New("conflict"))
	m := newManager(t, store)

	report, err := m.Sweep(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Promoted)
	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], memerrors.ErrTierWriteFailed)
	assert.ErrorIs(t, report.Err(), memerrors.ErrTierWriteFailed)

	good, _ := store.Get(alice, "good")
	assert.Equal(t, memory.MediumTerm, good.Tier)
}

func TestSweepRejectsInvalidOwner(t *testing.T) {
	store := mock.NewMockStore()
	m := newManager(t, store)

	_, err := m.Sweep(context.Background(), owner.Key{UserID: "alice"})
	assert.ErrorIs(t, err, memerrors.ErrInvalidOwnerKey)
	assert.Equal(t, 0, store.Calls("GetByTier"))
}

func TestSweepIsolatesOwners(t *testing.T) {
	store := mock.NewMockStore()
	bob := owner.New("bob", "elena")
	other := record("r1", memory.ShortTerm, 40*day, 0.9)
	other.Owner = bob
	put(t, store, record("r1", memory.ShortTerm, 40*day, 0.9), other)
	m := newManager(t, store)

	_, err := m.Sweep(context.Background(), alice)
	require.NoError(t, err)

	mine, _ := store.Get(alice, "r1")
	theirs, _ := store.Get(bob, "r1")
	assert.Equal(t, memory.MediumTerm, mine.Tier)
	assert.Equal(t, memory.ShortTerm, theirs.Tier)
}

type recordingLedger struct {
	mu     sync.Mutex
	events []audit.Event
	ctxErr error
}

func (l *recordingLedger) Record(ctx context.Context, events []audit.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ctxErr = ctx.Err()
	l.events = append(l.events, events...)
	return nil
}

func TestSweepRecordsTransitions(t *testing.T) {
	store := mock.NewMockStore()
	put(t, store,
		record("up", memory.ShortTerm, 40*day, 0.9),
		record("down", memory.LongTerm, day, 0.1),
	)
	ledger := &recordingLedger{}
	m := newManager(t, store, tier.WithLedger(ledger))

	report, err := m.Sweep(context.Background(), alice)
	require.NoError(t, err)

	require.Len(t, ledger.events, 3)
	kinds := map[string]int{}
	for _, e := range ledger.events {
		kinds[e.Kind]++
		assert.Equal(t, report.RunID.String(), e.RunID)
		assert.Equal(t, "alice", e.UserID)
	}
	assert.Equal(t, map[string]int{"promote": 1, "demote": 2}, kinds)
}

// cancellingStore cancels the sweep after its first metadata write.
type cancellingStore struct {
	*mock.MockStore
	cancel context.CancelFunc
}

func (c *cancellingStore) UpdateMetadata(ctx context.Context, key owner.Key, id string, update memory.MetadataUpdate) error {
	err := c.MockStore.UpdateMetadata(ctx, key, id, update)
	c.cancel()
	return err
}

func TestCancelledSweepStillRecordsAppliedTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancellingStore{MockStore: mock.NewMockStore(), cancel: cancel}
	put(t, store.MockStore,
		record("r1", memory.ShortTerm, 40*day, 0.9),
		record("r2", memory.ShortTerm, 41*day, 0.9),
	)
	ledger := &recordingLedger{}
	m := newManager(t, store, tier.WithLedger(ledger))

	report, err := m.Sweep(ctx, alice)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, 1, store.Calls("UpdateMetadata"))

	require.Len(t, ledger.events, 1)
	assert.Equal(t, "promote", ledger.events[0].Kind)
	assert.Equal(t, report.RunID.String(), ledger.events[0].RunID)
	assert.NoError(t, ledger.ctxErr)
}

func TestTurnstile(t *testing.T) {
	ts := tier.NewTurnstile(20 * time.Millisecond)
	ctx := context.Background()

	release, err := ts.Acquire(ctx, alice)
	require.NoError(t, err)

	_, err = ts.Acquire(ctx, alice)
	assert.ErrorIs(t, err, memerrors.ErrSweepInProgress)

	otherRelease, err := ts.Acquire(ctx, owner.New("bob", "elena"))
	require.NoError(t, err, "other owners are not blocked")
	otherRelease()

	release()
	release()

	again, err := ts.Acquire(ctx, alice)
	require.NoError(t, err)
	again()

	slow := tier.NewTurnstile(time.Minute)
	hold, err := slow.Acquire(ctx, alice)
	require.NoError(t, err)
	defer hold()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = slow.Acquire(cancelled, alice)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTurnstileFailFast(t *testing.T) {
	ts := tier.NewTurnstile(0)
	release, err := ts.Acquire(context.Background(), alice)
	require.NoError(t, err)
	defer release()

	_, err = ts.Acquire(context.Background(), alice)
	assert.ErrorIs(t, err, memerrors.ErrSweepInProgress)
}

// blockingStore holds GetByTier until released.
type blockingStore struct {
	*mock.MockStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) GetByTier(ctx context.Context, key owner.Key, t memory.Tier, limit int) ([]memory.MemoryRecord, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.MockStore.GetByTier(ctx, key, t, limit)
}

func TestConcurrentSweepsOfSameOwner(t *testing.T) {
	store := &blockingStore{MockStore: mock.NewMockStore(), entered: make(chan struct{}), release: make(chan struct{})}
	put(t, store.MockStore, record("r1", memory.ShortTerm, 40*day, 0.9))
	m := newManager(t, store, tier.WithTurnstileTimeout(10*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := m.Sweep(context.Background(), alice)
		done <- err
	}()
	<-store.entered

	_, err := m.Sweep(context.Background(), alice)
	assert.ErrorIs(t, err, memerrors.ErrSweepInProgress)

	close(store.release)
	require.NoError(t, <-done)
}

type countingSweeper struct {
	calls atomic.Int32
	busy  owner.Key
}

func (c *countingSweeper) Sweep(_ context.Context, key owner.Key) (tier.SweepReport, error) {
	c.calls.Add(1)
	if key == c.busy {
		return tier.SweepReport{}, memerrors.ErrSweepInProgress
	}
	return tier.SweepReport{Owner: key, Scanned: 1}, nil
}

func TestSchedulerRunOnce(t *testing.T) {
	store := mock.NewMockStore()
	bob := owner.New("bob", "elena")
	carol := owner.New("carol", "dotty")
	for _, k := range []owner.Key{alice, bob, carol} {
		r := record("r", memory.ShortTerm, 0, 0)
		r.Owner = k
		put(t, store, r)
	}

	sweeper := &countingSweeper{busy: carol}
	s, err := tier.NewScheduler(sweeper, store, tier.SchedulerConfig{Interval: time.Hour, Concurrency: 2})
	require.NoError(t, err)

	reports, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), sweeper.calls.Load())
	require.Len(t, reports, 2)
	assert.Equal(t, alice, reports[0].Owner)
	assert.Equal(t, bob, reports[1].Owner)
}

func TestSchedulerRunsOnSchedule(t *testing.T) {
	store := mock.NewMockStore()
	put(t, store, record("r", memory.ShortTerm, 0, 0))

	sweeper := &countingSweeper{}
	s, err := tier.NewScheduler(sweeper, store, tier.SchedulerConfig{Schedule: "@every 1s"})
	require.NoError(t, err)

	s.Start()
	s.Start()
	assert.Eventually(t, func() bool { return sweeper.calls.Load() > 0 }, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestSchedulerConfigErrors(t *testing.T) {
	store := mock.NewMockStore()

	_, err := tier.NewScheduler(&countingSweeper{}, store, tier.SchedulerConfig{})
	assert.ErrorIs(t, err, memerrors.ErrInvalidInput)

	_, err = tier.NewScheduler(&countingSweeper{}, store, tier.SchedulerConfig{Schedule: "not a schedule"})
	assert.ErrorIs(t, err, memerrors.ErrInvalidInput)

	s, err := tier.NewScheduler(&countingSweeper{}, store, tier.SchedulerConfig{Interval: time.Hour})
	require.NoError(t, err)
	assert.NoError(t, s.Stop(context.Background()), "stopping an unstarted scheduler is a no-op")
}
