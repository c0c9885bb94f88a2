package tier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/audit"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
)

// DefaultMaxRecordsPerTier bounds the snapshot read per tier.
const DefaultMaxRecordsPerTier = 10000

// SweepReport summarizes one sweep of one owner.
type SweepReport struct {
	RunID     uuid.UUID     `json:"run_id"`
	Owner     owner.Key     `json:"owner"`
	Scanned   int           `json:"scanned"`
	Protected int           `json:"protected"`
	Promoted  int           `json:"promoted"`
	Demoted   int           `json:"demoted"`
	Expired   int           `json:"expired"`
	Failed    int           `json:"failed"`
	Errors    []error       `json:"-"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Transitions is the number of applied transitions.
func (r SweepReport) Transitions() int {
	return r.Promoted + r.Demoted + r.Expired
}

// Err joins the per-record write failures.
func (r SweepReport) Err() error {
	return errors.Join(r.Errors...)
}

// Manager applies a Policy to an owner's records.
type Manager struct {
	store      memory.Store
	policy     Policy
	turnstile  *Turnstile
	ledger     audit.Ledger
	now        func() time.Time
	maxPerTier int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLedger records applied transitions.
func WithLedger(l audit.Ledger) Option {
	return func(m *Manager) { m.ledger = l }
}

// WithTurnstileTimeout sets how long Sweep waits for a busy owner.
func WithTurnstileTimeout(d time.Duration) Option {
	return func(m *Manager) { m.turnstile = NewTurnstile(d) }
}

// WithMaxRecordsPerTier bounds the per-tier snapshot.
func WithMaxRecordsPerTier(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxPerTier = n
		}
	}
}

// NewManager creates a Manager.
func NewManager(store memory.Store, policy Policy, opts ...Option) (*Manager, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		store:      store,
		policy:     policy,
		turnstile:  NewTurnstile(5 * time.Second),
		ledger:     audit.NopLedger{},
		now:        time.Now,
		maxPerTier: DefaultMaxRecordsPerTier,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Policy returns the manager's thresholds.
func (m *Manager) Policy() Policy {
	return m.policy
}

// Sweep evaluates every unexpired record of key once and applies due
// transitions, one atomic write per record. Records are read before any
// write so a record moved in this sweep is not evaluated again. A failed
// write is counted and the sweep continues.
func (m *Manager) Sweep(ctx context.Context, key owner.Key) (SweepReport, error) {
	if err := key.Validate(); err != nil {
		return SweepReport{}, err
	}

	release, err := m.turnstile.Acquire(ctx, key)
	if err != nil {
		return SweepReport{}, err
	}
	defer release()

	report := SweepReport{RunID: uuid.New(), Owner: key, StartedAt: m.now()}
	logger := log.WithOwner(log.FromContext(ctx), key).With("run_id", report.RunID.String())

	var snapshot []memory.MemoryRecord
	for _, t := range memory.AllTiers {
		records, err := m.store.GetByTier(ctx, key, t, m.maxPerTier)
		if err != nil {
			return report, errors.Wrap(err, "failed to read %s records", t)
		}
		if len(records) == m.maxPerTier {
			logger.Warn("Tier snapshot truncated", "tier", t.String(), "limit", m.maxPerTier)
		}
		snapshot = append(snapshot, records...)
	}

	now := m.now()
	var events []audit.Event
	for _, rec := range snapshot {
		if err := ctx.Err(); err != nil {
			// Transitions already written must still reach the ledger.
			m.recordEvents(context.WithoutCancel(ctx), logger, events)
			report.Duration = m.now().Sub(report.StartedAt)
			return report, err
		}

		report.Scanned++
		if rec.DecayProtection {
			report.Protected++
			continue
		}

		d := m.policy.Evaluate(rec, now)
		if d.None() {
			continue
		}

		if err := m.store.UpdateMetadata(ctx, key, rec.ID, d.Update()); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Errorf("%w: record %s: %w", errors.ErrTierWriteFailed, rec.ID, err))
			logger.Warn("Tier transition failed", "record_id", rec.ID, "kind", string(d.Kind), "error", err)
			continue
		}

		switch d.Kind {
		case memory.Promote:
			report.Promoted++
		case memory.Demote:
			report.Demoted++
		case memory.Expire:
			report.Expired++
		}
		for _, tr := range d.Transitions {
			events = append(events, audit.NewEvent(report.RunID, key, rec.ID, tr))
		}
		logger.Debug("Tier transition applied",
			"record_id", rec.ID,
			"kind", string(d.Kind),
			"from", d.From.String(),
			"to", d.To.String(),
		)
	}

	m.recordEvents(ctx, logger, events)

	report.Duration = m.now().Sub(report.StartedAt)
	logger.Info("Tier sweep finished",
		"scanned", report.Scanned,
		"protected", report.Protected,
		"promoted", report.Promoted,
		"demoted", report.Demoted,
		"expired", report.Expired,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	return report, nil
}

func (m *Manager) recordEvents(ctx context.Context, logger *slog.Logger, events []audit.Event) {
	if len(events) == 0 {
		return
	}
	if err := m.ledger.Record(ctx, events); err != nil {
		logger.Error("Failed to record tier transitions", "events", len(events), "error", err)
	}
}
