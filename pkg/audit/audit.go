// Package audit keeps an append-only ledger of tier transitions so expiry
// and demotion are observable after the fact.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
)

// Event is one applied tier transition.
type Event struct {
	ID       int64     `db:"id" json:"id"`
	RunID    string    `db:"run_id" json:"run_id"`
	UserID   string    `db:"user_id" json:"user_id"`
	BotID    string    `db:"bot_id" json:"bot_id"`
	RecordID string    `db:"record_id" json:"record_id"`
	Kind     string    `db:"kind" json:"kind"`
	FromTier string    `db:"from_tier" json:"from_tier"`
	ToTier   string    `db:"to_tier" json:"to_tier"`
	Reason   string    `db:"reason" json:"reason"`
	At       time.Time `db:"at" json:"at"`
}

// NewEvent builds the ledger entry for one history transition.
func NewEvent(runID uuid.UUID, key owner.Key, recordID string, tr memory.TierTransition) Event {
	return Event{
		RunID:    runID.String(),
		UserID:   key.UserID,
		BotID:    key.BotID,
		RecordID: recordID,
		Kind:     string(tr.Kind),
		FromTier: tr.From.String(),
		ToTier:   tr.To.String(),
		Reason:   tr.Reason,
		At:       tr.At.UTC(),
	}
}

// Ledger records applied transitions.
type Ledger interface {
	Record(ctx context.Context, events []Event) error
}

// Reader reads the ledger back, scoped to one owner.
type Reader interface {
	// Events returns the owner's events oldest first. An empty recordID
	// returns every event of the owner.
	Events(ctx context.Context, key owner.Key, recordID string) ([]Event, error)
}

// NopLedger discards events.
type NopLedger struct{}

// Record implements Ledger.
func (NopLedger) Record(context.Context, []Event) error {
	return nil
}
