// Package tier runs the memory lifecycle: promotion, demotion and expiry
// sweeps over an owner's records, and the scheduler that triggers them.
package tier

import (
	"fmt"
	"time"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/config"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
)

// Threshold gates promotion out of a tier. Both conditions must hold.
type Threshold struct {
	MinAge          time.Duration
	MinSignificance float64
}

// Expiry is the short-term expiry rule.
type Expiry struct {
	MaxAge          time.Duration
	MaxSignificance float64
}

// Policy holds the lifecycle thresholds.
type Policy struct {
	ShortToMedium Threshold
	MediumToLong  Threshold
	Expiry        Expiry
}

// PolicyFromConfig converts the tiers section of the configuration.
func PolicyFromConfig(cfg config.TiersConfig) Policy {
	return Policy{
		ShortToMedium: Threshold{MinAge: cfg.ShortToMedium.MinAge, MinSignificance: cfg.ShortToMedium.MinSignificance},
		MediumToLong:  Threshold{MinAge: cfg.MediumToLong.MinAge, MinSignificance: cfg.MediumToLong.MinSignificance},
		Expiry:        Expiry{MaxAge: cfg.Expiry.MaxAge, MaxSignificance: cfg.Expiry.MaxSignificance},
	}
}

// Validate checks the thresholds are usable.
func (p Policy) Validate() error {
	if p.ShortToMedium.MinAge <= 0 || p.MediumToLong.MinAge <= 0 {
		return errors.Wrap(errors.ErrInvalidInput, "promotion min age must be positive")
	}
	if p.Expiry.MaxAge <= 0 {
		return errors.Wrap(errors.ErrInvalidInput, "expiry max age must be positive")
	}
	if p.MediumToLong.MinSignificance < p.ShortToMedium.MinSignificance {
		return errors.Wrap(errors.ErrInvalidInput, "medium_to_long significance below short_to_medium")
	}
	return nil
}

// minSignificance is the significance a record needs to stay in t.
func (p Policy) minSignificance(t memory.Tier) float64 {
	switch t {
	case memory.MediumTerm:
		return p.ShortToMedium.MinSignificance
	case memory.LongTerm:
		return p.MediumToLong.MinSignificance
	default:
		return 0
	}
}

// Decision is the outcome of evaluating one record. A zero Decision means
// the record stays where it is.
type Decision struct {
	Kind        memory.TransitionKind
	From        memory.Tier
	To          memory.Tier
	Transitions []memory.TierTransition
}

// None reports whether no transition is due.
func (d Decision) None() bool {
	return len(d.Transitions) == 0
}

// Update is the single metadata write that applies the decision.
func (d Decision) Update() memory.MetadataUpdate {
	update := memory.MetadataUpdate{AppendHistory: d.Transitions}
	switch d.Kind {
	case memory.Expire:
		at := d.Transitions[len(d.Transitions)-1].At
		update.ExpiredAt = &at
	default:
		to := d.To
		update.Tier = &to
	}
	return update
}

// Evaluate decides the transition due for r at now. Ages are measured from
// the time the record entered its current tier, so a record moves at most
// one step up per sweep and a repeated sweep finds nothing to do.
// Protected and expired records are never evaluated.
func (p Policy) Evaluate(r memory.MemoryRecord, now time.Time) Decision {
	if r.DecayProtection || r.Expired() || !r.Tier.Valid() {
		return Decision{}
	}

	if d := p.demote(r, now); !d.None() {
		return d
	}

	age := now.Sub(r.TierEnteredAt())
	switch r.Tier {
	case memory.ShortTerm:
		if p.eligible(p.ShortToMedium, age, r.Significance) {
			return promotion(r, memory.MediumTerm, age, now)
		}
		if age > p.Expiry.MaxAge && r.Significance < p.Expiry.MaxSignificance {
			return Decision{
				Kind: memory.Expire,
				From: r.Tier,
				To:   r.Tier,
				Transitions: []memory.TierTransition{{
					From:   r.Tier,
					To:     r.Tier,
					Kind:   memory.Expire,
					Reason: fmt.Sprintf("age %s, significance %.2f", formatAge(age), r.Significance),
					At:     now,
				}},
			}
		}
	case memory.MediumTerm:
		if p.eligible(p.MediumToLong, age, r.Significance) {
			return promotion(r, memory.LongTerm, age, now)
		}
	}
	return Decision{}
}

func (p Policy) eligible(t Threshold, age time.Duration, significance float64) bool {
	return age >= t.MinAge && significance >= t.MinSignificance
}

// demote steps down until the record's significance meets the landing
// tier's minimum. Short-term has no minimum.
func (p Policy) demote(r memory.MemoryRecord, now time.Time) Decision {
	d := Decision{Kind: memory.Demote, From: r.Tier, To: r.Tier}
	for d.To > memory.ShortTerm && r.Significance < p.minSignificance(d.To) {
		next := d.To - 1
		d.Transitions = append(d.Transitions, memory.TierTransition{
			From:   d.To,
			To:     next,
			Kind:   memory.Demote,
			Reason: fmt.Sprintf("significance %.2f below %.2f", r.Significance, p.minSignificance(d.To)),
			At:     now,
		})
		d.To = next
	}
	if d.None() {
		return Decision{}
	}
	return d
}

func promotion(r memory.MemoryRecord, to memory.Tier, age time.Duration, now time.Time) Decision {
	return Decision{
		Kind: memory.Promote,
		From: r.Tier,
		To:   to,
		Transitions: []memory.TierTransition{{
			From:   r.Tier,
			To:     to,
			Kind:   memory.Promote,
			Reason: fmt.Sprintf("age %s, significance %.2f", formatAge(age), r.Significance),
			At:     now,
		}},
	}
}

func formatAge(d time.Duration) string {
	days := int(d / (24 * time.Hour))
	if days > 0 {
		return fmt.Sprintf("%dd", days)
	}
	return d.Round(time.Second).String()
}
