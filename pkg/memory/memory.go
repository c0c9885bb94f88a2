// Package memory defines conversational memory records and the owner-scoped
// vector store contract the retrieval and tier components depend on.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
)

// Tier is the lifecycle tier of a record.
type Tier int

// Tiers, in promotion order. The zero value is ShortTerm.
const (
	ShortTerm Tier = iota
	MediumTerm
	LongTerm
)

// AllTiers lists the tiers in promotion order.
var AllTiers = []Tier{ShortTerm, MediumTerm, LongTerm}

var tierNames = [...]string{"short_term", "medium_term", "long_term"}

func (t Tier) String() string {
	if t.Valid() {
		return tierNames[t]
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Valid reports whether t is one of the three tiers.
func (t Tier) Valid() bool {
	return t >= ShortTerm && t <= LongTerm
}

// ParseTier converts a tier name back to a Tier.
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if strings.EqualFold(s, name) {
			return Tier(i), nil
		}
	}
	return ShortTerm, errors.Wrap(errors.ErrInvalidInput, "unknown tier %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, errors.Wrap(errors.ErrInvalidInput, "invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// VectorSpace names an embedding space. Spaces are independent: vectors from
// two spaces are never compared.
type VectorSpace string

// Known vector spaces.
const (
	ContentSpace  VectorSpace = "content"
	EmotionSpace  VectorSpace = "emotion"
	SemanticSpace VectorSpace = "semantic"
)

// AllSpaces lists the known vector spaces.
var AllSpaces = []VectorSpace{ContentSpace, EmotionSpace, SemanticSpace}

// TransitionKind classifies a tier history entry.
type TransitionKind string

// Transition kinds.
const (
	Promote TransitionKind = "promote"
	Demote  TransitionKind = "demote"
	Expire  TransitionKind = "expire"
)

// TierTransition is one entry of a record's append-only tier history.
// Expiry entries keep From and To equal; the record's ExpiredAt is set.
type TierTransition struct {
	From   Tier           `json:"from"`
	To     Tier           `json:"to"`
	Kind   TransitionKind `json:"kind"`
	Reason string         `json:"reason"`
	At     time.Time      `json:"at"`
}

// MemoryRecord is a unit of remembered conversation.
type MemoryRecord struct {
	// ID is a unique identifier for the record
	ID string `json:"id"`

	// Owner scopes the record; it never changes after creation
	Owner owner.Key `json:"owner"`

	// Content is the remembered text
	Content string `json:"content"`

	// Timestamp is when the conversation turn happened
	Timestamp time.Time `json:"timestamp"`

	// Significance in [0,1] is supplied by an external scorer
	Significance float64 `json:"significance"`

	// DecayProtection pins the record at its current tier
	DecayProtection bool `json:"decay_protection"`

	// Tier is the current lifecycle tier
	Tier Tier `json:"tier"`

	// History is append-only
	History []TierTransition `json:"history,omitempty"`

	// ExpiredAt marks the terminal expired state; expired records are not retrievable
	ExpiredAt *time.Time `json:"expired_at,omitempty"`

	// Vectors holds one embedding per populated space
	Vectors map[VectorSpace][]float32 `json:"vectors,omitempty"`
}

// Expired reports whether the record reached the terminal expired state.
func (r MemoryRecord) Expired() bool {
	return r.ExpiredAt != nil
}

// TierEnteredAt is when the record entered its current tier: the time of the
// last tier change, or Timestamp if it never moved.
func (r MemoryRecord) TierEnteredAt() time.Time {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Kind != Expire {
			return r.History[i].At
		}
	}
	return r.Timestamp
}

// Validate checks the record invariants that do not depend on storage.
func (r MemoryRecord) Validate() error {
	if err := r.Owner.Validate(); err != nil {
		return err
	}
	if !r.Tier.Valid() {
		return errors.Wrap(errors.ErrInvalidInput, "record %s has invalid tier", r.ID)
	}
	if r.Significance < 0 || r.Significance > 1 {
		return errors.Wrap(errors.ErrInvalidInput, "record %s significance %v outside [0,1]", r.ID, r.Significance)
	}
	return nil
}

// Filters narrow a vector search.
type Filters struct {
	// Tiers restricts results to these tiers; empty means all
	Tiers []Tier `json:"tiers,omitempty"`

	// MinSignificance drops records below this significance
	MinSignificance float64 `json:"min_significance,omitempty"`

	// IncludeExpired returns expired records too
	IncludeExpired bool `json:"include_expired,omitempty"`
}

// Match reports whether r passes the filters.
func (f Filters) Match(r MemoryRecord) bool {
	if r.Expired() && !f.IncludeExpired {
		return false
	}
	if r.Significance < f.MinSignificance {
		return false
	}
	if len(f.Tiers) == 0 {
		return true
	}
	for _, t := range f.Tiers {
		if r.Tier == t {
			return true
		}
	}
	return false
}

// SearchRequest is a similarity search in one vector space.
type SearchRequest struct {
	Space   VectorSpace
	Vector  []float32
	Limit   int
	Filters Filters
}

// ScrollRequest reads records chronologically, newest first. Zero bounds are open.
type ScrollRequest struct {
	After          time.Time
	Before         time.Time
	Limit          int
	IncludeExpired bool
}

// Match reports whether r falls inside the scroll window.
func (s ScrollRequest) Match(r MemoryRecord) bool {
	if r.Expired() && !s.IncludeExpired {
		return false
	}
	if !s.After.IsZero() && r.Timestamp.Before(s.After) {
		return false
	}
	if !s.Before.IsZero() && r.Timestamp.After(s.Before) {
		return false
	}
	return true
}

// ScoredRecord is one search hit.
type ScoredRecord struct {
	Record MemoryRecord `json:"record"`
	Score  float64      `json:"score"`
}

// RankedList is the ordered result of one search. Ranks are 1-indexed
// positions in Items.
type RankedList struct {
	Space VectorSpace    `json:"space"`
	Items []ScoredRecord `json:"items"`
}

// MetadataUpdate changes lifecycle fields of a single record. Nil fields are
// left untouched and AppendHistory is appended after existing entries.
type MetadataUpdate struct {
	Tier            *Tier
	Significance    *float64
	DecayProtection *bool
	ExpiredAt       *time.Time
	AppendHistory   []TierTransition
}

// Validate checks the update before it reaches a store.
func (u MetadataUpdate) Validate() error {
	if u.Tier != nil && !u.Tier.Valid() {
		return errors.Wrap(errors.ErrInvalidInput, "invalid tier %d", int(*u.Tier))
	}
	if u.Significance != nil && (*u.Significance < 0 || *u.Significance > 1) {
		return errors.Wrap(errors.ErrInvalidInput, "significance %v outside [0,1]", *u.Significance)
	}
	return nil
}

// Apply writes the update into r.
func (u MetadataUpdate) Apply(r *MemoryRecord) {
	if u.Tier != nil {
		r.Tier = *u.Tier
	}
	if u.Significance != nil {
		r.Significance = *u.Significance
	}
	if u.DecayProtection != nil {
		r.DecayProtection = *u.DecayProtection
	}
	if u.ExpiredAt != nil {
		at := *u.ExpiredAt
		r.ExpiredAt = &at
	}
	if len(u.AppendHistory) > 0 {
		r.History = append(r.History, u.AppendHistory...)
	}
}

// Store is the owner-scoped vector store contract. Every call carries the
// owner key; implementations must never return or touch another owner's
// records.
type Store interface {
	// Search returns up to req.Limit records nearest to req.Vector in req.Space.
	Search(ctx context.Context, key owner.Key, req SearchRequest) (RankedList, error)

	// Scroll returns records inside a time window, newest first.
	Scroll(ctx context.Context, key owner.Key, req ScrollRequest) ([]MemoryRecord, error)

	// GetByTier returns up to limit unexpired records in tier, oldest first.
	GetByTier(ctx context.Context, key owner.Key, tier Tier, limit int) ([]MemoryRecord, error)

	// UpdateMetadata applies update to one record atomically.
	UpdateMetadata(ctx context.Context, key owner.Key, id string, update MetadataUpdate) error
}

// Writer adds records. Ingestion lives outside the retrieval engine; tests,
// the shell and ingestion collaborators use it.
type Writer interface {
	Put(ctx context.Context, record MemoryRecord) (string, error)
}

// AdminStore exposes operations that are not owner scoped. It is a separate
// interface so request paths cannot reach it by accident.
type AdminStore interface {
	ListOwners(ctx context.Context) ([]owner.Key, error)
}

// ReadWriteStore is what store adapters provide.
type ReadWriteStore interface {
	Store
	Writer
	AdminStore
	Close() error
}
