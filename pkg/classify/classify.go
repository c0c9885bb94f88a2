// Package classify assigns a query intent category from a declarative table
// of weighted rules.
package classify

import (
	"context"
	"math"
	"strings"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
)

// Category is a query intent.
type Category int

// Categories. General is the fallback.
const (
	General Category = iota
	Factual
	Emotional
	Conversational
	Temporal
)

// Priority breaks ties between equally scored categories, highest first.
var Priority = []Category{Temporal, Emotional, Conversational, Factual, General}

var categoryNames = map[Category]string{
	General:        "general",
	Factual:        "factual",
	Emotional:      "emotional",
	Conversational: "conversational",
	Temporal:       "temporal",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ParseCategory converts a category name back to a Category.
func ParseCategory(s string) (Category, error) {
	for c, name := range categoryNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return c, nil
		}
	}
	return General, errors.Wrap(errors.ErrInvalidInput, "unknown category %q", s)
}

// DefaultMinConfidence is the score a category needs before it beats the
// general fallback.
const DefaultMinConfidence = 0.35

// tieTolerance treats scores this close as equal.
const tieTolerance = 1e-9

// Evidence is one rule that fired.
type Evidence struct {
	Family   string   `json:"family"`
	Rule     string   `json:"rule"`
	Category Category `json:"category"`
	Hits     int      `json:"hits"`
	Weight   float64  `json:"weight"`
}

// Classification is the result of Classify.
type Classification struct {
	Category Category `json:"category"`

	// Confidence is the highest category score, in [0,1]
	Confidence float64 `json:"confidence"`

	Scores   map[Category]float64 `json:"scores"`
	Evidence []Evidence           `json:"evidence,omitempty"`

	// Fallback is set when no category reached the minimum confidence
	Fallback bool `json:"fallback"`
}

// Family contributes evidence that is not expressible as a static rule,
// such as a script.
type Family interface {
	Name() string
	Evaluate(ctx context.Context, q Query) []Evidence
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithRules replaces the default rule table.
func WithRules(rules []Rule) Option {
	return func(c *Classifier) {
		c.rules = rules
	}
}

// WithMinConfidence sets the fallback threshold.
func WithMinConfidence(v float64) Option {
	return func(c *Classifier) {
		c.minConfidence = v
	}
}

// WithFamily adds a dynamic rule family.
func WithFamily(f Family) Option {
	return func(c *Classifier) {
		c.families = append(c.families, f)
	}
}

// Classifier evaluates every rule against a query and picks the best
// scoring category. It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	rules         []Rule
	families      []Family
	minConfidence float64
}

// New creates a Classifier with the default rule table.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		rules:         DefaultRules(),
		minConfidence: DefaultMinConfidence,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify scores the query. Each category's score is the noisy-OR of the
// weights of every hit in its favour, so adding matching evidence never
// lowers a score and scores stay within [0,1].
func (c *Classifier) Classify(ctx context.Context, text string) Classification {
	q := NewQuery(text)

	var evidence []Evidence
	for _, r := range c.rules {
		if hits := r.Matcher.Count(q); hits > 0 {
			evidence = append(evidence, Evidence{
				Family:   r.Family,
				Rule:     r.Name,
				Category: r.Category,
				Hits:     hits,
				Weight:   r.Weight,
			})
		}
	}
	for _, f := range c.families {
		evidence = append(evidence, f.Evaluate(ctx, q)...)
	}

	miss := make(map[Category]float64, len(categoryNames))
	for cat := range categoryNames {
		miss[cat] = 1
	}
	for _, e := range evidence {
		w := clamp01(e.Weight)
		miss[e.Category] *= math.Pow(1-w, float64(e.Hits))
	}

	result := Classification{
		Category: General,
		Scores:   make(map[Category]float64, len(miss)),
		Evidence: evidence,
	}
	best := General
	bestScore := -1.0
	for _, cat := range Priority {
		score := clamp01(1 - miss[cat])
		result.Scores[cat] = score
		// Priority is walked highest first, so only a strictly better
		// score displaces an earlier category.
		if score > bestScore+tieTolerance {
			best, bestScore = cat, score
		}
	}

	result.Confidence = bestScore
	// No evidence at all is a fallback even when the threshold is zero.
	if bestScore <= 0 || bestScore < c.minConfidence {
		result.Category = General
		result.Fallback = true
	} else {
		result.Category = best
	}

	log.DebugContext(ctx, "Classified query",
		"category", result.Category.String(),
		"confidence", result.Confidence,
		"fallback", result.Fallback,
		"evidence", len(evidence),
	)
	return result
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
