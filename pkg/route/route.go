// Package route maps a query category to the vector searches that answer it.
// The mapping is data: a Table that configuration can override.
package route

import (
	"fmt"
	"time"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/classify"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/config"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
)

// Mode selects how a category is answered.
type Mode string

// Modes.
const (
	// Similarity runs one vector search per space and fuses the results
	Similarity Mode = "similarity"

	// Chronological scrolls recent records instead of searching vectors
	Chronological Mode = "chronological"
)

// DefaultLimit is the per-space result count when a route leaves it unset.
const DefaultLimit = 20

// SpaceParams is one vector search of a route.
type SpaceParams struct {
	Space   memory.VectorSpace
	Limit   int
	Filters memory.Filters
}

// Route describes how one category is answered.
type Route struct {
	Mode   Mode
	Spaces []SpaceParams
}

// Table maps every category to a route.
type Table map[classify.Category]Route

// DefaultTable returns the built-in routing table.
func DefaultTable() Table {
	content := SpaceParams{Space: memory.ContentSpace, Limit: DefaultLimit}
	return Table{
		classify.Factual:        {Mode: Similarity, Spaces: []SpaceParams{content}},
		classify.Emotional:      {Mode: Similarity, Spaces: []SpaceParams{content, {Space: memory.EmotionSpace, Limit: DefaultLimit}}},
		classify.Conversational: {Mode: Similarity, Spaces: []SpaceParams{content, {Space: memory.SemanticSpace, Limit: DefaultLimit}}},
		classify.Temporal:       {Mode: Chronological},
		classify.General:        {Mode: Similarity, Spaces: []SpaceParams{content}},
	}
}

// Validate checks that every category has a coherent route.
func (t Table) Validate() error {
	for _, cat := range classify.Priority {
		r, ok := t[cat]
		if !ok {
			return errors.Wrap(errors.ErrInvalidInput, "no route for category %s", cat)
		}
		switch r.Mode {
		case Similarity:
			if len(r.Spaces) == 0 {
				return errors.Wrap(errors.ErrInvalidInput, "similarity route for %s has no spaces", cat)
			}
			seen := make(map[memory.VectorSpace]bool, len(r.Spaces))
			for _, sp := range r.Spaces {
				if sp.Space == "" {
					return errors.Wrap(errors.ErrInvalidInput, "route for %s has an unnamed space", cat)
				}
				if seen[sp.Space] {
					return errors.Wrap(errors.ErrInvalidInput, "route for %s repeats space %s", cat, sp.Space)
				}
				seen[sp.Space] = true
			}
		case Chronological:
			if len(r.Spaces) != 0 {
				return errors.Wrap(errors.ErrInvalidInput, "chronological route for %s must not name spaces", cat)
			}
		default:
			return errors.Wrap(errors.ErrInvalidInput, "route for %s has unknown mode %q", cat, r.Mode)
		}
	}
	return nil
}

// TableFromConfig overlays configured routes on the default table.
func TableFromConfig(routes map[string]config.RouteConfig) (Table, error) {
	table := DefaultTable()
	for name, rc := range routes {
		cat, err := classify.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		r := Route{Mode: Mode(rc.Mode)}
		for _, sc := range rc.Spaces {
			params := SpaceParams{
				Space:   memory.VectorSpace(sc.Space),
				Limit:   sc.Limit,
				Filters: memory.Filters{MinSignificance: sc.MinSignificance},
			}
			for _, tn := range sc.Tiers {
				tier, err := memory.ParseTier(tn)
				if err != nil {
					return nil, fmt.Errorf("route %s: %w", name, err)
				}
				params.Filters.Tiers = append(params.Filters.Tiers, tier)
			}
			r.Spaces = append(r.Spaces, params)
		}
		table[cat] = r
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// VectorSearchSpec is one search the fusion engine should run.
type VectorSearchSpec struct {
	Space   memory.VectorSpace
	Limit   int
	Filters memory.Filters
}

// ScrollSpec is the chronological read used instead of vector searches.
type ScrollSpec struct {
	Limit  int
	Window time.Duration
}

// Plan is the routing decision for one query. Exactly one of Specs or
// Scroll is populated.
type Plan struct {
	Category classify.Category
	Mode     Mode
	Specs    []VectorSearchSpec
	Scroll   *ScrollSpec
}

// Spaces lists the distinct spaces the plan searches.
func (p Plan) Spaces() []memory.VectorSpace {
	out := make([]memory.VectorSpace, 0, len(p.Specs))
	for _, s := range p.Specs {
		out = append(out, s.Space)
	}
	return out
}

// Router turns categories into plans.
type Router struct {
	table          Table
	scrollLimit    int
	temporalWindow time.Duration
}

// NewRouter validates table and returns a Router. scrollLimit and window
// shape chronological plans.
func NewRouter(table Table, scrollLimit int, window time.Duration) (*Router, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if scrollLimit <= 0 {
		scrollLimit = DefaultLimit
	}
	return &Router{table: table, scrollLimit: scrollLimit, temporalWindow: window}, nil
}

// Route returns the plan for category. Unknown categories take the general route.
func (r *Router) Route(category classify.Category) Plan {
	rt, ok := r.table[category]
	if !ok {
		category = classify.General
		rt = r.table[classify.General]
	}

	plan := Plan{Category: category, Mode: rt.Mode}
	if rt.Mode == Chronological {
		plan.Scroll = &ScrollSpec{Limit: r.scrollLimit, Window: r.temporalWindow}
		return plan
	}

	plan.Specs = make([]VectorSearchSpec, 0, len(rt.Spaces))
	for _, sp := range rt.Spaces {
		limit := sp.Limit
		if limit <= 0 {
			limit = DefaultLimit
		}
		plan.Specs = append(plan.Specs, VectorSearchSpec{Space: sp.Space, Limit: limit, Filters: sp.Filters})
	}
	return plan
}
