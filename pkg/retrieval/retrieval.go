// Package retrieval is the single entry point the chat surface calls: it
// classifies a query, routes it to vector spaces, fuses the searches and
// optionally reranks the result. It also exposes on-demand tier sweeps.
package retrieval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/classify"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/embedding"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/fusion"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/rerank"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/route"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/tier"
)

// DefaultLimit is the number of candidates returned when unset.
const DefaultLimit = 10

// Failure stages.
const (
	StageEmbed  = "embed"
	StageSearch = "search"
	StageScroll = "scroll"
)

// SpaceFailure describes a space that contributed nothing.
type SpaceFailure struct {
	Space memory.VectorSpace `json:"space"`
	Stage string             `json:"stage"`
	Error string             `json:"error"`
}

// Result is a ranked list of memories for one query.
type Result struct {
	RequestID      string                  `json:"request_id"`
	Owner          owner.Key               `json:"owner"`
	Query          string                  `json:"query"`
	Classification classify.Classification `json:"classification"`
	Mode           route.Mode              `json:"mode"`
	Candidates     []fusion.Candidate      `json:"candidates"`
	Unavailable    []SpaceFailure          `json:"unavailable,omitempty"`
	Reranked       bool                    `json:"reranked"`
}

// Degraded reports whether some space contributed nothing.
func (r *Result) Degraded() bool {
	return len(r.Unavailable) > 0
}

// Config wires an Orchestrator. Reranker, Tiers and Writer are optional.
type Config struct {
	Store      memory.Store
	Embedder   embedding.Embedder
	Classifier *classify.Classifier
	Router     *route.Router
	Engine     *fusion.Engine
	Reranker   *rerank.Reranker
	Tiers      *tier.Manager
	Writer     memory.Writer
	Limit      int
	Clock      func() time.Time
}

// Orchestrator runs retrievals.
type Orchestrator struct {
	store      memory.Store
	embedder   embedding.Embedder
	classifier *classify.Classifier
	router     *route.Router
	engine     *fusion.Engine
	reranker   *rerank.Reranker
	tiers      *tier.Manager
	writer     memory.Writer
	limit      int
	now        func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.Wrap(errors.ErrInvalidInput, "store is required")
	case cfg.Embedder == nil:
		return nil, errors.Wrap(errors.ErrInvalidInput, "embedder is required")
	case cfg.Classifier == nil:
		return nil, errors.Wrap(errors.ErrInvalidInput, "classifier is required")
	case cfg.Router == nil:
		return nil, errors.Wrap(errors.ErrInvalidInput, "router is required")
	}
	if cfg.Engine == nil {
		cfg.Engine = fusion.NewEngine(cfg.Store, fusion.Options{})
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Orchestrator{
		store:      cfg.Store,
		embedder:   cfg.Embedder,
		classifier: cfg.Classifier,
		router:     cfg.Router,
		engine:     cfg.Engine,
		reranker:   cfg.Reranker,
		tiers:      cfg.Tiers,
		writer:     cfg.Writer,
		limit:      cfg.Limit,
		now:        cfg.Clock,
	}, nil
}

// Classify exposes the classifier and router decision without searching.
func (o *Orchestrator) Classify(ctx context.Context, query string) (classify.Classification, route.Plan) {
	c := o.classifier.Classify(ctx, query)
	return c, o.router.Route(c.Category)
}

// Retrieve returns the memories of key most relevant to query. The list is
// either complete for the spaces that answered, possibly shorter than the
// limit, or an error: ErrInvalidOwnerKey before any backend call,
// ErrAllSpacesUnavailable when nothing answered, or the context's error.
func (o *Orchestrator) Retrieve(ctx context.Context, key owner.Key, query string) (*Result, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	logger := log.WithOwner(log.FromContext(ctx), key).With("request_id", requestID)
	ctx = log.WithLogger(ctx, logger)
	start := time.Now()

	cls, plan := o.Classify(ctx, query)
	result := &Result{
		RequestID:      requestID,
		Owner:          key,
		Query:          query,
		Classification: cls,
		Mode:           plan.Mode,
	}

	var err error
	if plan.Scroll != nil {
		err = o.scroll(ctx, key, *plan.Scroll, result)
	} else {
		err = o.similarity(ctx, key, query, plan, result)
	}
	if err != nil {
		logger.Warn("Retrieval failed", "category", cls.Category.String(), "error", err)
		return nil, err
	}

	logger.Info("Retrieval complete",
		"category", cls.Category.String(),
		"confidence", cls.Confidence,
		"mode", string(plan.Mode),
		"candidates", len(result.Candidates),
		"unavailable", len(result.Unavailable),
		"reranked", result.Reranked,
		"elapsed", time.Since(start),
	)
	return result, nil
}

// scroll answers chronological plans. Ordering is by time so neither fusion
// nor reranking applies.
func (o *Orchestrator) scroll(ctx context.Context, key owner.Key, spec route.ScrollSpec, result *Result) error {
	now := o.now()
	req := memory.ScrollRequest{Before: now, Limit: spec.Limit}
	if spec.Window > 0 {
		req.After = now.Add(-spec.Window)
	}

	records, err := o.store.Scroll(ctx, key, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: scroll: %w", errors.ErrAllSpacesUnavailable, err)
	}

	if len(records) > o.limit {
		records = records[:o.limit]
	}
	result.Candidates = make([]fusion.Candidate, len(records))
	for i, rec := range records {
		result.Candidates[i] = fusion.Candidate{Record: rec, BestRank: i + 1}
	}
	return nil
}

func (o *Orchestrator) similarity(ctx context.Context, key owner.Key, query string, plan route.Plan, result *Result) error {
	vectors, failures := o.embedSpaces(ctx, query, plan.Spaces())
	result.Unavailable = append(result.Unavailable, failures...)
	if err := ctx.Err(); err != nil {
		return err
	}

	reqs := make([]memory.SearchRequest, 0, len(plan.Specs))
	for _, spec := range plan.Specs {
		vec, ok := vectors[spec.Space]
		if !ok {
			continue
		}
		reqs = append(reqs, memory.SearchRequest{
			Space:   spec.Space,
			Vector:  vec,
			Limit:   spec.Limit,
			Filters: spec.Filters,
		})
	}
	if len(reqs) == 0 {
		return fmt.Errorf("%w: no query vectors for %d spaces", errors.ErrAllSpacesUnavailable, len(plan.Specs))
	}

	outcomes, err := o.engine.Search(ctx, key, reqs)
	if err != nil {
		return err
	}
	for _, out := range outcomes {
		if out.Err != nil {
			result.Unavailable = append(result.Unavailable, SpaceFailure{Space: out.Space, Stage: StageSearch, Error: out.Err.Error()})
		}
	}

	candidates := o.engine.Fuse(outcomes)
	if o.reranker != nil {
		candidates, result.Reranked, err = o.reranker.Rerank(ctx, query, candidates, o.limit)
		if err != nil {
			return err
		}
	}
	if len(candidates) > o.limit {
		candidates = candidates[:o.limit]
	}
	result.Candidates = candidates
	return nil
}

// embedSpaces embeds the query once per distinct space, concurrently. A
// space whose embedding fails is reported and left out.
func (o *Orchestrator) embedSpaces(ctx context.Context, query string, spaces []memory.VectorSpace) (map[memory.VectorSpace][]float32, []SpaceFailure) {
	var (
		mu       sync.Mutex
		vectors  = make(map[memory.VectorSpace][]float32, len(spaces))
		failures []SpaceFailure
	)

	seen := make(map[memory.VectorSpace]bool, len(spaces))
	var g errgroup.Group
	for _, space := range spaces {
		if seen[space] {
			continue
		}
		seen[space] = true
		space := space
		g.Go(func() error {
			vec, err := o.embedder.Embed(ctx, space, query)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.WarnContext(ctx, "Query embedding failed", "space", string(space), "error", err)
				failures = append(failures, SpaceFailure{Space: space, Stage: StageEmbed, Error: err.Error()})
				return nil
			}
			vectors[space] = vec
			return nil
		})
	}
	_ = g.Wait()
	return vectors, failures
}

// RunTierSweep sweeps key's records on demand.
func (o *Orchestrator) RunTierSweep(ctx context.Context, key owner.Key) (tier.SweepReport, error) {
	if o.tiers == nil {
		return tier.SweepReport{}, errors.Wrap(errors.ErrNotReady, "tier manager not configured")
	}
	return o.tiers.Sweep(ctx, key)
}

// Remember embeds content in every known space and stores it as a new
// short-term record. It serves the shell and tests; production ingestion
// writes to the store directly.
func (o *Orchestrator) Remember(ctx context.Context, key owner.Key, content string, significance float64) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	if o.writer == nil {
		return "", errors.Wrap(errors.ErrNotReady, "store is read-only")
	}

	rec := memory.MemoryRecord{
		Owner:        key,
		Content:      content,
		Timestamp:    o.now(),
		Significance: significance,
		Tier:         memory.ShortTerm,
		Vectors:      make(map[memory.VectorSpace][]float32, len(memory.AllSpaces)),
	}
	for _, space := range memory.AllSpaces {
		vec, err := o.embedder.Embed(ctx, space, content)
		if err != nil {
			return "", errors.Wrap(err, "failed to embed %s", space)
		}
		rec.Vectors[space] = vec
	}
	return o.writer.Put(ctx, rec)
}

// Ready checks the embedding model. The reranker is optional: a reranker
// that failed its check only disables reranking.
func (o *Orchestrator) Ready(ctx context.Context) error {
	if err := o.embedder.Ready(ctx); err != nil {
		return errors.Wrap(errors.ErrNotReady, "embedder: %v", err)
	}
	return nil
}

// RerankerReady reports whether reranking is active.
func (o *Orchestrator) RerankerReady() bool {
	return o.reranker != nil && o.reranker.Ready()
}
