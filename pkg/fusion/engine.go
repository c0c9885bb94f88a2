package fusion

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
)

// Searcher is the part of memory.Store the engine needs.
type Searcher interface {
	Search(ctx context.Context, key owner.Key, req memory.SearchRequest) (memory.RankedList, error)
}

// Outcome is the result of one dispatched search. A failed or timed out
// search has Err set and an empty List.
type Outcome struct {
	Space   memory.VectorSpace
	List    memory.RankedList
	Err     error
	Elapsed time.Duration
}

// Options configures an Engine.
type Options struct {
	K             float64
	SearchTimeout time.Duration
	MaxParallel   int
}

// Engine dispatches searches concurrently and fuses their results.
type Engine struct {
	store       Searcher
	k           float64
	timeout     time.Duration
	maxParallel int
}

// NewEngine creates an Engine.
func NewEngine(store Searcher, opts Options) *Engine {
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 2 * time.Second
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	return &Engine{store: store, k: opts.K, timeout: opts.SearchTimeout, maxParallel: opts.MaxParallel}
}

// K returns the fusion constant in use.
func (e *Engine) K() float64 {
	return e.k
}

// Search runs every request concurrently, each under its own timeout.
// Outcomes are returned in request order. The error is the parent context's
// error when the caller cancelled, or ErrAllSpacesUnavailable when every
// search failed.
func (e *Engine) Search(ctx context.Context, key owner.Key, reqs []memory.SearchRequest) ([]Outcome, error) {
	outcomes := make([]Outcome, len(reqs))

	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			outcomes[i] = e.searchOne(ctx, key, req)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return outcomes, err
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			log.WarnContext(ctx, "Vector space unavailable",
				"space", string(o.Space),
				"elapsed", o.Elapsed,
				"error", o.Err,
			)
		}
	}
	if len(reqs) > 0 && failed == len(reqs) {
		return outcomes, fmt.Errorf("%w: %d of %d searches failed", errors.ErrAllSpacesUnavailable, failed, len(reqs))
	}
	return outcomes, nil
}

// searchOne stops waiting once the per-search timeout passes even if the
// store ignores its context; the abandoned call finishes in the background.
func (e *Engine) searchOne(ctx context.Context, key owner.Key, req memory.SearchRequest) Outcome {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		list memory.RankedList
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		list, err := e.store.Search(sctx, key, req)
		ch <- result{list: list, err: err}
	}()

	out := Outcome{Space: req.Space, List: memory.RankedList{Space: req.Space}}
	select {
	case r := <-ch:
		if r.err != nil {
			out.Err = fmt.Errorf("%w: space %s: %w", errors.ErrVectorSpaceUnavailable, req.Space, r.err)
		} else {
			out.List = r.list
			out.List.Space = req.Space
		}
	case <-sctx.Done():
		out.Err = fmt.Errorf("%w: space %s: %w", errors.ErrVectorSpaceUnavailable, req.Space, sctx.Err())
	}
	out.Elapsed = time.Since(start)
	return out
}

// Fuse merges the successful outcomes with the engine's k.
func (e *Engine) Fuse(outcomes []Outcome) []Candidate {
	lists := make([]memory.RankedList, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err == nil {
			lists = append(lists, o.List)
		}
	}
	return Fuse(e.k, lists)
}
