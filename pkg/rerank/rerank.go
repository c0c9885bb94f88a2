// Package rerank re-scores the head of a fused candidate list with a
// pairwise relevance model. Any model failure falls back to the fused order.
package rerank

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/fusion"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
)

// Scorer scores (query, text) pairs in one batched call. Scores are
// relevance in [0,1], one per text, in input order.
type Scorer interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
	Ready(ctx context.Context) error
}

// Options configures a Reranker.
type Options struct {
	// BatchSize is how many leading candidates are re-scored
	BatchSize int

	// UseThreshold enables Threshold
	UseThreshold bool

	// Threshold drops scored candidates below it, before truncation
	Threshold float64
}

// Reranker orders candidates by model relevance.
type Reranker struct {
	scorer Scorer
	opts   Options
	ready  atomic.Bool
}

// New creates a Reranker. Call Init before serving requests.
func New(scorer Scorer, opts Options) *Reranker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	return &Reranker{scorer: scorer, opts: opts}
}

// Init runs the scorer's readiness check. Until it succeeds, Rerank passes
// candidates through untouched.
func (r *Reranker) Init(ctx context.Context) error {
	if err := r.scorer.Ready(ctx); err != nil {
		r.ready.Store(false)
		return errors.Wrap(errors.ErrNotReady, "reranker: %v", err)
	}
	r.ready.Store(true)
	return nil
}

// Ready reports whether Init succeeded.
func (r *Reranker) Ready() bool {
	return r.ready.Load()
}

// Rerank re-scores up to BatchSize leading candidates, drops those below
// the threshold, orders them by relevance and appends the unscored tail,
// then truncates to topK (when positive). The bool reports whether model
// scores were applied. On model failure the input is returned unchanged
// with a nil error; only cancellation is returned as an error.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []fusion.Candidate, topK int) ([]fusion.Candidate, bool, error) {
	if len(candidates) <= 1 {
		return candidates, false, nil
	}
	if !r.Ready() {
		log.WarnContext(ctx, "Reranker not ready, keeping fused order")
		return candidates, false, nil
	}
	if err := ctx.Err(); err != nil {
		return candidates, false, err
	}

	n := r.opts.BatchSize
	if n > len(candidates) {
		n = len(candidates)
	}
	texts := make([]string, n)
	for i := 0; i < n; i++ {
		texts[i] = candidates[i].Record.Content
	}

	scores, err := r.scorer.Score(ctx, query, texts)
	if err == nil && len(scores) != n {
		err = errors.Wrap(errors.ErrRerankerUnavailable, "got %d scores for %d candidates", len(scores), n)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return candidates, false, ctxErr
		}
		log.WarnContext(ctx, "Reranker failed, keeping fused order", "candidates", n, "error", err)
		return candidates, false, nil
	}

	head := make([]fusion.Candidate, 0, n)
	for i := 0; i < n; i++ {
		score := scores[i]
		if r.opts.UseThreshold && score < r.opts.Threshold {
			continue
		}
		c := candidates[i]
		c.RerankScore = &score
		head = append(head, c)
	}
	// Stable on the fused order so equal scores keep their fused position.
	sort.SliceStable(head, func(i, j int) bool {
		return *head[i].RerankScore > *head[j].RerankScore
	})

	out := append(head, candidates[n:]...)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}

	log.DebugContext(ctx, "Reranked candidates",
		"scored", n,
		"kept", len(head),
		"returned", len(out),
	)
	return out, true, nil
}
