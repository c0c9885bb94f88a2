package rerank

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
)

// BreakerConfig configures BreakerScorer.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker
	MaxFailures uint32

	// Cooldown is how long the breaker stays open before letting a trial call through
	Cooldown time.Duration
}

// BreakerScorer stops calling a failing model for a cooldown period, so a
// dead reranker costs one fast rejection per request instead of a timeout.
type BreakerScorer struct {
	next    Scorer
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerScorer wraps next with a circuit breaker.
func NewBreakerScorer(next Scorer, config BreakerConfig) *BreakerScorer {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "reranker",
		MaxRequests: 1,
		Timeout:     config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			var gone callerGone
			return err == nil || errors.As(err, &gone)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &BreakerScorer{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Score implements Scorer.
func (b *BreakerScorer) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := b.breaker.Execute(func() (interface{}, error) {
		scores, err := b.next.Score(ctx, query, texts)
		if err != nil && ctx.Err() != nil {
			return nil, callerGone{err}
		}
		return scores, err
	})
	if err != nil {
		var gone callerGone
		if errors.As(err, &gone) {
			return nil, gone.err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Wrap(errors.ErrRerankerUnavailable, "circuit %s", b.breaker.State())
		}
		return nil, err
	}
	return out.([]float64), nil
}

// callerGone marks a failure caused by the caller's context ending. It
// says nothing about the model and does not count against the breaker.
type callerGone struct{ err error }

func (c callerGone) Error() string { return c.err.Error() }
func (c callerGone) Unwrap() error { return c.err }

// Ready implements Scorer.
func (b *BreakerScorer) Ready(ctx context.Context) error {
	return b.next.Ready(ctx)
}

// State returns the breaker state.
func (b *BreakerScorer) State() gobreaker.State {
	return b.breaker.State()
}
