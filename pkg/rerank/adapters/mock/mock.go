// Package mock provides a rerank.Scorer for tests and local development.
// By default it scores by word overlap between query and text.
package mock

import (
	"context"
	"strings"
	"sync"
	"unicode"
)

// Scorer implements rerank.Scorer.
type Scorer struct {
	// ScoreFunc overrides the default overlap scoring when set
	ScoreFunc func(query string, texts []string) ([]float64, error)

	// ReadyErr is returned by Ready
	ReadyErr error

	mu      sync.Mutex
	calls   int
	batches [][]string
}

// New creates a Scorer using word overlap.
func New() *Scorer {
	return &Scorer{}
}

// Score implements rerank.Scorer.
func (s *Scorer) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	s.mu.Lock()
	s.calls++
	s.batches = append(s.batches, append([]string(nil), texts...))
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.ScoreFunc != nil {
		return s.ScoreFunc(query, texts)
	}

	q := words(query)
	out := make([]float64, len(texts))
	for i, t := range texts {
		out[i] = overlap(q, words(t))
	}
	return out, nil
}

// Ready implements rerank.Scorer.
func (s *Scorer) Ready(ctx context.Context) error {
	return s.ReadyErr
}

// Calls returns how many times Score was called.
func (s *Scorer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Batches returns the texts of every Score call.
func (s *Scorer) Batches() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.batches...)
}

func words(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[w] = struct{}{}
	}
	return set
}

// overlap is the share of query words present in the text.
func overlap(q, t map[string]struct{}) float64 {
	if len(q) == 0 {
		return 0
	}
	n := 0
	for w := range q {
		if _, ok := t[w]; ok {
			n++
		}
	}
	return float64(n) / float64(len(q))
}
