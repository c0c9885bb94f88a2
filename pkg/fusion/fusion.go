// Package fusion merges ranked lists from several vector spaces with
// Reciprocal Rank Fusion and runs the searches that produce them.
package fusion

import (
	"sort"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
)

// DefaultK is the RRF smoothing constant.
const DefaultK = 60.0

// scoreTolerance treats fused scores this close as tied.
const scoreTolerance = 1e-12

// Source records where a candidate appeared.
type Source struct {
	Space memory.VectorSpace `json:"space"`
	Rank  int                `json:"rank"`
	Score float64            `json:"score"`
}

// Candidate is one deduplicated record after fusion.
type Candidate struct {
	Record     memory.MemoryRecord `json:"record"`
	FusedScore float64             `json:"fused_score"`

	// BestRank is the best (lowest) 1-indexed rank across lists
	BestRank int `json:"best_rank"`

	Sources []Source `json:"sources"`

	// RerankScore is set when the reranker scored the candidate
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// Fuse merges lists with RRF: each list contributes 1/(k+rank) for every
// record it contains. The output holds each record once, ordered by fused
// score, then best rank, then id. A record listed twice in the same list
// counts once, at its best rank. Input order of lists does not matter.
func Fuse(k float64, lists []memory.RankedList) []Candidate {
	if k <= 0 {
		k = DefaultK
	}

	byID := make(map[string]*Candidate)
	for _, list := range lists {
		seen := make(map[string]bool, len(list.Items))
		for i, item := range list.Items {
			id := item.Record.ID
			if seen[id] {
				continue
			}
			seen[id] = true

			rank := i + 1
			c, ok := byID[id]
			if !ok {
				c = &Candidate{Record: item.Record, BestRank: rank}
				byID[id] = c
			}
			c.Sources = append(c.Sources, Source{Space: list.Space, Rank: rank, Score: item.Score})
			if rank < c.BestRank {
				c.BestRank = rank
			}
		}
	}

	out := make([]Candidate, 0, len(byID))
	for _, c := range byID {
		// Summing in rank order makes the score independent of list order.
		sort.Slice(c.Sources, func(i, j int) bool {
			if c.Sources[i].Rank != c.Sources[j].Rank {
				return c.Sources[i].Rank < c.Sources[j].Rank
			}
			return c.Sources[i].Space < c.Sources[j].Space
		})
		for _, s := range c.Sources {
			c.FusedScore += 1 / (k + float64(s.Rank))
		}
		out = append(out, *c)
	}

	sort.Slice(out, func(i, j int) bool {
		return Less(out[i], out[j])
	})
	return out
}

// Less is the fused ordering: higher score, then better rank, then lower id.
func Less(a, b Candidate) bool {
	if d := a.FusedScore - b.FusedScore; d > scoreTolerance || d < -scoreTolerance {
		return d > 0
	}
	if a.BestRank != b.BestRank {
		return a.BestRank < b.BestRank
	}
	return a.Record.ID < b.Record.ID
}
