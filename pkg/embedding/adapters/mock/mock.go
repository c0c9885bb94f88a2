// Package mock provides a deterministic, dependency-free embedder based on
// feature hashing. Texts sharing words get similar vectors, which is enough
// for development and tests.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
)

// Embedder hashes words into a fixed number of dimensions. Each space uses
// a different hash seed so spaces are not interchangeable.
type Embedder struct {
	dims int

	mu         sync.Mutex
	calls      int
	failSpaces map[memory.VectorSpace]error
	readyErr   error
}

// New creates an Embedder producing dims-sized vectors.
func New(dims int) *Embedder {
	if dims <= 0 {
		dims = 256
	}
	return &Embedder{dims: dims, failSpaces: make(map[memory.VectorSpace]error)}
}

// FailSpace makes Embed fail for space. A nil err clears it.
func (e *Embedder) FailSpace(space memory.VectorSpace, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failSpaces, space)
		return
	}
	e.failSpaces[space] = err
}

// SetReadyError makes Ready return err.
func (e *Embedder) SetReadyError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readyErr = err
}

// Calls returns how many times Embed reached the hashing step.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Embed implements embedding.Embedder.
func (e *Embedder) Embed(ctx context.Context, space memory.VectorSpace, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	err := e.failSpaces[space]
	e.calls++
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	vec := make([]float64, e.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New64a()
		h.Write([]byte(space))
		h.Write([]byte{0})
		h.Write([]byte(w))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		sign := 1.0
		if sum&(1<<63) != 0 {
			sign = -1.0
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, e.dims)
	if norm == 0 {
		// Never hand out a zero vector; cosine is undefined for it.
		out[0] = 1
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

// Ready implements embedding.Embedder.
func (e *Embedder) Ready(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readyErr
}
