// Package mock provides a deterministic embedder for tests.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
)

// Embedder generates deterministic embeddings from a hash of the text.
// Distinct texts land on near-orthogonal vectors; identical texts are
// bit-identical.
type Embedder struct {
	dimensions int

	calls   atomic.Int64
	warmups atomic.Int64

	mu       sync.Mutex
	err      error
	fixed    map[string][]float32
	warmupFn func(context.Context) error
}

// New creates a mock embedder with all-MiniLM-L6-v2 dimensions.
func New() *Embedder {
	return NewWithDimensions(384)
}

// NewWithDimensions creates a mock embedder producing dims-sized vectors.
func NewWithDimensions(dims int) *Embedder {
	return &Embedder{dimensions: dims, fixed: make(map[string][]float32)}
}

// Warmup counts the call and runs the configured warm-up hook.
func (m *Embedder) Warmup(ctx context.Context) error {
	m.warmups.Add(1)
	m.mu.Lock()
	fn := m.warmupFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// Embed creates a deterministic embedding from text.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls.Add(1)

	m.mu.Lock()
	err := m.err
	vec, isFixed := m.fixed[text]
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if isFixed {
		return append([]float32(nil), vec...), nil
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, m.dimensions)
	for i := range embedding {
		// LCG step, mapped to [-1, 1].
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return Normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

// Calls returns how many times Embed ran.
func (m *Embedder) Calls() int {
	return int(m.calls.Load())
}

// Warmups returns how many times Warmup ran.
func (m *Embedder) Warmups() int {
	return int(m.warmups.Load())
}

// SetError makes every subsequent Embed fail with err. Nil clears it.
func (m *Embedder) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetWarmup installs a hook run by Warmup.
func (m *Embedder) SetWarmup(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warmupFn = fn
}

// Fix pins the embedding returned for text. vec is normalized.
func (m *Embedder) Fix(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixed[text] = Normalize(vec)
}

// Normalize converts vec to a unit vector.
func Normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}

	normalized := make([]float32, len(vec))
	if norm == 0 {
		copy(normalized, vec)
		return normalized
	}

	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		normalized[i] = v / norm
	}
	return normalized
}
