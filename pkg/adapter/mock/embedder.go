// Package mock provides a deterministic, offline embedder. Texts sharing
// words get close vectors, which makes it usable for local runs and for tests
// that check ranking.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

// Hook runs before each batch. A non-nil error is returned instead of vectors.
type Hook func(ctx context.Context, texts []string) error

type Embedder struct {
	mu         sync.RWMutex
	dimensions int
	model      string
	hook       Hook

	calls    atomic.Int64
	texts    atomic.Int64
	maxBatch atomic.Int64
}

type Option func(*Embedder)

func WithDimensions(n int) Option {
	return func(e *Embedder) {
		e.dimensions = n
	}
}

func WithModel(name string) Option {
	return func(e *Embedder) {
		e.model = name
	}
}

func WithHook(hook Hook) Option {
	return func(e *Embedder) {
		e.hook = hook
	}
}

func New(opts ...Option) *Embedder {
	e := &Embedder{
		dimensions: 256,
		model:      "hash-bow-v1",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Embedder) Model() string { return e.model }

// SetDimensions changes the output size of subsequent calls
func (e *Embedder) SetDimensions(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dimensions = n
}

func (e *Embedder) SetHook(hook Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hook = hook
}

// Calls is the number of Embed invocations, including failed ones
func (e *Embedder) Calls() int64 { return e.calls.Load() }

// Texts is the number of texts received over all calls
func (e *Embedder) Texts() int64 { return e.texts.Load() }

// MaxBatch is the largest batch received so far
func (e *Embedder) MaxBatch() int64 { return e.maxBatch.Load() }

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	e.texts.Add(int64(len(texts)))
	for {
		cur := e.maxBatch.Load()
		if int64(len(texts)) <= cur || e.maxBatch.CompareAndSwap(cur, int64(len(texts))) {
			break
		}
	}

	e.mu.RLock()
	dim, hook := e.dimensions, e.hook
	e.mu.RUnlock()

	if hook != nil {
		if err := hook(ctx, texts); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = Vector(text, dim)
	}
	return vectors, nil
}

// Vector is the embedding of text: signed feature hashing over lower-cased
// words, unit length. Text without words hashes as a whole.
func Vector(text string, dim int) []float32 {
	vec := make([]float32, dim)
	if dim <= 0 {
		return vec
	}

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		words = []string{text}
	}

	for _, w := range words {
		h := fnv.New64a()
		h.Write([]byte(w))
		sum := h.Sum64()
		idx := int(sum % uint64(dim))
		if (sum>>63)&1 == 1 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// every word cancelled out; any fixed unit vector keeps the output valid
		vec[0] = 1
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
