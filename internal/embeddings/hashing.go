package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objones25/ragcore/internal/embeddings/cache"
)

// HashEmbedder is a deterministic feature-hashing embedder. Each token and
// token bigram of the normalized text is hashed into a bucket and the result
// is L2-normalized, so texts sharing words land close together. It stands in
// for a model in local runs and tests.
type HashEmbedder struct {
	dimension int

	mu      sync.RWMutex
	latency time.Duration
	err     error

	calls      atomic.Int64
	batchCalls atomic.Int64
}

// NewHashEmbedder creates an embedder producing vectors of the given dimension
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 64
	}
	return &HashEmbedder{dimension: dimension}
}

// Dimension returns the vector length
func (h *HashEmbedder) Dimension() int {
	return h.dimension
}

// SetLatency adds artificial latency to every computation
func (h *HashEmbedder) SetLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latency = d
}

// SetError makes every computation fail with err; nil clears it
func (h *HashEmbedder) SetError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

// Calls returns the number of single-text computations
func (h *HashEmbedder) Calls() int64 {
	return h.calls.Load()
}

// BatchCalls returns the number of batch computations
func (h *HashEmbedder) BatchCalls() int64 {
	return h.batchCalls.Load()
}

func (h *HashEmbedder) simulate(ctx context.Context) error {
	h.mu.RLock()
	latency, err := h.latency, h.err
	h.mu.RUnlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

// Compute is a ComputeFunc
func (h *HashEmbedder) Compute(ctx context.Context, text string) ([]float32, error) {
	h.calls.Add(1)
	if err := h.simulate(ctx); err != nil {
		return nil, err
	}
	return h.embed(text), nil
}

// BatchCompute is a BatchComputeFunc
func (h *HashEmbedder) BatchCompute(ctx context.Context, texts []string) ([][]float32, error) {
	h.batchCalls.Add(1)
	if err := h.simulate(ctx); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.embed(text)
	}
	return out, nil
}

func (h *HashEmbedder) embed(text string) []float32 {
	vec := make([]float32, h.dimension)
	tokens := strings.Fields(cache.Normalize(text))
	for i, tok := range tokens {
		h.add(vec, tok, 1)
		if i > 0 {
			h.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Every text gets a usable vector, including empty ones
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func (h *HashEmbedder) add(vec []float32, feature string, weight float32) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	bucket := int(sum % uint64(h.dimension))
	// The top bit picks the sign so collisions tend to cancel out
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[bucket] += weight
}
