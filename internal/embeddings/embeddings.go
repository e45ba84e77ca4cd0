package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ComputeFunc computes the embedding of a single text. It must be
// deterministic for the same normalized input.
type ComputeFunc func(ctx context.Context, text string) ([]float32, error)

// BatchComputeFunc computes embeddings for many texts, aligned with the input
type BatchComputeFunc func(ctx context.Context, texts []string) ([][]float32, error)

// EmbeddingResult represents the result of embedding a query
type EmbeddingResult struct {
	// Vector is owned by the caller
	Vector []float32
	// CacheHit reports whether the vector came from the cache
	CacheHit bool
	// Duration is the wall time spent producing the vector
	Duration time.Duration
}

// VectorSource turns text into vectors. The orchestrator depends only on this
// capability; caching is layered in by choosing CachedSource over DirectSource.
type VectorSource interface {
	Embed(ctx context.Context, text string) (*EmbeddingResult, error)
}

// Common errors
var (
	ErrCompute       = errors.New("embedding computation failed")
	ErrInvalidVector = errors.New("invalid embedding vector")
	ErrNilCompute    = errors.New("compute function is nil")
)

// DirectSource calls the compute function on every request
type DirectSource struct {
	compute ComputeFunc
}

// NewDirectSource creates an uncached vector source
func NewDirectSource(compute ComputeFunc) *DirectSource {
	return &DirectSource{compute: compute}
}

// Embed implements VectorSource
func (s *DirectSource) Embed(ctx context.Context, text string) (*EmbeddingResult, error) {
	start := time.Now()
	vec, err := runCompute(ctx, s.compute, text)
	if err != nil {
		return nil, err
	}
	return &EmbeddingResult{Vector: vec, Duration: time.Since(start)}, nil
}

// CachedSource serves vectors through an embedding Cache
type CachedSource struct {
	cache   *Cache
	compute ComputeFunc
}

// NewCachedSource creates a vector source backed by c
func NewCachedSource(c *Cache, compute ComputeFunc) *CachedSource {
	return &CachedSource{cache: c, compute: compute}
}

// Embed implements VectorSource
func (s *CachedSource) Embed(ctx context.Context, text string) (*EmbeddingResult, error) {
	start := time.Now()
	vec, hit, err := s.cache.GetOrCompute(ctx, text, s.compute)
	if err != nil {
		return nil, err
	}
	return &EmbeddingResult{Vector: vec, CacheHit: hit, Duration: time.Since(start)}, nil
}

// Cache returns the underlying embedding cache
func (s *CachedSource) Cache() *Cache {
	return s.cache
}

func runCompute(ctx context.Context, compute ComputeFunc, text string) ([]float32, error) {
	if compute == nil {
		return nil, ErrNilCompute
	}
	vec, err := compute(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompute, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrInvalidVector)
	}
	return vec, nil
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
