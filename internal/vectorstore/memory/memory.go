// Package memory provides an in-process brute-force vector index. It is exact,
// so it suits tests, fixtures and small local corpora.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/objones25/ragcore/internal/retrieval"
	"github.com/objones25/ragcore/internal/vectorstore"
)

// Index is a cosine-similarity index held in memory
type Index struct {
	mu        sync.RWMutex
	docs      map[string]vectorstore.Document
	dimension int
	closed    bool

	// Simulated backend behaviour
	latency time.Duration
	errors  map[string]error

	logger zerolog.Logger
}

// New creates an empty index. A zero dimension is fixed by the first insert.
func New(dimension int) *Index {
	return &Index{
		docs:      make(map[string]vectorstore.Document),
		dimension: dimension,
		errors:    make(map[string]error),
		logger:    log.With().Str("component", "memory_index").Logger(),
	}
}

// SetLatency adds artificial latency to every operation
func (x *Index) SetLatency(d time.Duration) {
	x.mu.Lock()
	x.latency = d
	x.mu.Unlock()
}

// SetError makes operation ("insert", "search", "delete") fail with err.
// A nil err clears it.
func (x *Index) SetError(operation string, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err == nil {
		delete(x.errors, operation)
		return
	}
	x.errors[operation] = err
}

func (x *Index) simulate(ctx context.Context, operation string) error {
	x.mu.RLock()
	latency, err, closed := x.latency, x.errors[operation], x.closed
	x.mu.RUnlock()

	if closed {
		return vectorstore.ErrClosed
	}
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

// Insert implements vectorstore.Index
func (x *Index) Insert(ctx context.Context, docs []vectorstore.Document) error {
	if err := x.simulate(ctx, "insert"); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	for _, doc := range docs {
		if len(doc.Vector) == 0 {
			return fmt.Errorf("document %s has no vector", doc.ID())
		}
		if x.dimension == 0 {
			x.dimension = len(doc.Vector)
		}
		if len(doc.Vector) != x.dimension {
			return fmt.Errorf("%w: document %s has %d, index has %d",
				vectorstore.ErrDimensionMismatch, doc.ID(), len(doc.Vector), x.dimension)
		}
		vec := make([]float32, len(doc.Vector))
		copy(vec, doc.Vector)
		doc.Vector = vec
		x.docs[doc.ID()] = doc
	}
	x.logger.Debug().Int("count", len(docs)).Int("total", len(x.docs)).Msg("Documents indexed")
	return nil
}

// Search implements retrieval.Searcher. Results are ordered by descending
// cosine similarity; equal scores are ordered by ID.
func (x *Index) Search(ctx context.Context, vector []float32, topK int, filter retrieval.Filter) ([]retrieval.ScoredChunk, error) {
	if err := x.simulate(ctx, "search"); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []retrieval.ScoredChunk{}, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.dimension != 0 && len(vector) != x.dimension {
		return nil, fmt.Errorf("%w: query has %d, index has %d",
			vectorstore.ErrDimensionMismatch, len(vector), x.dimension)
	}

	type hit struct {
		id    string
		score float64
	}
	hits := make([]hit, 0, len(x.docs))
	for id, doc := range x.docs {
		if !filter.Match(doc.Metadata) {
			continue
		}
		hits = append(hits, hit{id: id, score: Cosine(vector, doc.Vector)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	out := make([]retrieval.ScoredChunk, len(hits))
	for i, h := range hits {
		out[i] = x.docs[h.id].Chunk(h.score)
	}
	return out, nil
}

// Delete implements vectorstore.Index
func (x *Index) Delete(ctx context.Context, ids []string) error {
	if err := x.simulate(ctx, "delete"); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range ids {
		delete(x.docs, id)
	}
	return nil
}

// Len returns the number of indexed documents
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Health implements vectorstore.Index
func (x *Index) Health(context.Context) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return vectorstore.ErrClosed
	}
	return nil
}

// Close implements vectorstore.Index
func (x *Index) Close() error {
	x.mu.Lock()
	x.closed = true
	x.docs = make(map[string]vectorstore.Document)
	x.mu.Unlock()
	return nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a zero
// vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ vectorstore.Index = (*Index)(nil)
