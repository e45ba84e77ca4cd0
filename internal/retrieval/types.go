package retrieval

import (
	"context"
	"fmt"
	"strconv"

	"github.com/objones25/ragcore/internal/timing"
)

// ScoredChunk is a retrieved passage with its relevance score
type ScoredChunk struct {
	Text     string            `json:"text"`
	SourceID string            `json:"source_id"`
	Offset   int               `json:"offset"`
	Page     *int              `json:"page,omitempty"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ID returns the stable identity of a chunk: source plus offset
func (c ScoredChunk) ID() string {
	return c.SourceID + "#" + strconv.Itoa(c.Offset)
}

// Filter is a metadata equality predicate. An empty filter matches everything.
type Filter map[string]string

// Match reports whether metadata satisfies every condition in f
func (f Filter) Match(metadata map[string]string) bool {
	for k, v := range f {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// Mode selects how much work a retrieval call may do
type Mode string

const (
	// ModeAdaptive lets the query type decide expansion and rewrites
	ModeAdaptive Mode = "adaptive"
	// ModeSimple always takes the single-search path. It does not by itself
	// skip query transformation; use SimpleOptions for a fully direct call.
	ModeSimple Mode = "simple"
	// ModeDiverse adds generated rewrites up to the configured variant limit
	ModeDiverse Mode = "diverse"
)

// Strategy labels the path a retrieval call actually took
type Strategy string

const (
	StrategyDirect              Strategy = "direct"
	StrategyDirectRerank        Strategy = "direct_rerank"
	StrategyTransformFuse       Strategy = "transform_fuse"
	StrategyTransformFuseRerank Strategy = "transform_fuse_rerank"
)

func strategyFor(fused, reranked bool) Strategy {
	switch {
	case fused && reranked:
		return StrategyTransformFuseRerank
	case fused:
		return StrategyTransformFuse
	case reranked:
		return StrategyDirectRerank
	default:
		return StrategyDirect
	}
}

const defaultTopK = 10

// Options are the per-call retrieval options
type Options struct {
	// TopK is the number of documents returned
	TopK int
	// Mode defaults to ModeAdaptive
	Mode Mode
	// DisableMultiQuery forces a single vector search
	DisableMultiQuery bool
	// DisableQueryTransform skips expansion and classification
	DisableQueryTransform bool
	// RerankCount overrides the configured re-rank depth; zero skips re-ranking
	RerankCount *int
	// Filter restricts results by metadata
	Filter Filter
}

// DefaultOptions returns adaptive options with the default TopK
func DefaultOptions() Options {
	return Options{TopK: defaultTopK, Mode: ModeAdaptive}
}

// SimpleOptions returns options for the cheapest path: one embedding and one
// search. Each disable flag guards a separate stage, so both are set.
func SimpleOptions() Options {
	return Options{
		TopK:                  defaultTopK,
		Mode:                  ModeSimple,
		DisableMultiQuery:     true,
		DisableQueryTransform: true,
	}
}

// Rerank returns a pointer to n, for use as Options.RerankCount
func Rerank(n int) *int {
	return &n
}

func (o Options) normalize() (Options, error) {
	if o.TopK == 0 {
		o.TopK = defaultTopK
	}
	if o.TopK < 0 {
		return o, fmt.Errorf("%w: top_k must be positive, got %d", ErrInvalidOptions, o.TopK)
	}
	switch o.Mode {
	case "":
		o.Mode = ModeAdaptive
	case ModeAdaptive, ModeSimple, ModeDiverse:
	default:
		return o, fmt.Errorf("%w: unknown mode %q", ErrInvalidOptions, o.Mode)
	}
	if o.RerankCount != nil && *o.RerankCount < 0 {
		return o, fmt.Errorf("%w: rerank count must not be negative", ErrInvalidOptions)
	}
	return o, nil
}

// Result is the outcome of one retrieval call. The caller owns it.
type Result struct {
	Documents []ScoredChunk    `json:"documents"`
	Strategy  Strategy         `json:"strategy"`
	QueryType QueryType        `json:"query_type"`
	CacheHit  bool             `json:"cache_hit"`
	Timing    timing.Breakdown `json:"timing"`
	// Variants are the query texts that were searched
	Variants  []string `json:"variants"`
	RequestID string   `json:"request_id"`
}

// Searcher runs a nearest-neighbour search over the document index
type Searcher interface {
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]ScoredChunk, error)
}

// Generator produces free text from a prompt
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Classifier returns a free-text label for a query
type Classifier interface {
	Classify(ctx context.Context, query string) (string, error)
}

// Reranker reorders the top count candidates for query, assigning new scores
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []ScoredChunk, count int) ([]ScoredChunk, error)
}

// SearchFunc adapts a function to Searcher
type SearchFunc func(ctx context.Context, vector []float32, topK int, filter Filter) ([]ScoredChunk, error)

func (f SearchFunc) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]ScoredChunk, error) {
	return f(ctx, vector, topK, filter)
}

// GenerateFunc adapts a function to Generator
type GenerateFunc func(ctx context.Context, prompt string) (string, error)

func (f GenerateFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// ClassifyFunc adapts a function to Classifier
type ClassifyFunc func(ctx context.Context, query string) (string, error)

func (f ClassifyFunc) Classify(ctx context.Context, query string) (string, error) {
	return f(ctx, query)
}

// RerankFunc adapts a function to Reranker
type RerankFunc func(ctx context.Context, query string, candidates []ScoredChunk, count int) ([]ScoredChunk, error)

func (f RerankFunc) Rerank(ctx context.Context, query string, candidates []ScoredChunk, count int) ([]ScoredChunk, error) {
	return f(ctx, query, candidates, count)
}
