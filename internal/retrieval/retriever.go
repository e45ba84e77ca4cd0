package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/objones25/ragcore/internal/embeddings"
	"github.com/objones25/ragcore/internal/timing"
)

// Config holds configuration for the adaptive retriever
type Config struct {
	// RerankCount is the default number of candidates re-ranked per call
	RerankCount int
	// MaxVariants caps the number of query variants searched in fusion
	MaxVariants int
	// Timeout bounds a whole call on top of the caller's context; 0 disables it
	Timeout time.Duration
	Fusion  FusionConfig
	// Registerer receives the retriever's collectors; nil skips registration
	Registerer prometheus.Registerer
}

// DefaultConfig returns default retriever settings
func DefaultConfig() Config {
	return Config{
		RerankCount: 5,
		MaxVariants: 5,
		Fusion:      DefaultFusionConfig(),
	}
}

// Option configures optional retriever collaborators
type Option func(*Retriever)

// WithTransformer enables query transformation
func WithTransformer(t *Transformer) Option {
	return func(r *Retriever) { r.transformer = t }
}

// WithReranker enables re-ranking
func WithReranker(rr Reranker) Option {
	return func(r *Retriever) { r.reranker = rr }
}

// Retriever is the adaptive retrieval orchestrator. Per call it walks
//
//	Start -> {DirectVector | TransformThenFuse} -> {Rerank | SkipRerank} -> Done
//
// where transformation and fusion are two independent decisions.
type Retriever struct {
	source      embeddings.VectorSource
	searcher    Searcher
	transformer *Transformer
	reranker    Reranker
	fuser       *Fuser
	cfg         Config
	metrics     *retrievalMetrics
	logger      zerolog.Logger
}

// New creates a retriever over a vector source and a searcher
func New(source embeddings.VectorSource, searcher Searcher, cfg Config, opts ...Option) (*Retriever, error) {
	if source == nil {
		return nil, fmt.Errorf("vector source cannot be nil")
	}
	if searcher == nil {
		return nil, ErrNoSearcher
	}
	if cfg.RerankCount < 0 {
		return nil, fmt.Errorf("%w: rerank count must not be negative", ErrInvalidOptions)
	}
	if cfg.MaxVariants <= 0 {
		cfg.MaxVariants = DefaultConfig().MaxVariants
	}

	r := &Retriever{
		source:   source,
		searcher: searcher,
		fuser:    NewFuser(source, searcher, cfg.Fusion),
		cfg:      cfg,
		metrics:  newRetrievalMetrics(cfg.Registerer),
		logger:   log.With().Str("component", "retriever").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// transformEnabled is the first decision point: it depends only on the
// transformer being configured and DisableQueryTransform.
func (r *Retriever) transformEnabled(opts Options) bool {
	return r.transformer != nil && !opts.DisableQueryTransform
}

// fusionEnabled is the second decision point: it depends only on
// DisableMultiQuery and the simple mode.
func (r *Retriever) fusionEnabled(opts Options) bool {
	return !opts.DisableMultiQuery && opts.Mode != ModeSimple
}

func (r *Retriever) rerankCount(opts Options) int {
	if r.reranker == nil {
		return 0
	}
	if opts.RerankCount != nil {
		return *opts.RerankCount
	}
	return r.cfg.RerankCount
}

// call carries the state of one Retrieve invocation
type call struct {
	query     string
	opts      Options
	timer     *timing.StageTimer
	logger    zerolog.Logger
	transform *Transformation
	variants  []string
	docs      []ScoredChunk
	cacheHit  bool
}

// Retrieve runs one retrieval. On error no partial result is returned.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) (*Result, error) {
	requestID := uuid.NewString()
	logger := r.logger.With().Str("request_id", requestID).Logger()

	res, err := r.retrieve(ctx, query, opts, requestID, logger)
	if err != nil {
		re := newError(StageValidate, KindInvalid, err)
		r.metrics.errors.WithLabelValues(re.Stage, string(re.Kind)).Inc()
		logger.Error().Err(err).Str("stage", re.Stage).Str("kind", string(re.Kind)).Msg("Retrieval failed")
		return nil, re
	}
	return res, nil
}

func (r *Retriever) retrieve(ctx context.Context, query string, opts Options, requestID string, logger zerolog.Logger) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrInvalidQuery
	}
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	c := &call{
		query:  query,
		opts:   opts,
		timer:  timing.New(),
		logger: logger,
	}

	// Decision 1: transformation
	if r.transformEnabled(opts) {
		if err := r.runTransform(ctx, c); err != nil {
			return nil, err
		}
	}

	// Decision 2: fusion or a single vector search
	fused := r.fusionEnabled(opts)
	if fused {
		err = r.runFusion(ctx, c)
	} else {
		err = r.runDirect(ctx, c)
	}
	if err != nil {
		return nil, err
	}

	reranked := false
	if count := r.rerankCount(opts); count > 0 && len(c.docs) > 0 {
		if err := r.runRerank(ctx, c, count); err != nil {
			return nil, err
		}
		reranked = true
	}

	if len(c.docs) > opts.TopK {
		c.docs = c.docs[:opts.TopK]
	}

	res := &Result{
		Documents: c.docs,
		Strategy:  strategyFor(fused, reranked),
		QueryType: DefaultQueryType,
		CacheHit:  c.cacheHit,
		Timing:    c.timer.Breakdown(),
		Variants:  c.variants,
		RequestID: requestID,
	}
	if c.transform != nil {
		res.QueryType = c.transform.QueryType
	}

	r.metrics.requests.WithLabelValues(string(res.Strategy)).Inc()
	for _, stage := range res.Timing.Order {
		r.metrics.stageDuration.WithLabelValues(stage).Observe(res.Timing.Stages[stage].DurationMs / 1000)
	}

	logger.Info().
		Str("strategy", string(res.Strategy)).
		Str("query_type", string(res.QueryType)).
		Bool("cache_hit", res.CacheHit).
		Int("documents", len(res.Documents)).
		Int("variants", len(res.Variants)).
		Float64("total_ms", res.Timing.TotalMs).
		Msg("Retrieval completed")

	return res, nil
}

func (r *Retriever) runTransform(ctx context.Context, c *call) error {
	return c.timer.Measure(StageTransform, func() error {
		t, err := r.transformer.Transform(ctx, c.query)
		if err != nil {
			return stageError(ctx, StageTransform, KindCompute, err)
		}
		c.transform = &t
		c.logger.Debug().
			Str("query_type", string(t.QueryType)).
			Bool("expanded", t.Expanded != c.query).
			Bool("fallback", t.Fallback).
			Msg("Transformed query")
		return nil
	})
}

// variantSet builds original + expansion, plus rewrites when the mode or the
// query type's profile asks for them, capped at MaxVariants.
func (r *Retriever) variantSet(ctx context.Context, c *call) ([]string, error) {
	variants := []string{c.query}
	if c.transform == nil {
		return variants, nil
	}
	variants = dedupeQueries(append(variants, c.transform.Expanded))

	room := r.cfg.MaxVariants - len(variants)
	want := 0
	switch c.opts.Mode {
	case ModeDiverse:
		want = room
	case ModeAdaptive:
		want = c.transform.Profile.Rewrites
	}
	if want > room {
		want = room
	}
	if want <= 0 {
		return variants, nil
	}

	// Rewriting extends the transform stage rather than replacing it
	start := time.Now()
	rewrites, err := r.transformer.Rewrite(ctx, c.query, want)
	prev, _ := c.timer.Duration(StageTransform)
	c.timer.Record(StageTransform, prev+time.Since(start))
	if err != nil {
		return nil, stageError(ctx, StageTransform, KindCompute, err)
	}
	return limit(dedupeQueries(append(variants, rewrites...)), r.cfg.MaxVariants), nil
}

func (r *Retriever) runFusion(ctx context.Context, c *call) error {
	variants, err := r.variantSet(ctx, c)
	if err != nil {
		return err
	}
	c.variants = variants

	return c.timer.Measure(StageFuse, func() error {
		fr, err := r.fuser.RetrieveFused(ctx, variants, r.fetchDepth(c.opts), c.opts.Filter)
		if err != nil {
			return err
		}
		c.docs = fr.Documents
		c.cacheHit = fr.CacheHit
		return nil
	})
}

func (r *Retriever) runDirect(ctx context.Context, c *call) error {
	text := c.query
	if c.transform != nil {
		text = c.transform.Expanded
	}
	c.variants = []string{text}

	var vector []float32
	err := c.timer.Measure(StageEmbed, func() error {
		emb, err := r.source.Embed(ctx, text)
		if err != nil {
			return stageError(ctx, StageEmbed, KindCompute, err)
		}
		vector = emb.Vector
		c.cacheHit = emb.CacheHit
		return nil
	})
	if err != nil {
		return err
	}

	return c.timer.Measure(StageSearch, func() error {
		docs, err := r.searcher.Search(ctx, vector, r.fetchDepth(c.opts), c.opts.Filter)
		if err != nil {
			return stageError(ctx, StageSearch, KindSearch, err)
		}
		c.docs = docs
		return nil
	})
}

// runRerank reorders the top count candidates; the rest keep their order
// after the re-ranked head.
func (r *Retriever) runRerank(ctx context.Context, c *call, count int) error {
	return c.timer.Measure(StageRerank, func() error {
		if count > len(c.docs) {
			count = len(c.docs)
		}
		head := append([]ScoredChunk(nil), c.docs[:count]...)
		tail := c.docs[count:]

		ranked, err := r.reranker.Rerank(ctx, c.query, head, count)
		if err != nil {
			return stageError(ctx, StageRerank, KindRerank, err)
		}
		if err := ctx.Err(); err != nil {
			return stageError(ctx, StageRerank, KindRerank, err)
		}
		c.docs = append(ranked, tail...)
		return nil
	})
}

// fetchDepth returns how many candidates to retrieve so the re-ranker has its
// full window even when it is wider than TopK.
func (r *Retriever) fetchDepth(opts Options) int {
	if n := r.rerankCount(opts); n > opts.TopK {
		return n
	}
	return opts.TopK
}
