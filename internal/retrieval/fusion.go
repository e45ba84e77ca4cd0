package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/objones25/ragcore/internal/embeddings"
)

// DefaultRRFK is the conventional reciprocal-rank-fusion constant
const DefaultRRFK = 60

// TieBreak orders chunks whose fused scores are equal
type TieBreak int

const (
	// TieBreakFirstAppearance keeps the order in which chunks were first seen,
	// walking variants in order and each list by rank
	TieBreakFirstAppearance TieBreak = iota
	// TieBreakSourceID orders by source identifier, then offset
	TieBreakSourceID
)

var tieBreakNames = map[TieBreak]string{
	TieBreakFirstAppearance: "first_appearance",
	TieBreakSourceID:        "source_id",
}

func (t TieBreak) String() string {
	if name, ok := tieBreakNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TieBreak(%d)", int(t))
}

// ParseTieBreak parses a tie-break name as printed by String
func ParseTieBreak(name string) (TieBreak, error) {
	for t, n := range tieBreakNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown tie-break %q", ErrInvalidOptions, name)
}

// FusionConfig holds configuration for multi-query fusion
type FusionConfig struct {
	// K is the RRF constant
	K int
	// TieBreak selects the ordering of equal fused scores
	TieBreak TieBreak
	// Depth is the minimum number of candidates fetched per variant
	Depth int
	// MaxConcurrency bounds concurrent variant searches; 0 means unbounded
	MaxConcurrency int
}

// DefaultFusionConfig returns default fusion settings
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{K: DefaultRRFK, TieBreak: TieBreakFirstAppearance}
}

// FuseRRF merges ranked lists with reciprocal-rank fusion using first
// appearance as the tie-break.
func FuseRRF(lists [][]ScoredChunk, k int) []ScoredChunk {
	return fuse(lists, k, TieBreakFirstAppearance)
}

type fusedChunk struct {
	chunk     ScoredChunk
	bestScore float64
	fused     float64
	first     int
}

// fuse scores every chunk as the sum of 1/(k+rank) over the lists it appears
// in, with 1-based ranks. Duplicates collapse onto SourceID#Offset, keeping
// the content of the highest-scoring occurrence. Fused scores are divided by
// the best achievable score, len(lists)/(k+1), so they fall in [0,1].
func fuse(lists [][]ScoredChunk, k int, tb TieBreak) []ScoredChunk {
	if k <= 0 {
		k = DefaultRRFK
	}

	acc := make(map[string]*fusedChunk)
	seq := 0
	for _, list := range lists {
		for i, chunk := range list {
			rank := i + 1
			id := chunk.ID()
			fc, ok := acc[id]
			if !ok {
				fc = &fusedChunk{chunk: chunk, bestScore: chunk.Score, first: seq}
				acc[id] = fc
				seq++
			} else if chunk.Score > fc.bestScore {
				fc.chunk = chunk
				fc.bestScore = chunk.Score
			}
			fc.fused += 1.0 / float64(k+rank)
		}
	}

	ordered := make([]*fusedChunk, 0, len(acc))
	for _, fc := range acc {
		ordered = append(ordered, fc)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.fused != b.fused {
			return a.fused > b.fused
		}
		if tb == TieBreakSourceID {
			if a.chunk.SourceID != b.chunk.SourceID {
				return a.chunk.SourceID < b.chunk.SourceID
			}
			if a.chunk.Offset != b.chunk.Offset {
				return a.chunk.Offset < b.chunk.Offset
			}
		}
		return a.first < b.first
	})

	maxScore := float64(len(lists)) / float64(k+1)
	out := make([]ScoredChunk, len(ordered))
	for i, fc := range ordered {
		out[i] = fc.chunk
		out[i].Score = fc.fused / maxScore
	}
	return out
}

// FusionResult is the output of RetrieveFused
type FusionResult struct {
	Documents []ScoredChunk
	// CacheHit reports whether any variant's embedding came from the cache
	CacheHit bool
}

// Fuser embeds every query variant, searches for each one concurrently and
// merges the ranked lists.
type Fuser struct {
	source   embeddings.VectorSource
	searcher Searcher
	cfg      FusionConfig
	logger   zerolog.Logger
}

// NewFuser creates a multi-query fuser
func NewFuser(source embeddings.VectorSource, searcher Searcher, cfg FusionConfig) *Fuser {
	if cfg.K <= 0 {
		cfg.K = DefaultRRFK
	}
	return &Fuser{
		source:   source,
		searcher: searcher,
		cfg:      cfg,
		logger:   log.With().Str("component", "query_fusion").Logger(),
	}
}

// RetrieveFused runs one search per query and returns the fused top topK.
// Any failing variant fails the whole call.
func (f *Fuser) RetrieveFused(ctx context.Context, queries []string, topK int, filter Filter) (*FusionResult, error) {
	if len(queries) == 0 {
		return nil, newError(StageFuse, KindInvalid, ErrInvalidQuery)
	}
	depth := topK
	if f.cfg.Depth > depth {
		depth = f.cfg.Depth
	}

	lists := make([][]ScoredChunk, len(queries))
	var hit atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	if f.cfg.MaxConcurrency > 0 {
		g.SetLimit(f.cfg.MaxConcurrency)
	}
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			emb, err := f.source.Embed(gctx, q)
			if err != nil {
				return newError(StageEmbed, KindCompute, err)
			}
			if emb.CacheHit {
				hit.Store(true)
			}
			results, err := f.searcher.Search(gctx, emb.Vector, depth, filter)
			if err != nil {
				return newError(StageSearch, KindSearch, err)
			}
			lists[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// A sibling's failure cancels gctx; report the caller's own
		// cancellation rather than the derived one.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, newError(StageFuse, KindCanceled, ctxErr)
		}
		return nil, err
	}

	fused := fuse(lists, f.cfg.K, f.cfg.TieBreak)
	if len(fused) > topK {
		fused = fused[:topK]
	}

	f.logger.Debug().
		Int("variants", len(queries)).
		Int("results", len(fused)).
		Bool("cache_hit", hit.Load()).
		Msg("Fused variant results")

	return &FusionResult{Documents: fused, CacheHit: hit.Load()}, nil
}
