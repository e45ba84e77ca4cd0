package cli

import (
	"context"
	"sort"
	"strings"

	"github.com/objones25/ragcore/internal/embeddings/cache"
	"github.com/objones25/ragcore/internal/retrieval"
)

// overlapReranker scores candidates by the share of query terms they contain.
// It stands in for a cross-encoder in smoke runs.
type overlapReranker struct{}

func (overlapReranker) Rerank(ctx context.Context, query string, candidates []retrieval.ScoredChunk, count int) ([]retrieval.ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := termSet(query)
	out := append([]retrieval.ScoredChunk(nil), candidates...)
	if count < len(out) {
		out = out[:count]
	}
	for i := range out {
		out[i].Score = overlap(terms, termSet(out[i].Text))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func termSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.Fields(cache.Normalize(text)) {
		f = strings.Trim(f, ".,;:!?\"'()")
		if len(f) > 2 {
			set[f] = struct{}{}
		}
	}
	return set
}

func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	n := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			n++
		}
	}
	return float64(n) / float64(len(query))
}
