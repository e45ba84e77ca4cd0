package retrieval

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

func chunk(source string, offset int, score float64) ScoredChunk {
	return ScoredChunk{
		Text:     source + " passage " + string(rune('a'+offset%26)),
		SourceID: source,
		Offset:   offset,
		Score:    score,
	}
}

func ids(chunks []ScoredChunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ID()
	}
	return out
}

// fakeIndex maps each distinct text to its own vector and each vector to a
// canned result list. Unregistered texts get the fallback list.
type fakeIndex struct {
	mu       sync.Mutex
	vectors  map[string]float32
	lists    map[float32][]ScoredChunk
	fallback []ScoredChunk

	computeCalls atomic.Int64
	searchCalls  atomic.Int64
	computeDelay time.Duration
	computeErr   error
	searchErr    error
	blockSearch  bool
}

func newFakeIndex(fallback ...ScoredChunk) *fakeIndex {
	return &fakeIndex{
		vectors:  make(map[string]float32),
		lists:    make(map[float32][]ScoredChunk),
		fallback: fallback,
	}
}

func (f *fakeIndex) vectorFor(text string) float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(text))
	v, ok := f.vectors[key]
	if !ok {
		v = float32(len(f.vectors) + 1)
		f.vectors[key] = v
	}
	return v
}

func (f *fakeIndex) register(text string, chunks ...ScoredChunk) {
	v := f.vectorFor(text)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[v] = chunks
}

func (f *fakeIndex) Compute(ctx context.Context, text string) ([]float32, error) {
	f.computeCalls.Add(1)
	if f.computeDelay > 0 {
		select {
		case <-time.After(f.computeDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.computeErr != nil {
		return nil, f.computeErr
	}
	return []float32{f.vectorFor(text), 1}, nil
}

func (f *fakeIndex) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]ScoredChunk, error) {
	f.searchCalls.Add(1)
	if f.blockSearch {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.searchErr != nil {
		return nil, f.searchErr
	}

	f.mu.Lock()
	list, ok := f.lists[vector[0]]
	f.mu.Unlock()
	if !ok {
		list = f.fallback
	}

	var out []ScoredChunk
	for _, c := range list {
		if filter.Match(c.Metadata) {
			out = append(out, c)
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// fakeGenerator answers expansion prompts with a fixed passage and rewrite
// prompts with a numbered list.
type fakeGenerator struct {
	calls     atomic.Int64
	expansion string
	rewrites  string
	err       error
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if g.err != nil {
		return "", g.err
	}
	if strings.Contains(prompt, "Reformulate") {
		return g.rewrites, nil
	}
	return g.expansion, nil
}

type fakeClassifier struct {
	calls atomic.Int64
	label string
	err   error
}

func (c *fakeClassifier) Classify(_ context.Context, _ string) (string, error) {
	c.calls.Add(1)
	return c.label, c.err
}

// reverseReranker reverses the candidates and assigns descending scores
type reverseReranker struct {
	calls atomic.Int64
	count atomic.Int64
	err   error
}

func (r *reverseReranker) Rerank(_ context.Context, _ string, candidates []ScoredChunk, count int) ([]ScoredChunk, error) {
	r.calls.Add(1)
	r.count.Store(int64(count))
	if r.err != nil {
		return nil, r.err
	}
	out := make([]ScoredChunk, len(candidates))
	for i, c := range candidates {
		out[len(candidates)-1-i] = c
	}
	for i := range out {
		out[i].Score = 1 - float64(i)/float64(len(out)+1)
	}
	return out, nil
}
