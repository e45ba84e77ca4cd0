package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objones25/ragcore/internal/embeddings/cache"
	"github.com/objones25/ragcore/test/testutil"
)

// countingCompute returns a deterministic vector derived from the text length
// and counts invocations.
type countingCompute struct {
	calls atomic.Int64
	delay time.Duration
	err   error
}

func (c *countingCompute) Compute(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return []float32{float32(len(text)), 1, 2}, nil
}

func (c *countingCompute) Batch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.Compute(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func newMemoryCache(t *testing.T, cfg CacheConfig) (*Cache, *cache.MemoryStore) {
	t.Helper()
	store, err := cache.NewMemoryStore(0)
	require.NoError(t, err)
	c, err := NewCache(store, cfg)
	require.NoError(t, err)
	return c, store
}

func TestNewCache(t *testing.T) {
	_, err := NewCache(nil, CacheConfig{})
	assert.Error(t, err)

	c, _ := newMemoryCache(t, CacheConfig{})
	assert.Equal(t, 7*24*time.Hour, c.TTL())
	assert.Equal(t, cache.KeyPrefix, c.Prefix())
}

func TestCache_GetOrCompute(t *testing.T) {
	ctx := context.Background()
	c, _ := newMemoryCache(t, CacheConfig{})
	compute := &countingCompute{}

	vec, hit, err := c.GetOrCompute(ctx, "What is the refund policy?", compute.Compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []float32{26, 1, 2}, vec)

	// Equivalent text after normalization hits the same entry
	vec2, hit, err := c.GetOrCompute(ctx, "  what IS the refund   policy? ", compute.Compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, vec, vec2)
	assert.Equal(t, int64(1), compute.calls.Load())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(2), stats.TotalOperations)
	assert.Equal(t, 50.0, stats.HitRatePercent)
	assert.Equal(t, 0.5, stats.HitRate())
}

func TestCache_ComputeError(t *testing.T) {
	ctx := context.Background()
	c, _ := newMemoryCache(t, CacheConfig{})
	errModel := errors.New("model offline")
	compute := &countingCompute{err: errModel}

	_, _, err := c.GetOrCompute(ctx, "query", compute.Compute)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCompute)
	assert.ErrorIs(t, err, errModel)

	// Nothing was written
	ok, err := c.Contains(ctx, "query")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_EmptyVectorRejected(t *testing.T) {
	c, _ := newMemoryCache(t, CacheConfig{})
	empty := func(context.Context, string) ([]float32, error) { return nil, nil }

	_, _, err := c.GetOrCompute(context.Background(), "query", empty)
	assert.ErrorIs(t, err, ErrInvalidVector)
}

func TestCache_SingleFlight(t *testing.T) {
	ctx := context.Background()
	c, _ := newMemoryCache(t, CacheConfig{})
	compute := &countingCompute{delay: 50 * time.Millisecond}

	const workers = 50
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([][]float32, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], _, errs[i] = c.GetOrCompute(ctx, "shared query", compute.Compute)
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), compute.calls.Load())
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []float32{12, 1, 2}, results[i])
	}

	// Callers own their slices
	results[0][0] = -1
	assert.Equal(t, float32(12), results[1][0])
}

func TestCache_Cancellation(t *testing.T) {
	c, _ := newMemoryCache(t, CacheConfig{})
	compute := &countingCompute{delay: time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := c.GetOrCompute(ctx, "slow", compute.Compute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	ok, err := c.Contains(context.Background(), "slow")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_StoreUnavailable(t *testing.T) {
	ctx := context.Background()
	c, store := newMemoryCache(t, CacheConfig{})
	compute := &countingCompute{}
	require.NoError(t, store.Close())

	for i := 0; i < 3; i++ {
		vec, hit, err := c.GetOrCompute(ctx, "query", compute.Compute)
		require.NoError(t, err)
		assert.False(t, hit)
		assert.NotEmpty(t, vec)
	}

	assert.Equal(t, int64(3), compute.calls.Load())
	stats := c.Stats()
	assert.Equal(t, int64(3), stats.StoreErrors)
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
	assert.Error(t, c.Health(ctx))
}

func TestCache_RedisUnreachable(t *testing.T) {
	// Every lookup below logs a store warning
	testutil.TestLogLevel(t, zerolog.ErrorLevel)
	ctx := context.Background()
	s := testutil.StartRedis(t)
	store, err := cache.NewRedisStore(cache.RedisConfig{Host: s.Host(), Port: s.Port(), Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer store.Close()

	c, err := NewCache(cache.NewBreakerStore("redis", store, cache.DefaultBreakerConfig()), CacheConfig{})
	require.NoError(t, err)
	compute := &countingCompute{}

	s.Close()

	for i := 0; i < 10; i++ {
		vec, hit, err := c.GetOrCompute(ctx, "query", compute.Compute)
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Equal(t, []float32{5, 1, 2}, vec)
	}
	assert.Equal(t, int64(10), compute.calls.Load())
	assert.Equal(t, int64(10), c.Stats().StoreErrors)
}

func TestCache_InvalidateAndClear(t *testing.T) {
	ctx := context.Background()
	s := testutil.StartRedis(t)
	store, err := cache.NewRedisStore(cache.RedisConfig{Host: s.Host(), Port: s.Port()})
	require.NoError(t, err)
	defer store.Close()

	c, err := NewCache(store, CacheConfig{})
	require.NoError(t, err)
	compute := &countingCompute{}

	for _, q := range []string{"alpha", "beta", "gamma"} {
		_, _, err := c.GetOrCompute(ctx, q, compute.Compute)
		require.NoError(t, err)
	}
	require.NoError(t, s.Set("unrelated:key", "keep"))

	t.Run("Invalidate", func(t *testing.T) {
		removed, err := c.Invalidate(ctx, "ALPHA")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = c.Invalidate(ctx, "alpha")
		require.NoError(t, err)
		assert.False(t, removed)

		_, hit, err := c.GetOrCompute(ctx, "alpha", compute.Compute)
		require.NoError(t, err)
		assert.False(t, hit)
	})

	t.Run("Clear", func(t *testing.T) {
		require.NotZero(t, c.Stats().TotalOperations)

		n, err := c.Clear(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		size, err := c.Size(ctx)
		require.NoError(t, err)
		assert.Zero(t, size)
		assert.True(t, s.Exists("unrelated:key"))
		assert.Equal(t, Stats{}, c.Stats())
	})
}

func TestCache_ClearLargeNamespace(t *testing.T) {
	ctx := context.Background()
	s := testutil.StartRedis(t)
	store, err := cache.NewRedisStore(cache.RedisConfig{Host: s.Host(), Port: s.Port()})
	require.NoError(t, err)
	defer store.Close()

	c, err := NewCache(store, CacheConfig{})
	require.NoError(t, err)
	compute := &countingCompute{}

	// More entries than one SCAN page
	const entries = 250
	for i := 0; i < entries; i++ {
		_, _, err := c.GetOrCompute(ctx, fmt.Sprintf("query %d", i), compute.Compute)
		require.NoError(t, err)
	}
	require.NoError(t, s.Set("session:1", "keep"))

	size, err := c.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, entries, size)

	n, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries, n)

	size, err = c.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.True(t, s.Exists("session:1"))
}

func TestCache_TTL(t *testing.T) {
	ctx := context.Background()
	s := testutil.StartRedis(t)
	store, err := cache.NewRedisStore(cache.RedisConfig{Host: s.Host(), Port: s.Port()})
	require.NoError(t, err)
	defer store.Close()

	compute := &countingCompute{}

	t.Run("Expires", func(t *testing.T) {
		c, err := NewCache(store, CacheConfig{TTL: time.Hour, Prefix: "emb:ttl:"})
		require.NoError(t, err)

		_, _, err = c.GetOrCompute(ctx, "expiring", compute.Compute)
		require.NoError(t, err)
		s.FastForward(2 * time.Hour)

		_, hit, err := c.GetOrCompute(ctx, "expiring", compute.Compute)
		require.NoError(t, err)
		assert.False(t, hit)
	})

	t.Run("Refresh_On_Read", func(t *testing.T) {
		c, err := NewCache(store, CacheConfig{TTL: time.Hour, Prefix: "emb:refresh:", RefreshOnRead: true})
		require.NoError(t, err)

		_, _, err = c.GetOrCompute(ctx, "hot", compute.Compute)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			s.FastForward(40 * time.Minute)
			_, hit, err := c.GetOrCompute(ctx, "hot", compute.Compute)
			require.NoError(t, err)
			assert.True(t, hit)
		}
	})
}

func TestCache_BatchGetOrCompute(t *testing.T) {
	ctx := context.Background()
	s := testutil.StartRedis(t)
	store, err := cache.NewRedisStore(cache.RedisConfig{Host: s.Host(), Port: s.Port()})
	require.NoError(t, err)
	defer store.Close()

	c, err := NewCache(store, CacheConfig{})
	require.NoError(t, err)
	compute := &countingCompute{}

	_, _, err = c.GetOrCompute(ctx, "cached", compute.Compute)
	require.NoError(t, err)

	texts := []string{"cached", "fresh", "Fresh", "other"}
	vecs, err := c.BatchGetOrCompute(ctx, texts, compute.Batch)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))

	// "fresh" and "Fresh" normalize to one key and are computed once
	assert.Equal(t, int64(3), compute.calls.Load())
	assert.Equal(t, []float32{6, 1, 2}, vecs[0])
	assert.Equal(t, vecs[1], vecs[2])
	assert.Equal(t, []float32{5, 1, 2}, vecs[3])

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(4), stats.Misses)

	vecs, err = c.BatchGetOrCompute(ctx, texts, compute.Batch)
	require.NoError(t, err)
	assert.Len(t, vecs, len(texts))
	assert.Equal(t, int64(3), compute.calls.Load())
	assert.Equal(t, int64(5), c.Stats().Hits)
}

func TestCache_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	c, _ := newMemoryCache(t, CacheConfig{Registerer: reg, Name: "metrics"})
	compute := &countingCompute{}

	for i := 0; i < 3; i++ {
		_, _, err := c.GetOrCompute(ctx, "metered", compute.Compute)
		require.NoError(t, err)
	}

	assert.Equal(t, 2.0, promtest.ToFloat64(c.metrics.hits))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.metrics.misses))

	n, err := promtest.GatherAndCount(reg, "embedding_cache_hits_total", "embedding_cache_misses_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSources(t *testing.T) {
	ctx := context.Background()
	compute := &countingCompute{}

	direct := NewDirectSource(compute.Compute)
	res, err := direct.Embed(ctx, "text")
	require.NoError(t, err)
	assert.False(t, res.CacheHit)

	c, _ := newMemoryCache(t, CacheConfig{})
	cached := NewCachedSource(c, compute.Compute)
	res, err = cached.Embed(ctx, "text")
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	res, err = cached.Embed(ctx, "text")
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, []float32{4, 1, 2}, res.Vector)
	assert.Same(t, c, cached.Cache())

	var src VectorSource = NewDirectSource(nil)
	_, err = src.Embed(ctx, "text")
	assert.ErrorIs(t, err, ErrNilCompute)
}
