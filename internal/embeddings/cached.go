package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/objones25/ragcore/internal/embeddings/cache"
)

const (
	defaultTTL          = 7 * 24 * time.Hour
	defaultStoreTimeout = 250 * time.Millisecond
)

// CacheConfig holds configuration for the embedding cache
type CacheConfig struct {
	// TTL attached to every written entry
	TTL time.Duration
	// Prefix is the key namespace, including the generation tag
	Prefix string
	// RefreshOnRead resets an entry's TTL whenever it is served
	RefreshOnRead bool
	// StoreTimeout bounds each individual store round trip
	StoreTimeout time.Duration
	// Name labels this cache's metrics
	Name string
	// Registerer receives the cache's collectors; nil skips registration
	Registerer prometheus.Registerer
}

// DefaultCacheConfig returns the default cache configuration
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:          defaultTTL,
		Prefix:       cache.KeyPrefix,
		StoreTimeout: defaultStoreTimeout,
		Name:         "default",
	}
}

// Cache is a cache-aside embedding cache. The store is best effort: any store
// failure falls through to computing the vector directly.
type Cache struct {
	store        cache.Store
	keys         *cache.KeyDeriver
	ttl          time.Duration
	refresh      bool
	storeTimeout time.Duration
	group        singleflight.Group
	stats        atomic.Pointer[statsRecorder]
	metrics      *cacheMetrics
	logger       zerolog.Logger
}

// NewCache creates an embedding cache over store
func NewCache(store cache.Store, cfg CacheConfig) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	def := DefaultCacheConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}

	c := &Cache{
		store:        store,
		keys:         cache.NewKeyDeriver(cfg.Prefix),
		ttl:          cfg.TTL,
		refresh:      cfg.RefreshOnRead,
		storeTimeout: cfg.StoreTimeout,
		metrics:      newCacheMetrics(cfg.Registerer, cfg.Name),
		logger:       log.With().Str("component", "embedding_cache").Str("cache", cfg.Name).Logger(),
	}
	c.stats.Store(&statsRecorder{})

	c.logger.Info().
		Dur("ttl", c.ttl).
		Str("prefix", c.keys.Prefix()).
		Bool("refresh_on_read", c.refresh).
		Msg("Embedding cache initialized")
	return c, nil
}

// Key returns the store key for text
func (c *Cache) Key(text string) string {
	return c.keys.Key(text)
}

// Prefix returns the namespace prefix of every key written by this cache
func (c *Cache) Prefix() string {
	return c.keys.Prefix()
}

// TTL returns the time-to-live attached to new entries
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// GetOrCompute returns the cached vector for text, computing and storing it
// on a miss. Concurrent misses for the same key share one computation. The
// returned slice is owned by the caller.
func (c *Cache) GetOrCompute(ctx context.Context, text string, compute ComputeFunc) ([]float32, bool, error) {
	key := c.keys.Key(text)
	stats := c.stats.Load()

	start := time.Now()
	entry, err := c.get(ctx, key)
	lookup := time.Since(start)
	c.metrics.lookupDuration.Observe(lookup.Seconds())

	writeBack := true
	switch {
	case err == nil:
		stats.recordHit(lookup)
		c.metrics.hits.Inc()
		c.logger.Debug().Str("key", shortKey(key)).Dur("latency", lookup).Msg("Cache hit")
		if c.refresh {
			c.touch(ctx, key)
		}
		return entry.Vector, true, nil

	case cache.IsNotFound(err):
		stats.recordMiss(lookup)
		c.metrics.misses.Inc()
		c.logger.Debug().Str("key", shortKey(key)).Dur("latency", lookup).Msg("Cache miss")

	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		stats.recordStoreError()
		c.metrics.storeErrors.Inc()
		c.logger.Warn().Err(err).Str("key", shortKey(key)).Msg("Cache store read failed, computing directly")
		writeBack = false
	}

	vec, err := c.computeShared(ctx, key, text, compute, writeBack)
	if err != nil {
		return nil, false, err
	}
	return vec, false, nil
}

func (c *Cache) computeShared(ctx context.Context, key, text string, compute ComputeFunc, writeBack bool) ([]float32, error) {
	ch := c.group.DoChan(key, func() (interface{}, error) {
		start := time.Now()
		vec, err := runCompute(ctx, compute, text)
		if err != nil {
			return nil, err
		}
		c.metrics.computeLatency.Observe(time.Since(start).Seconds())

		// The entry only becomes visible after compute has fully succeeded
		if writeBack {
			c.set(ctx, key, vec)
		}
		return vec, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			// The leader's context was canceled but ours is still live
			if res.Shared && isContextErr(res.Err) && ctx.Err() == nil {
				return runCompute(ctx, compute, text)
			}
			return nil, res.Err
		}
		return cloneVector(res.Val.([]float32)), nil
	}
}

// BatchGetOrCompute resolves many texts with one pipelined lookup and a single
// batch computation for all misses. Results are aligned with texts.
func (c *Cache) BatchGetOrCompute(ctx context.Context, texts []string, compute BatchComputeFunc) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if compute == nil {
		return nil, ErrNilCompute
	}

	stats := c.stats.Load()
	keys := c.keys.Keys(texts)
	out := make([][]float32, len(texts))

	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	entries, err := cache.MGet(sctx, c.store, keys)
	cancel()
	lookup := time.Since(start)

	writeBack := true
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		stats.recordStoreError()
		c.metrics.storeErrors.Inc()
		c.logger.Warn().Err(err).Int("count", len(texts)).Msg("Batch cache read failed, computing directly")
		entries = make([]*cache.Entry, len(texts))
		writeBack = false
	}

	// Deduplicate misses by key so repeated texts are computed once
	missIdx := make(map[string][]int)
	var missTexts []string
	var missKeys []string
	perItem := lookup / time.Duration(len(texts))
	for i, entry := range entries {
		if entry != nil {
			out[i] = entry.Vector
			if writeBack {
				stats.recordHit(perItem)
				c.metrics.hits.Inc()
			}
			continue
		}
		if writeBack {
			stats.recordMiss(perItem)
			c.metrics.misses.Inc()
		}
		if _, seen := missIdx[keys[i]]; !seen {
			missTexts = append(missTexts, texts[i])
			missKeys = append(missKeys, keys[i])
		}
		missIdx[keys[i]] = append(missIdx[keys[i]], i)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	computeStart := time.Now()
	vectors, err := compute(ctx, missTexts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompute, err)
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrInvalidVector, len(vectors), len(missTexts))
	}
	c.metrics.computeLatency.Observe(time.Since(computeStart).Seconds())

	fresh := make(map[string]*cache.Entry, len(vectors))
	for j, vec := range vectors {
		if len(vec) == 0 {
			return nil, fmt.Errorf("%w: empty vector at %d", ErrInvalidVector, j)
		}
		for n, i := range missIdx[missKeys[j]] {
			if n == 0 {
				out[i] = vec
			} else {
				out[i] = cloneVector(vec)
			}
		}
		fresh[missKeys[j]] = cache.NewEntry(vec)
	}

	if writeBack {
		sctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
		defer cancel()
		if err := cache.MSet(sctx, c.store, fresh, c.ttl); err != nil {
			stats.recordStoreError()
			c.metrics.storeErrors.Inc()
			c.logger.Warn().Err(err).Int("count", len(fresh)).Msg("Batch cache write failed")
		}
	}
	return out, nil
}

// Contains reports whether text currently has a live entry, without touching
// the statistics.
func (c *Cache) Contains(ctx context.Context, text string) (bool, error) {
	_, err := c.get(ctx, c.keys.Key(text))
	if cache.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Stats returns a snapshot of the cache counters
func (c *Cache) Stats() Stats {
	return c.stats.Load().snapshot()
}

// Invalidate removes the entry derived from text
func (c *Cache) Invalidate(ctx context.Context, text string) (bool, error) {
	key := c.keys.Key(text)
	n, err := c.store.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to invalidate entry: %w", err)
	}
	if n > 0 {
		c.logger.Info().Str("key", shortKey(key)).Msg("Cache entry invalidated")
	}
	return n > 0, nil
}

// Clear removes every entry under this cache's namespace and resets the
// statistics. It is destructive and intended for explicit operator action.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	n, err := c.store.DeletePrefix(ctx, c.keys.Prefix())
	if err != nil {
		return n, fmt.Errorf("failed to clear cache: %w", err)
	}
	c.stats.Store(&statsRecorder{})
	c.logger.Warn().Int("deleted", n).Str("prefix", c.keys.Prefix()).Msg("Cache cleared")
	return n, nil
}

// Size returns the number of live entries in this cache's namespace
func (c *Cache) Size(ctx context.Context) (int, error) {
	return c.store.Count(ctx, c.keys.Prefix())
}

// Health checks the backing store
func (c *Cache) Health(ctx context.Context) error {
	return c.store.Health(ctx)
}

func (c *Cache) get(ctx context.Context, key string) (*cache.Entry, error) {
	sctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	return c.store.Get(sctx, key)
}

func (c *Cache) set(ctx context.Context, key string, vec []float32) {
	sctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	if err := c.store.Set(sctx, key, cache.NewEntry(vec), c.ttl); err != nil {
		c.stats.Load().recordStoreError()
		c.metrics.storeErrors.Inc()
		c.logger.Warn().Err(err).Str("key", shortKey(key)).Msg("Cache store write failed")
	}
}

func (c *Cache) touch(ctx context.Context, key string) {
	sctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	if err := c.store.Expire(sctx, key, c.ttl); err != nil && !cache.IsNotFound(err) {
		c.logger.Debug().Err(err).Str("key", shortKey(key)).Msg("TTL refresh failed")
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func shortKey(key string) string {
	if len(key) > 24 {
		return key[:24]
	}
	return key
}
