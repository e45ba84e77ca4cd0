package cli

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/objones25/ragcore/internal/config"
	"github.com/objones25/ragcore/internal/embeddings"
	"github.com/objones25/ragcore/internal/embeddings/cache"
)

// openStore opens the configured cache backend, behind a circuit breaker
// when enabled
func openStore(cfg *config.Config) (cache.Store, error) {
	var (
		store cache.Store
		err   error
	)
	switch cfg.Cache.Backend {
	case config.BackendRedis:
		store, err = cache.NewRedisStore(cfg.RedisConfig())
	case config.BackendBolt:
		store, err = cache.NewBoltStore(cfg.Bolt.Path)
	case config.BackendMemory:
		store, err = cache.NewMemoryStore(cfg.Memory.MaxEntries)
	default:
		err = fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Cache.Backend, err)
	}

	if cfg.Cache.Breaker {
		store = cache.NewBreakerStore(cfg.Cache.Backend, store, cfg.BreakerConfig())
	}
	return store, nil
}

// openCache opens the store and builds the embedding cache over it. The
// caller closes the returned store.
func (a *app) openCache(reg prometheus.Registerer) (*embeddings.Cache, cache.Store, error) {
	store, err := openStore(a.cfg)
	if err != nil {
		return nil, nil, err
	}
	cc := a.cfg.CacheConfig()
	cc.Registerer = reg
	c, err := embeddings.NewCache(store, cc)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return c, store, nil
}
