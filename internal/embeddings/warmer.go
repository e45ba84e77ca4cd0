package embeddings

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/objones25/ragcore/internal/embeddings/cache"
)

// WarmerConfig holds configuration for cache warming
type WarmerConfig struct {
	// Interval between warming passes
	Interval time.Duration
	// BatchSize is the number of texts computed per batch
	BatchSize int
	// MinAccessCount is the number of accesses before a text is worth warming
	MinAccessCount int
	// MaxPatternAge drops texts not seen for this long
	MaxPatternAge time.Duration
	// Timeout bounds one warming pass
	Timeout time.Duration
	// MaxTracked caps the number of texts being tracked
	MaxTracked int
}

// DefaultWarmerConfig returns default warming settings
func DefaultWarmerConfig() WarmerConfig {
	return WarmerConfig{
		Interval:       time.Hour,
		BatchSize:      64,
		MinAccessCount: 3,
		MaxPatternAge:  24 * time.Hour,
		Timeout:        5 * time.Minute,
		MaxTracked:     10000,
	}
}

// WarmingResult describes one warming pass
type WarmingResult struct {
	Candidates int
	Warmed     int
	Errors     []error
	Duration   time.Duration
}

type accessPattern struct {
	count    int
	lastSeen time.Time
}

// Warmer keeps frequently requested texts resident in the cache. Callers
// report accesses with RecordAccess; each pass recomputes the frequent texts
// whose entries have expired or been evicted.
type Warmer struct {
	cache   *Cache
	compute BatchComputeFunc
	cfg     WarmerConfig
	now     func() time.Time

	mu       sync.Mutex
	patterns map[string]*accessPattern

	warmed prometheus.Counter
	logger zerolog.Logger
}

// NewWarmer creates a warmer over c. reg may be nil.
func NewWarmer(c *Cache, compute BatchComputeFunc, cfg WarmerConfig, reg prometheus.Registerer) *Warmer {
	def := DefaultWarmerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MinAccessCount <= 0 {
		cfg.MinAccessCount = def.MinAccessCount
	}
	if cfg.MaxPatternAge <= 0 {
		cfg.MaxPatternAge = def.MaxPatternAge
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = def.MaxTracked
	}

	return &Warmer{
		cache:    c,
		compute:  compute,
		cfg:      cfg,
		now:      time.Now,
		patterns: make(map[string]*accessPattern),
		warmed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "embedding_cache_warmed_total",
			Help: "The total number of entries recomputed by the cache warmer",
		}),
		logger: log.With().Str("component", "cache_warmer").Logger(),
	}
}

// RecordAccess notes that text was requested
func (w *Warmer) RecordAccess(text string) {
	key := cache.Normalize(text)
	if key == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.patterns[key]
	if !ok {
		if len(w.patterns) >= w.cfg.MaxTracked {
			return
		}
		p = &accessPattern{}
		w.patterns[key] = p
	}
	p.count++
	p.lastSeen = w.now()
}

// Tracked returns the number of texts currently tracked
func (w *Warmer) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.patterns)
}

// Start runs warming passes every Interval until ctx is done
func (w *Warmer) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Warm(ctx); err != nil {
				w.logger.Warn().Err(err).Msg("Cache warming pass aborted")
			}
		}
	}
}

// Warm runs one warming pass. Batch failures are collected in the result;
// only cancellation of ctx aborts the pass.
func (w *Warmer) Warm(ctx context.Context) (*WarmingResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	result := &WarmingResult{}
	candidates, err := w.candidates(ctx)
	if err != nil {
		return nil, err
	}
	result.Candidates = len(candidates)

	for i := 0; i < len(candidates); i += w.cfg.BatchSize {
		end := i + w.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[i:end]

		if _, err := w.cache.BatchGetOrCompute(ctx, batch, w.compute); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Warmed += len(batch)
		w.warmed.Add(float64(len(batch)))
	}

	result.Duration = time.Since(start)
	w.logger.Info().
		Int("candidates", result.Candidates).
		Int("warmed", result.Warmed).
		Int("errors", len(result.Errors)).
		Dur("duration", result.Duration).
		Msg("Cache warming completed")
	return result, nil
}

// candidates returns the frequent texts without a live entry, most requested
// first, and forgets texts not seen within MaxPatternAge
func (w *Warmer) candidates(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	now := w.now()
	type scored struct {
		text  string
		count int
	}
	var frequent []scored
	for text, p := range w.patterns {
		if now.Sub(p.lastSeen) > w.cfg.MaxPatternAge {
			delete(w.patterns, text)
			continue
		}
		if p.count >= w.cfg.MinAccessCount {
			frequent = append(frequent, scored{text, p.count})
		}
	}
	w.mu.Unlock()

	sort.Slice(frequent, func(i, j int) bool {
		if frequent[i].count != frequent[j].count {
			return frequent[i].count > frequent[j].count
		}
		return frequent[i].text < frequent[j].text
	})

	out := make([]string, 0, len(frequent))
	for _, f := range frequent {
		ok, err := w.cache.Contains(ctx, f.text)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// Unknown state: warming is idempotent, so compute it anyway
		}
		if !ok {
			out = append(out, f.text)
		}
	}
	return out, nil
}
