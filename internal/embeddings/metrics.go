package embeddings

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// cacheMetrics holds the Prometheus collectors of one Cache. Collectors are
// registered with the registerer handed to the cache; a nil registerer keeps
// them private.
type cacheMetrics struct {
	hits           prometheus.Counter
	misses         prometheus.Counter
	storeErrors    prometheus.Counter
	lookupDuration prometheus.Histogram
	computeLatency prometheus.Histogram
}

func newCacheMetrics(reg prometheus.Registerer, name string) *cacheMetrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"cache": name}

	return &cacheMetrics{
		hits: factory.NewCounter(prometheus.CounterOpts{
			Name:        "embedding_cache_hits_total",
			Help:        "The total number of embedding cache hits",
			ConstLabels: labels,
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Name:        "embedding_cache_misses_total",
			Help:        "The total number of embedding cache misses",
			ConstLabels: labels,
		}),
		storeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name:        "embedding_cache_store_errors_total",
			Help:        "The total number of failed cache store operations",
			ConstLabels: labels,
		}),
		lookupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "embedding_cache_lookup_duration_seconds",
			Help:        "The duration of cache store lookups in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 14), // From 100µs to ~0.8s
			ConstLabels: labels,
		}),
		computeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "embedding_compute_duration_seconds",
			Help:        "The duration of embedding computations on cache miss in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // From 1ms to ~16s
			ConstLabels: labels,
		}),
	}
}
