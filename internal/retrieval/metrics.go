package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type retrievalMetrics struct {
	requests      *prometheus.CounterVec
	errors        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

func newRetrievalMetrics(reg prometheus.Registerer) *retrievalMetrics {
	factory := promauto.With(reg)
	return &retrievalMetrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "retrieval_requests_total",
			Help: "The total number of completed retrieval calls by strategy",
		}, []string{"strategy"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "retrieval_errors_total",
			Help: "The total number of failed retrieval calls by stage and kind",
		}, []string{"stage", "kind"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retrieval_stage_duration_seconds",
			Help:    "The duration of retrieval stages in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // From 1ms to ~16s
		}, []string{"stage"}),
	}
}
