package embeddings

import (
	"math"
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of cache performance
type Stats struct {
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	HitRatePercent  float64 `json:"hit_rate_percent"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	TotalOperations int64   `json:"total_operations"`
	StoreErrors     int64   `json:"store_errors"`
}

// HitRate returns hits/(hits+misses) as a fraction in [0,1]
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// statsRecorder accumulates counters with atomic updates. Clear swaps in a
// fresh recorder.
type statsRecorder struct {
	hits         atomic.Int64
	misses       atomic.Int64
	storeErrors  atomic.Int64
	lookups      atomic.Int64
	latencyNanos atomic.Int64
}

func (r *statsRecorder) recordHit(d time.Duration) {
	r.hits.Add(1)
	r.recordLatency(d)
}

func (r *statsRecorder) recordMiss(d time.Duration) {
	r.misses.Add(1)
	r.recordLatency(d)
}

func (r *statsRecorder) recordStoreError() {
	r.storeErrors.Add(1)
}

func (r *statsRecorder) recordLatency(d time.Duration) {
	r.lookups.Add(1)
	r.latencyNanos.Add(int64(d))
}

func (r *statsRecorder) snapshot() Stats {
	s := Stats{
		Hits:        r.hits.Load(),
		Misses:      r.misses.Load(),
		StoreErrors: r.storeErrors.Load(),
	}
	s.TotalOperations = s.Hits + s.Misses
	s.HitRatePercent = round(s.HitRate()*100, 2)

	if lookups := r.lookups.Load(); lookups > 0 {
		avg := float64(r.latencyNanos.Load()) / float64(lookups)
		s.AvgLatencyMs = round(avg/float64(time.Millisecond), 3)
	}
	return s
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
