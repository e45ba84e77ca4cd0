// Package timing records per-stage durations for a single call and turns them
// into an additive breakdown.
package timing

import (
	"math"
	"sync"
	"time"
)

// StageBreakdown is the share of one stage in a Breakdown
type StageBreakdown struct {
	DurationMs float64 `json:"time_ms"`
	Percentage float64 `json:"percentage"`
}

// Breakdown is an additive decomposition of a call's total latency. The stage
// percentages plus UnaccountedPercentage add up to 100 within 0.1.
type Breakdown struct {
	TotalMs               float64                   `json:"total_ms"`
	Stages                map[string]StageBreakdown `json:"stages"`
	Order                 []string                  `json:"order"`
	UnaccountedMs         float64                   `json:"unaccounted_ms"`
	UnaccountedPercentage float64                   `json:"unaccounted_percentage"`
}

// Sum returns the sum of all stage percentages and the unaccounted share
func (b Breakdown) Sum() float64 {
	sum := b.UnaccountedPercentage
	for _, s := range b.Stages {
		sum += s.Percentage
	}
	return sum
}

// StageTimer is scoped to one call. Recording the same stage twice keeps only
// the last duration.
type StageTimer struct {
	mu      sync.Mutex
	now     func() time.Time
	started time.Time
	running map[string]time.Time
	stages  map[string]time.Duration
	order   []string
}

// New creates a timer whose total clock starts immediately
func New() *StageTimer {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *StageTimer {
	return &StageTimer{
		now:     now,
		started: now(),
		running: make(map[string]time.Time),
		stages:  make(map[string]time.Duration),
	}
}

// Start begins timing a stage
func (t *StageTimer) Start(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running[name] = t.now()
}

// Stop ends a stage started with Start and returns its duration. Stopping a
// stage that was never started is a no-op.
func (t *StageTimer) Stop(name string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	begin, ok := t.running[name]
	if !ok {
		return 0
	}
	delete(t.running, name)
	d := t.now().Sub(begin)
	t.recordLocked(name, d)
	return d
}

// Record stores a stage duration measured elsewhere
func (t *StageTimer) Record(name string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordLocked(name, d)
}

func (t *StageTimer) recordLocked(name string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if _, seen := t.stages[name]; !seen {
		t.order = append(t.order, name)
	}
	t.stages[name] = d
}

// Measure runs fn as the named stage. The stage is recorded even when fn
// returns an error or panics.
func (t *StageTimer) Measure(name string, fn func() error) error {
	t.Start(name)
	defer t.Stop(name)
	return fn()
}

// Duration returns the recorded duration of a stage
func (t *StageTimer) Duration(name string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.stages[name]
	return d, ok
}

// Elapsed returns the time since the timer was created
func (t *StageTimer) Elapsed() time.Duration {
	return t.now().Sub(t.started)
}

// Breakdown computes the breakdown against the timer's own total
func (t *StageTimer) Breakdown() Breakdown {
	return t.BreakdownFor(t.Elapsed())
}

// BreakdownFor computes the breakdown against an externally measured total.
// If the stages add up to more than total, total is raised to their sum.
func (t *StageTimer) BreakdownFor(total time.Duration) Breakdown {
	t.mu.Lock()
	order := append([]string(nil), t.order...)
	durations := make(map[string]time.Duration, len(t.stages))
	var sum time.Duration
	for name, d := range t.stages {
		durations[name] = d
		sum += d
	}
	t.mu.Unlock()

	if total < sum {
		total = sum
	}

	b := Breakdown{
		TotalMs: roundTo(ms(total), 3),
		Stages:  make(map[string]StageBreakdown, len(order)),
		Order:   order,
	}
	b.UnaccountedMs = roundTo(ms(total-sum), 3)

	if total <= 0 {
		for _, name := range order {
			b.Stages[name] = StageBreakdown{}
		}
		b.UnaccountedPercentage = 100
		return b
	}

	// Stage shares are rounded to 0.1 and the rounding remainder is folded
	// into the unaccounted share so the parts always add up to 100.
	stagePct := 0.0
	largest := ""
	for _, name := range order {
		d := durations[name]
		pct := roundTo(float64(d)/float64(total)*100, 1)
		stagePct += pct
		b.Stages[name] = StageBreakdown{
			DurationMs: roundTo(ms(d), 3),
			Percentage: pct,
		}
		if largest == "" || d > durations[largest] {
			largest = name
		}
	}
	if excess := roundTo(stagePct-100, 1); excess > 0 {
		s := b.Stages[largest]
		s.Percentage = roundTo(s.Percentage-excess, 1)
		b.Stages[largest] = s
		stagePct = 100
	}
	b.UnaccountedPercentage = roundTo(math.Max(0, 100-stagePct), 1)
	return b
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
