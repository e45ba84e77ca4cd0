package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the circuit breaker guarding a store
type BreakerConfig struct {
	// MinRequests is the number of requests observed before the breaker may trip
	MinRequests uint32
	// FailureRatio trips the breaker once failures/requests reaches it
	FailureRatio float64
	// OpenTimeout is how long the breaker stays open before probing again
	OpenTimeout time.Duration
	// HalfOpenMaxCalls is the number of probe calls allowed while half-open
	HalfOpenMaxCalls uint32
}

// DefaultBreakerConfig returns default circuit breaker settings
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MinRequests:      5,
		FailureRatio:     0.5,
		OpenTimeout:      30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

func (c BreakerConfig) normalize() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.MinRequests == 0 {
		c.MinRequests = def.MinRequests
	}
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = def.FailureRatio
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return c
}

// BreakerStore decorates a Store with a circuit breaker. Once the backing
// store keeps failing, calls fail immediately with ErrStoreUnavailable so an
// unreachable store does not add a network timeout to every query.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
}

// NewBreakerStore wraps next with a circuit breaker named name
func NewBreakerStore(name string, next Store, cfg BreakerConfig) *BreakerStore {
	cfg = cfg.normalize()
	logger := log.With().Str("component", "store_breaker").Str("store", name).Logger()

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				IsNotFound(err) ||
				errors.Is(err, ErrInvalidKey) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
		},
	}

	return &BreakerStore{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[any](settings),
	}
}

// State returns the breaker's current state
func (s *BreakerStore) State() gobreaker.State {
	return s.cb.State()
}

func guard[T any](s *BreakerStore, fn func() (T, error)) (T, error) {
	var zero T
	out, err := s.cb.Execute(func() (any, error) {
		v, err := fn()
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

// Get retrieves an entry
func (s *BreakerStore) Get(ctx context.Context, key string) (*Entry, error) {
	return guard(s, func() (*Entry, error) { return s.next.Get(ctx, key) })
}

// Set stores an entry
func (s *BreakerStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	_, err := guard(s, func() (struct{}, error) { return struct{}{}, s.next.Set(ctx, key, entry, ttl) })
	return err
}

// Delete removes entries
func (s *BreakerStore) Delete(ctx context.Context, keys ...string) (int, error) {
	return guard(s, func() (int, error) { return s.next.Delete(ctx, keys...) })
}

// Expire resets the time-to-live of an existing entry
func (s *BreakerStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := guard(s, func() (struct{}, error) { return struct{}{}, s.next.Expire(ctx, key, ttl) })
	return err
}

// DeletePrefix removes every entry under prefix
func (s *BreakerStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return guard(s, func() (int, error) { return s.next.DeletePrefix(ctx, prefix) })
}

// Count returns the number of live entries under prefix
func (s *BreakerStore) Count(ctx context.Context, prefix string) (int, error) {
	return guard(s, func() (int, error) { return s.next.Count(ctx, prefix) })
}

// MGet delegates to the wrapped store's batch read when available
func (s *BreakerStore) MGet(ctx context.Context, keys []string) ([]*Entry, error) {
	return guard(s, func() ([]*Entry, error) { return MGet(ctx, s.next, keys) })
}

// MSet delegates to the wrapped store's batch write when available
func (s *BreakerStore) MSet(ctx context.Context, entries map[string]*Entry, ttl time.Duration) error {
	_, err := guard(s, func() (struct{}, error) { return struct{}{}, MSet(ctx, s.next, entries, ttl) })
	return err
}

// Health bypasses the breaker so operators always see the real state
func (s *BreakerStore) Health(ctx context.Context) error {
	return s.next.Health(ctx)
}

// ErrNotInspectable is returned by inspection calls on a store that cannot
// enumerate its keys
var ErrNotInspectable = errors.New("store does not support key inspection")

// ErrNotPurgeable is returned by Purge on a store that expires entries itself
var ErrNotPurgeable = errors.New("store expires entries itself")

// Keys passes through to the wrapped store. Like Health it bypasses the breaker.
func (s *BreakerStore) Keys(ctx context.Context, prefix string, limit int) ([]string, error) {
	in, ok := s.next.(Inspector)
	if !ok {
		return nil, ErrNotInspectable
	}
	return in.Keys(ctx, prefix, limit)
}

// TTL passes through to the wrapped store
func (s *BreakerStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	in, ok := s.next.(Inspector)
	if !ok {
		return 0, ErrNotInspectable
	}
	return in.TTL(ctx, key)
}

// Purge passes through to the wrapped store
func (s *BreakerStore) Purge(ctx context.Context) (int, error) {
	p, ok := s.next.(Purger)
	if !ok {
		return 0, ErrNotPurgeable
	}
	return p.Purge(ctx)
}

// Close closes the wrapped store
func (s *BreakerStore) Close() error {
	return s.next.Close()
}
