package cache

import (
	"context"
	"time"
)

// Store defines the keyed store backing the embedding cache. Implementations
// return ErrNotFound on a miss and wrap every other failure in
// ErrStoreUnavailable.
type Store interface {
	// Get retrieves an entry
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores an entry with the given time-to-live
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error

	// Delete removes entries and reports how many existed
	Delete(ctx context.Context, keys ...string) (int, error)

	// Expire resets the time-to-live of an existing entry
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// DeletePrefix removes every entry whose key starts with prefix
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Count returns the number of live entries under prefix
	Count(ctx context.Context, prefix string) (int, error)

	// Health checks if the store is reachable
	Health(ctx context.Context) error

	// Close releases the store's resources
	Close() error
}

// BatchStore is implemented by stores that can read and write many entries
// in a single round trip.
type BatchStore interface {
	Store

	// MGet returns entries aligned with keys; misses are nil
	MGet(ctx context.Context, keys []string) ([]*Entry, error)

	// MSet stores all entries with the same time-to-live
	MSet(ctx context.Context, entries map[string]*Entry, ttl time.Duration) error
}

// NoExpiry is the TTL reported for an entry that never expires
const NoExpiry time.Duration = -1

// Inspector is implemented by stores that can enumerate their keys. It backs
// operator tooling and is never used on the request path.
type Inspector interface {
	// Keys lists up to limit keys under prefix; limit <= 0 lists all
	Keys(ctx context.Context, prefix string, limit int) ([]string, error)

	// TTL returns the remaining time-to-live of key, or NoExpiry
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// MGet reads keys through s, using a pipelined read when s supports it
func MGet(ctx context.Context, s Store, keys []string) ([]*Entry, error) {
	if bs, ok := s.(BatchStore); ok {
		return bs.MGet(ctx, keys)
	}

	out := make([]*Entry, len(keys))
	for i, key := range keys {
		entry, err := s.Get(ctx, key)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[i] = entry
	}
	return out, nil
}

// MSet writes entries through s, using a pipelined write when s supports it
func MSet(ctx context.Context, s Store, entries map[string]*Entry, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	if bs, ok := s.(BatchStore); ok {
		return bs.MSet(ctx, entries, ttl)
	}

	for key, entry := range entries {
		if err := s.Set(ctx, key, entry, ttl); err != nil {
			return err
		}
	}
	return nil
}
