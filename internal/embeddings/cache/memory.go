package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const defaultMemoryEntries = 10000

type memoryItem struct {
	data      []byte
	expiresAt time.Time
}

func (m memoryItem) expired(now time.Time) bool {
	return !m.expiresAt.IsZero() && now.After(m.expiresAt)
}

// MemoryStore is a bounded in-process Store with LRU eviction. Expiry is
// enforced lazily on read.
type MemoryStore struct {
	entries *lru.Cache
	closed  atomic.Bool
	now     func() time.Time
}

// NewMemoryStore creates a store holding at most maxEntries entries
func NewMemoryStore(maxEntries int) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryEntries
	}
	entries, err := lru.New(maxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	return &MemoryStore{entries: entries, now: time.Now}, nil
}

func (s *MemoryStore) lookup(key string) (memoryItem, bool) {
	v, ok := s.entries.Get(key)
	if !ok {
		return memoryItem{}, false
	}
	item := v.(memoryItem)
	if item.expired(s.now()) {
		s.entries.Remove(key)
		return memoryItem{}, false
	}
	return item, true
}

// Get retrieves an entry
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	if s.closed.Load() {
		return nil, ErrStoreUnavailable
	}
	item, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return DecodeEntry(item.data)
}

// Set stores an entry with the given time-to-live
func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrStoreUnavailable
	}
	if key == "" {
		return ErrInvalidKey
	}
	data, err := entry.Encode()
	if err != nil {
		return err
	}

	item := memoryItem{data: data}
	if ttl > 0 {
		item.expiresAt = s.now().Add(ttl)
	}
	s.entries.Add(key, item)
	return nil
}

// Delete removes entries
func (s *MemoryStore) Delete(_ context.Context, keys ...string) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreUnavailable
	}
	n := 0
	for _, key := range keys {
		if _, ok := s.lookup(key); ok {
			s.entries.Remove(key)
			n++
		}
	}
	return n, nil
}

// Expire resets the time-to-live of an existing entry
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrStoreUnavailable
	}
	item, ok := s.lookup(key)
	if !ok {
		return ErrNotFound
	}
	item.expiresAt = s.now().Add(ttl)
	s.entries.Add(key, item)
	return nil
}

// DeletePrefix removes every entry under prefix
func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreUnavailable
	}
	n := 0
	for _, k := range s.entries.Keys() {
		key := k.(string)
		if strings.HasPrefix(key, prefix) {
			if s.entries.Remove(key) {
				n++
			}
		}
	}
	return n, nil
}

// Count returns the number of live entries under prefix
func (s *MemoryStore) Count(_ context.Context, prefix string) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreUnavailable
	}
	n := 0
	for _, k := range s.entries.Keys() {
		key := k.(string)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := s.lookup(key); ok {
			n++
		}
	}
	return n, nil
}

// Keys lists up to limit live keys under prefix in sorted order
func (s *MemoryStore) Keys(_ context.Context, prefix string, limit int) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrStoreUnavailable
	}
	var out []string
	for _, k := range s.entries.Keys() {
		key := k.(string)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := s.lookup(key); ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TTL returns the remaining time-to-live of key
func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	if s.closed.Load() {
		return 0, ErrStoreUnavailable
	}
	item, ok := s.lookup(key)
	if !ok {
		return 0, ErrNotFound
	}
	if item.expiresAt.IsZero() {
		return NoExpiry, nil
	}
	return item.expiresAt.Sub(s.now()), nil
}

// Purge deletes every expired entry and reports how many were removed
func (s *MemoryStore) Purge(context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreUnavailable
	}
	now := s.now()
	n := 0
	for _, k := range s.entries.Keys() {
		v, ok := s.entries.Peek(k)
		if !ok {
			continue
		}
		if v.(memoryItem).expired(now) && s.entries.Remove(k) {
			n++
		}
	}
	return n, nil
}

// Health reports whether the store is open
func (s *MemoryStore) Health(context.Context) error {
	if s.closed.Load() {
		return ErrStoreUnavailable
	}
	return nil
}

// Close marks the store unavailable and drops all entries
func (s *MemoryStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.entries.Purge()
	}
	return nil
}
