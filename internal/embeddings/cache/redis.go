package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultPoolSize     = 10
	defaultMinIdleConns = 2
	defaultMaxRetries   = 1
	defaultOpTimeout    = 500 * time.Millisecond
	defaultDialTimeout  = 2 * time.Second
	scanBatchSize       = 100
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host         string
	Port         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	// Timeout bounds every single request/response round trip
	Timeout     time.Duration
	DialTimeout time.Duration
}

// RedisStore implements Store on top of Redis
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

var _ BatchStore = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store and verifies connectivity
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host cannot be empty")
	}
	if cfg.Port == "" {
		return nil, fmt.Errorf("port cannot be empty")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.MinIdleConns <= 0 {
		cfg.MinIdleConns = defaultMinIdleConns
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultOpTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Host + ":" + cfg.Port,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		PoolTimeout:  2 * cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreFromClient(client), nil
}

// NewRedisStoreFromClient wraps an existing client without pinging it
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		logger: log.With().Str("component", "redis_store").Logger(),
	}
}

// Get retrieves an entry
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}

	entry, err := DecodeEntry(data)
	if err != nil {
		// A corrupt value is treated as absent so that the next write repairs it
		s.logger.Warn().Err(err).Str("key", key).Msg("Discarding undecodable entry")
		return nil, ErrNotFound
	}
	return entry, nil
}

// Set stores an entry with the given time-to-live
func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	data, err := entry.Encode()
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// MGet retrieves multiple entries in one round trip
func (s *RedisStore) MGet(ctx context.Context, keys []string) ([]*Entry, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("mget", err)
	}

	out := make([]*Entry, len(keys))
	for i, val := range vals {
		raw, ok := val.(string)
		if !ok {
			continue // Cache miss
		}
		entry, err := DecodeEntry([]byte(raw))
		if err != nil {
			s.logger.Warn().Err(err).Str("key", keys[i]).Msg("Discarding undecodable entry")
			continue
		}
		out[i] = entry
	}
	return out, nil
}

// MSet stores multiple entries using a pipeline
func (s *RedisStore) MSet(ctx context.Context, entries map[string]*Entry, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for key, entry := range entries {
		data, err := entry.Encode()
		if err != nil {
			return err
		}
		pipe.Set(ctx, key, data, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("mset", err)
	}

	s.logger.Debug().Int("count", len(entries)).Msg("Cached embeddings")
	return nil
}

// Delete removes entries
func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, unavailable("del", err)
	}
	return int(n), nil
}

// Expire resets the time-to-live of an existing entry
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return unavailable("expire", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// DeletePrefix removes every key under prefix using SCAN, never FLUSHDB, so
// that other tenants of the same database are left alone. The scan must
// complete before any key is deleted.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var keys []string
	err := s.scan(ctx, prefix, func(page []string) error {
		keys = append(keys, page...)
		return nil
	})
	if err != nil {
		return 0, unavailable("delete prefix", err)
	}

	deleted := 0
	for i := 0; i < len(keys); i += scanBatchSize {
		end := i + scanBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		n, err := s.client.Del(ctx, keys[i:end]...).Result()
		if err != nil {
			return deleted, unavailable("delete prefix", err)
		}
		deleted += int(n)
	}

	s.logger.Warn().Int("deleted", deleted).Str("prefix", prefix).Msg("Cleared cache namespace")
	return deleted, nil
}

// Count returns the number of keys under prefix
func (s *RedisStore) Count(ctx context.Context, prefix string) (int, error) {
	count := 0
	err := s.scan(ctx, prefix, func(keys []string) error {
		count += len(keys)
		return nil
	})
	if err != nil {
		return 0, unavailable("count", err)
	}
	return count, nil
}

// TTL returns the remaining time-to-live of key
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable("ttl", err)
	}
	// -2: missing key, -1: no expiry
	switch ttl {
	case -2:
		return 0, ErrNotFound
	case -1:
		return NoExpiry, nil
	}
	return ttl, nil
}

// Keys lists up to limit keys under prefix
func (s *RedisStore) Keys(ctx context.Context, prefix string, limit int) ([]string, error) {
	var out []string
	errStop := errors.New("limit reached")
	err := s.scan(ctx, prefix, func(keys []string) error {
		for _, k := range keys {
			if limit > 0 && len(out) >= limit {
				return errStop
			}
			out = append(out, k)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, unavailable("keys", err)
	}
	return out, nil
}

// Health checks if Redis is reachable
func (s *RedisStore) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) scan(ctx context.Context, prefix string, fn func(keys []string) error) error {
	match := escapeGlob(prefix) + "*"
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanBatchSize).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", ErrStoreUnavailable, op, err)
}
