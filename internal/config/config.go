// Package config loads ragcore configuration from defaults, an optional YAML
// file and RAGCORE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/objones25/ragcore/internal/embeddings"
	"github.com/objones25/ragcore/internal/embeddings/cache"
	"github.com/objones25/ragcore/internal/retrieval"
	"github.com/objones25/ragcore/internal/vectorstore/milvus"
)

// EnvPrefix prefixes every environment override, e.g. RAGCORE_REDIS_HOST
const EnvPrefix = "RAGCORE"

// Cache backends
const (
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// Config is the complete ragcore configuration
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Bolt      BoltConfig      `mapstructure:"bolt"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Milvus    MilvusConfig    `mapstructure:"milvus"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CacheConfig holds embedding cache settings
type CacheConfig struct {
	Backend       string        `mapstructure:"backend"`
	Name          string        `mapstructure:"name"`
	Prefix        string        `mapstructure:"prefix"`
	TTL           time.Duration `mapstructure:"ttl"`
	RefreshOnRead bool          `mapstructure:"refresh_on_read"`
	StoreTimeout  time.Duration `mapstructure:"store_timeout"`
	// Breaker wraps the backend in a circuit breaker
	Breaker bool `mapstructure:"breaker"`
}

type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Timeout      time.Duration `mapstructure:"timeout"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

type BoltConfig struct {
	Path string `mapstructure:"path"`
}

type MemoryConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

type BreakerConfig struct {
	MinRequests      uint32        `mapstructure:"min_requests"`
	FailureRatio     float64       `mapstructure:"failure_ratio"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	HalfOpenMaxCalls uint32        `mapstructure:"half_open_max_calls"`
}

// RetrievalConfig holds orchestrator and fusion settings
type RetrievalConfig struct {
	TopK           int           `mapstructure:"top_k"`
	Mode           string        `mapstructure:"mode"`
	RerankCount    int           `mapstructure:"rerank_count"`
	MaxVariants    int           `mapstructure:"max_variants"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RRFK           int           `mapstructure:"rrf_k"`
	TieBreak       string        `mapstructure:"tie_break"`
	FusionDepth    int           `mapstructure:"fusion_depth"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

type MilvusConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	CollectionName string        `mapstructure:"collection"`
	Dimension      int           `mapstructure:"dimension"`
	Metric         string        `mapstructure:"metric"`
	NList          int           `mapstructure:"nlist"`
	NProbe         int           `mapstructure:"nprobe"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	cc := embeddings.DefaultCacheConfig()
	v.SetDefault("cache.backend", BackendRedis)
	v.SetDefault("cache.name", cc.Name)
	v.SetDefault("cache.prefix", cc.Prefix)
	v.SetDefault("cache.ttl", cc.TTL)
	v.SetDefault("cache.refresh_on_read", false)
	v.SetDefault("cache.store_timeout", cc.StoreTimeout)
	v.SetDefault("cache.breaker", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.max_retries", 1)
	v.SetDefault("redis.timeout", 200*time.Millisecond)
	v.SetDefault("redis.dial_timeout", time.Second)

	v.SetDefault("bolt.path", "ragcore-cache.db")
	v.SetDefault("memory.max_entries", 10000)

	bc := cache.DefaultBreakerConfig()
	v.SetDefault("breaker.min_requests", bc.MinRequests)
	v.SetDefault("breaker.failure_ratio", bc.FailureRatio)
	v.SetDefault("breaker.open_timeout", bc.OpenTimeout)
	v.SetDefault("breaker.half_open_max_calls", bc.HalfOpenMaxCalls)

	rc := retrieval.DefaultConfig()
	v.SetDefault("retrieval.top_k", retrieval.DefaultOptions().TopK)
	v.SetDefault("retrieval.mode", string(retrieval.ModeAdaptive))
	v.SetDefault("retrieval.rerank_count", rc.RerankCount)
	v.SetDefault("retrieval.max_variants", rc.MaxVariants)
	v.SetDefault("retrieval.timeout", rc.Timeout)
	v.SetDefault("retrieval.rrf_k", rc.Fusion.K)
	v.SetDefault("retrieval.tie_break", rc.Fusion.TieBreak.String())
	v.SetDefault("retrieval.fusion_depth", rc.Fusion.Depth)
	v.SetDefault("retrieval.max_concurrency", rc.Fusion.MaxConcurrency)

	mc := milvus.DefaultConfig()
	v.SetDefault("milvus.host", mc.Host)
	v.SetDefault("milvus.port", mc.Port)
	v.SetDefault("milvus.collection", mc.CollectionName)
	v.SetDefault("milvus.dimension", mc.Dimension)
	v.SetDefault("milvus.metric", mc.Metric)
	v.SetDefault("milvus.nlist", mc.NList)
	v.SetDefault("milvus.nprobe", mc.NProbe)
	v.SetDefault("milvus.max_retries", mc.MaxRetries)
	v.SetDefault("milvus.timeout", mc.Timeout)
}

// New returns a viper instance with defaults and environment overrides bound
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. An empty path uses defaults and environment
// only; a named file that does not exist is an error.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the merged state of v
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values no component can run with
func (c *Config) Validate() error {
	var errs []error

	switch c.Cache.Backend {
	case BackendRedis:
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("redis.host is required for the redis backend"))
		}
	case BackendBolt:
		if c.Bolt.Path == "" {
			errs = append(errs, errors.New("bolt.path is required for the bolt backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be one of redis, bolt, memory; got %q", c.Cache.Backend))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Cache.Prefix == "" {
		errs = append(errs, errors.New("cache.prefix must not be empty"))
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		errs = append(errs, fmt.Errorf("breaker.failure_ratio must be in (0,1], got %v", c.Breaker.FailureRatio))
	}

	if c.Retrieval.TopK <= 0 {
		errs = append(errs, errors.New("retrieval.top_k must be positive"))
	}
	switch retrieval.Mode(c.Retrieval.Mode) {
	case retrieval.ModeAdaptive, retrieval.ModeSimple, retrieval.ModeDiverse:
	default:
		errs = append(errs, fmt.Errorf("retrieval.mode must be adaptive, simple or diverse; got %q", c.Retrieval.Mode))
	}
	if c.Retrieval.RerankCount < 0 {
		errs = append(errs, errors.New("retrieval.rerank_count must not be negative"))
	}
	if c.Retrieval.RRFK <= 0 {
		errs = append(errs, errors.New("retrieval.rrf_k must be positive"))
	}
	if _, err := retrieval.ParseTieBreak(c.Retrieval.TieBreak); err != nil {
		errs = append(errs, fmt.Errorf("retrieval.tie_break: %w", err))
	}

	if err := c.MilvusConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("milvus: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// CacheConfig converts to the embedding cache configuration
func (c *Config) CacheConfig() embeddings.CacheConfig {
	return embeddings.CacheConfig{
		TTL:           c.Cache.TTL,
		Prefix:        c.Cache.Prefix,
		RefreshOnRead: c.Cache.RefreshOnRead,
		StoreTimeout:  c.Cache.StoreTimeout,
		Name:          c.Cache.Name,
	}
}

// RedisConfig converts to the Redis store configuration
func (c *Config) RedisConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Host:         c.Redis.Host,
		Port:         c.Redis.Port,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		PoolSize:     c.Redis.PoolSize,
		MinIdleConns: c.Redis.MinIdleConns,
		MaxRetries:   c.Redis.MaxRetries,
		Timeout:      c.Redis.Timeout,
		DialTimeout:  c.Redis.DialTimeout,
	}
}

// BreakerConfig converts to the store circuit breaker configuration
func (c *Config) BreakerConfig() cache.BreakerConfig {
	return cache.BreakerConfig{
		MinRequests:      c.Breaker.MinRequests,
		FailureRatio:     c.Breaker.FailureRatio,
		OpenTimeout:      c.Breaker.OpenTimeout,
		HalfOpenMaxCalls: c.Breaker.HalfOpenMaxCalls,
	}
}

// RetrievalConfig converts to the orchestrator configuration
func (c *Config) RetrievalConfig() retrieval.Config {
	tb, _ := retrieval.ParseTieBreak(c.Retrieval.TieBreak)
	return retrieval.Config{
		RerankCount: c.Retrieval.RerankCount,
		MaxVariants: c.Retrieval.MaxVariants,
		Timeout:     c.Retrieval.Timeout,
		Fusion: retrieval.FusionConfig{
			K:              c.Retrieval.RRFK,
			TieBreak:       tb,
			Depth:          c.Retrieval.FusionDepth,
			MaxConcurrency: c.Retrieval.MaxConcurrency,
		},
	}
}

// RetrievalOptions returns the default per-call options
func (c *Config) RetrievalOptions() retrieval.Options {
	opts := retrieval.DefaultOptions()
	opts.TopK = c.Retrieval.TopK
	opts.Mode = retrieval.Mode(c.Retrieval.Mode)
	return opts
}

// MilvusConfig converts to the Milvus index configuration
func (c *Config) MilvusConfig() milvus.Config {
	cfg := milvus.DefaultConfig()
	cfg.Host = c.Milvus.Host
	cfg.Port = c.Milvus.Port
	cfg.CollectionName = c.Milvus.CollectionName
	cfg.Dimension = c.Milvus.Dimension
	cfg.Metric = c.Milvus.Metric
	cfg.NList = c.Milvus.NList
	cfg.NProbe = c.Milvus.NProbe
	cfg.MaxRetries = c.Milvus.MaxRetries
	cfg.Timeout = c.Milvus.Timeout
	return cfg
}
