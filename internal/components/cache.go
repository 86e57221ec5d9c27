package components

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/NikhilSetiya/avatar-resilience/pkg/config"
	"github.com/NikhilSetiya/avatar-resilience/pkg/errors"
	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
)

// CacheRecorder receives cache access timings
type CacheRecorder interface {
	RecordCacheAccess(cacheName string, hit bool, responseMs float64)
}

// CacheConfig holds blendshape cache settings
type CacheConfig struct {
	Name        string        `json:"name"`
	KeyPrefix   string        `json:"key_prefix"`
	TTL         time.Duration `json:"ttl"`
	MemoryLimit int           `json:"memory_limit"`
}

// DefaultCacheConfig returns default cache settings
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Name:        "blendshapes",
		KeyPrefix:   "blendshape",
		TTL:         time.Hour,
		MemoryLimit: 1024,
	}
}

// CacheStats reports cache counters
type CacheStats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	MemoryEntries int    `json:"memory_entries"`
	MemoryOnly    bool   `json:"memory_only"`
	RedisErrors   uint64 `json:"redis_errors"`
}

// BlendshapeCache keeps the most recently used phoneme blendshape weights in
// memory, backed by Redis when it is reachable. In memory-only mode the persistent tier is ignored.
type BlendshapeCache struct {
	cfg      CacheConfig
	redisCfg *config.RedisConfig
	recorder CacheRecorder
	logger   *logging.Logger

	memory *lru.Cache[string, []float64]

	mu    sync.Mutex
	redis *RedisClient

	memoryOnly  atomic.Bool
	hits        atomic.Uint64
	misses      atomic.Uint64
	redisErrors atomic.Uint64
}

// NewBlendshapeCache creates the cache. A nil client starts in memory-only mode.
func NewBlendshapeCache(cfg CacheConfig, client *RedisClient, redisCfg *config.RedisConfig, recorder CacheRecorder, logger *logging.Logger) *BlendshapeCache {
	d := DefaultCacheConfig()
	if cfg.Name == "" {
		cfg.Name = d.Name
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = d.KeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = d.MemoryLimit
	}

	// MemoryLimit is positive here, the only case lru.New rejects
	memory, _ := lru.New[string, []float64](cfg.MemoryLimit)

	c := &BlendshapeCache{
		cfg:      cfg,
		redisCfg: redisCfg,
		recorder: recorder,
		logger:   logging.OrGlobal(logger).WithComponent("cache"),
		memory:   memory,
		redis:    client,
	}
	c.memoryOnly.Store(client == nil)
	return c
}

func (c *BlendshapeCache) key(k string) string {
	return fmt.Sprintf("%s:%s", c.cfg.KeyPrefix, k)
}

// Get returns the weights for key. Redis failures are returned so the caller
// can route them to the fallback system.
func (c *BlendshapeCache) Get(ctx context.Context, key string) ([]float64, bool, error) {
	started := time.Now()

	weights, ok := c.memory.Get(key)
	c.mu.Lock()
	client := c.redis
	c.mu.Unlock()

	if ok {
		c.record(true, started)
		return append([]float64(nil), weights...), true, nil
	}

	if c.memoryOnly.Load() || client == nil {
		c.record(false, started)
		return nil, false, nil
	}

	data, err := client.Get(ctx, c.key(key))
	if err != nil {
		c.record(false, started)
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, false, nil
		}
		c.redisErrors.Add(1)
		return nil, false, err
	}

	if err := json.Unmarshal(data, &weights); err != nil {
		c.record(false, started)
		return nil, false, errors.NewDataCorruptionError("blendshape cache", "undecodable cache entry").WithCause(err)
	}

	c.memory.Add(key, weights)
	c.record(true, started)
	return append([]float64(nil), weights...), true, nil
}

// Set stores weights in memory and, unless memory-only, in Redis
func (c *BlendshapeCache) Set(ctx context.Context, key string, weights []float64) error {
	c.memory.Add(key, append([]float64(nil), weights...))

	c.mu.Lock()
	client := c.redis
	c.mu.Unlock()
	if c.memoryOnly.Load() || client == nil {
		return nil
	}

	data, err := json.Marshal(weights)
	if err != nil {
		return errors.NewInternalError("failed to serialize cache value").WithCause(err)
	}
	if err := client.Set(ctx, c.key(key), data, c.cfg.TTL); err != nil {
		c.redisErrors.Add(1)
		return err
	}
	return nil
}

func (c *BlendshapeCache) record(hit bool, started time.Time) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if c.recorder != nil {
		c.recorder.RecordCacheAccess(c.cfg.Name, hit, float64(time.Since(started).Microseconds())/1000)
	}
}

// EnableMemoryOnly drops the persistent tier
func (c *BlendshapeCache) EnableMemoryOnly() {
	if !c.memoryOnly.Swap(true) {
		c.logger.Warn("Blendshape cache switched to memory-only mode")
	}
}

// MemoryOnly reports whether the persistent tier is bypassed
func (c *BlendshapeCache) MemoryOnly() bool {
	return c.memoryOnly.Load()
}

// Reconnect re-establishes Redis and leaves memory-only mode on success
func (c *BlendshapeCache) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	client := c.redis
	c.mu.Unlock()

	if client != nil {
		if err := client.Health(ctx); err != nil {
			return err
		}
	} else {
		if c.redisCfg == nil {
			return errors.NewConfigurationError("no Redis configuration for the blendshape cache")
		}
		fresh, err := NewRedisClient(ctx, c.redisCfg)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.redis = fresh
		c.mu.Unlock()
	}

	c.memoryOnly.Store(false)
	c.logger.Info("Blendshape cache persistent tier restored")
	return nil
}

// Stats returns cache counters
func (c *BlendshapeCache) Stats() CacheStats {
	return CacheStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		MemoryEntries: c.memory.Len(),
		MemoryOnly:    c.memoryOnly.Load(),
		RedisErrors:   c.redisErrors.Load(),
	}
}

// Close releases the Redis connection
func (c *BlendshapeCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.redis == nil {
		return nil
	}
	err := c.redis.Close()
	c.redis = nil
	return err
}
