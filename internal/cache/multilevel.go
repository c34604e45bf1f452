package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// MultiLevelCache keeps JSON payloads in a local MemoryCache (L1) in front of
// an optional RedisCache (L2). L2 calls go through a circuit breaker and
// their failures never fail the caller.
type MultiLevelCache struct {
	l1      *MemoryCache
	l2      *RedisCache
	breaker *CircuitBreaker
	metrics *CacheMetrics
	logger  *slog.Logger
	l1TTL   time.Duration
}

type MultiLevelConfig struct {
	L1      *MemoryCache
	L2      *RedisCache
	Breaker *CircuitBreaker
	Metrics *CacheMetrics
	Logger  *slog.Logger
	// L1TTL bounds how long an entry promoted from L2 stays local.
	L1TTL time.Duration
}

func NewMultiLevelCache(cfg MultiLevelConfig) *MultiLevelCache {
	c := &MultiLevelCache{
		l1:      cfg.L1,
		l2:      cfg.L2,
		breaker: cfg.Breaker,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		l1TTL:   cfg.L1TTL,
	}
	if c.l1 == nil {
		c.l1 = NewMemoryCache(nil, 0)
	}
	if c.breaker == nil {
		c.breaker = NewCircuitBreaker(nil)
	}
	if c.metrics == nil {
		c.metrics = NewCacheMetrics()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.l1TTL <= 0 {
		c.l1TTL = 5 * time.Minute
	}
	return c
}

// Get decodes the cached value for key into dest or returns ErrCacheMiss.
func (c *MultiLevelCache) Get(ctx context.Context, key string, dest interface{}) error {
	if value, found := c.l1.Get(key); found {
		if data, ok := value.([]byte); ok {
			if err := json.Unmarshal(data, dest); err == nil {
				c.metrics.RecordL1Hit()
				return nil
			}
		}
		c.l1.Delete(key)
	}

	if c.l2 == nil {
		c.metrics.RecordMiss()
		return ErrCacheMiss
	}

	var data []byte
	err := c.breaker.Execute(func() error {
		var getErr error
		data, getErr = c.l2.Get(ctx, key)
		if errors.Is(getErr, ErrCacheMiss) {
			return nil
		}
		return getErr
	})
	if err != nil {
		c.l2Failed("get", key, err)
		c.metrics.RecordMiss()
		return ErrCacheMiss
	}
	if data == nil {
		c.metrics.RecordMiss()
		return ErrCacheMiss
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.metrics.RecordError()
		return fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	c.l1.Set(key, data, c.l1TTL)
	c.metrics.RecordL2Hit()
	return nil
}

func (c *MultiLevelCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		c.metrics.RecordError()
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	c.l1.Set(key, data, ttl)
	c.metrics.RecordSet()

	if c.l2 != nil {
		if err := c.breaker.Execute(func() error { return c.l2.Set(ctx, key, data, ttl) }); err != nil {
			c.l2Failed("set", key, err)
		}
	}
	return nil
}

// Delete removes keys from both levels. An L2 failure is returned so callers
// can log that another process may still serve the old entry until it expires.
func (c *MultiLevelCache) Delete(ctx context.Context, keys ...string) error {
	c.l1.Delete(keys...)
	c.metrics.RecordInvalidation(len(keys))

	if c.l2 == nil {
		return nil
	}
	if err := c.breaker.Execute(func() error { return c.l2.Delete(ctx, keys...) }); err != nil {
		c.l2Failed("delete", fmt.Sprint(keys), err)
		return fmt.Errorf("%w: %v", ErrCacheDown, err)
	}
	return nil
}

func (c *MultiLevelCache) Sweep() int {
	return c.l1.Sweep()
}

func (c *MultiLevelCache) StartSweeper(ctx context.Context, interval time.Duration) {
	c.l1.StartSweeper(ctx, interval)
}

func (c *MultiLevelCache) Metrics() *CacheMetrics {
	return c.metrics
}

func (c *MultiLevelCache) Stats() map[string]interface{} {
	snapshot := c.metrics.Snapshot()
	stats := map[string]interface{}{
		"l1":       c.l1.Stats(),
		"metrics":  snapshot,
		"hit_rate": c.metrics.HitRate(),
		"breaker":  c.breaker.GetStats(),
	}

	if c.l2 != nil {
		stats["l2"] = c.l2.Stats()
	}

	return stats
}

func (c *MultiLevelCache) Health(ctx context.Context) error {
	if c.l2 != nil {
		return c.l2.Health(ctx)
	}
	return nil
}

func (c *MultiLevelCache) l2Failed(op, key string, err error) {
	c.metrics.RecordError()
	if errors.Is(err, ErrCircuitBreakerOpen) {
		c.logger.Debug("shared cache skipped", "op", op, "key", key)
		return
	}
	c.logger.Warn("shared cache operation failed", "op", op, "key", key, "error", err)
}
