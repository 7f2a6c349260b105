package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// PriceCacheEntry represents a cached price history with metadata
type PriceCacheEntry struct {
	Series    models.PriceSeries `json:"series"`
	CachedAt  time.Time          `json:"cached_at"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// PriceCacheStats tracks cache performance metrics
type PriceCacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
}

// RedisPriceCache caches daily price histories per symbol and time range.
// Ranges that reach into the current UTC day are never stored because their
// last bar may still change.
type RedisPriceCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	logger *logrus.Logger
	now    func() time.Time

	mu    sync.RWMutex
	stats PriceCacheStats
}

// NewRedisPriceCache creates a new Redis-based price cache
func NewRedisPriceCache(redisClient *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisPriceCache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisPriceCache{
		redis:  redisClient,
		ttl:    ttl,
		prefix: "price_cache:",
		logger: logger,
		now:    time.Now,
	}
}

func (c *RedisPriceCache) key(symbol string, start, end time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s", c.prefix, symbol, start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
}

// closed reports whether end falls before the start of the current UTC day.
func (c *RedisPriceCache) closed(end time.Time) bool {
	today := c.now().UTC().Truncate(24 * time.Hour)
	return !end.UTC().After(today)
}

// Get retrieves a cached series. Any Redis or decoding failure counts as a miss.
func (c *RedisPriceCache) Get(ctx context.Context, symbol string, start, end time.Time) (models.PriceSeries, bool) {
	cacheKey := c.key(symbol, start, end)

	data, err := c.redis.Get(ctx, cacheKey).Bytes()
	if err == redis.Nil {
		c.recordMiss()
		return models.PriceSeries{}, false
	}
	if err != nil {
		c.logger.WithError(err).WithField("symbol", symbol).Warn("Redis error getting price history")
		c.recordMiss()
		return models.PriceSeries{}, false
	}

	var entry PriceCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.WithError(err).WithField("symbol", symbol).Warn("Error deserializing cached price history")
		c.recordMiss()
		return models.PriceSeries{}, false
	}

	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()

	return entry.Series, true
}

// Set stores a series with the configured TTL. Open ranges are skipped.
func (c *RedisPriceCache) Set(ctx context.Context, start, end time.Time, series models.PriceSeries) error {
	if !c.closed(end) {
		c.logger.WithFields(logrus.Fields{
			"symbol": series.Symbol,
			"end":    end.UTC().Format(time.RFC3339),
		}).Debug("Skipping cache for open price range")
		return nil
	}
	now := c.now()
	entry := PriceCacheEntry{
		Series:    series,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize price history for %s: %w", series.Symbol, err)
	}

	if err := c.redis.Set(ctx, c.key(series.Symbol, start, end), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache price history for %s: %w", series.Symbol, err)
	}

	c.mu.Lock()
	c.stats.Sets++
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"symbol": series.Symbol,
		"bars":   series.Len(),
		"ttl":    c.ttl.String(),
	}).Debug("Cached price history")
	return nil
}

func (c *RedisPriceCache) recordMiss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}

// GetStats returns current cache statistics
func (c *RedisPriceCache) GetStats() PriceCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// LogStats logs current cache performance statistics
func (c *RedisPriceCache) LogStats() {
	stats := c.GetStats()
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}

	c.logger.WithFields(logrus.Fields{
		"hits":     stats.Hits,
		"misses":   stats.Misses,
		"sets":     stats.Sets,
		"hit_rate": hitRate,
	}).Info("Price cache stats")
}

// Clear removes all cached price histories
func (c *RedisPriceCache) Clear(ctx context.Context) error {
	pattern := c.prefix + "*"

	var keys []string
	iter := c.redis.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("error scanning cache keys: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}

	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("error clearing cache: %w", err)
	}

	c.logger.WithField("entries", len(keys)).Info("Cleared price cache")
	return nil
}
