package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/irfndi/celebrum-quant/internal/models"
)

// HistoryLoader is the part of a market data adapter the warmer drives.
// Loading through a caching adapter is what fills the cache.
type HistoryLoader interface {
	GetPriceHistory(ctx context.Context, symbols []string, start, end time.Time) (map[string]models.PriceSeries, error)
	GetBenchmarkAndVolatility(ctx context.Context, start, end time.Time) (models.PriceSeries, models.PriceSeries, error)
}

// WarmReport summarises one warming pass.
type WarmReport struct {
	Requested int           `json:"requested"`
	Loaded    int           `json:"loaded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// CacheWarmingService preloads the scan universe's price histories so the
// nightly scan reads from cache.
type CacheWarmingService struct {
	source       HistoryLoader
	universe     []string
	lookbackDays int
	batchSize    int
	logger       *slog.Logger
	now          func() time.Time
}

// NewCacheWarmingService creates a warmer over the scan window of
// lookbackDays calendar days ending today.
func NewCacheWarmingService(source HistoryLoader, universe []string, lookbackDays int, logger *slog.Logger) *CacheWarmingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheWarmingService{
		source:       source,
		universe:     universe,
		lookbackDays: lookbackDays,
		batchSize:    50,
		logger:       logger,
		now:          time.Now,
	}
}

// WarmCache loads the benchmark and then the universe in batches, for the
// window ending at the start of the current UTC day. A failed batch is
// logged and counted; warming never blocks startup.
func (c *CacheWarmingService) WarmCache(ctx context.Context) (WarmReport, error) {
	start := c.now()
	report := WarmReport{Requested: len(c.universe)}
	end := start.UTC().Truncate(24 * time.Hour)
	from := end.AddDate(0, 0, -c.lookbackDays)

	c.logger.Info("Starting cache warming", "symbols", len(c.universe), "lookback_days", c.lookbackDays)

	if _, _, err := c.source.GetBenchmarkAndVolatility(ctx, from, end); err != nil {
		c.logger.Warn("Failed to warm benchmark cache", "error", err)
	}

	for lo := 0; lo < len(c.universe); lo += c.batchSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		hi := min(lo+c.batchSize, len(c.universe))
		batch := c.universe[lo:hi]
		history, err := c.source.GetPriceHistory(ctx, batch, from, end)
		if err != nil {
			c.logger.Warn("Failed to warm price batch", "first", batch[0], "size", len(batch), "error", err)
			report.Failed += len(batch)
			continue
		}
		report.Loaded += len(history)
		report.Failed += len(batch) - len(history)
	}

	report.Duration = c.now().Sub(start)
	c.logger.Info("Cache warming completed",
		"loaded", report.Loaded,
		"failed", report.Failed,
		"duration", report.Duration)
	if report.Requested > 0 && report.Loaded == 0 {
		return report, fmt.Errorf("cache warming loaded none of %d symbols", report.Requested)
	}
	return report, nil
}
