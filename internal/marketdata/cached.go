package marketdata

import (
	"context"
	"time"

	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/sirupsen/logrus"
)

// PriceCache stores whole series per symbol and date range.
type PriceCache interface {
	Get(ctx context.Context, symbol string, start, end time.Time) (models.PriceSeries, bool)
	Set(ctx context.Context, start, end time.Time, series models.PriceSeries) error
}

// CachedSource serves symbols from the cache and fetches only the misses.
type CachedSource struct {
	inner      Adapter
	cache      PriceCache
	benchmark  string
	volatility string
	logger     *logrus.Logger
}

// NewCachedSource wraps inner with cache.
func NewCachedSource(inner Adapter, cache PriceCache, benchmark, volatility string, logger *logrus.Logger) *CachedSource {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CachedSource{inner: inner, cache: cache, benchmark: benchmark, volatility: volatility, logger: logger}
}

func (c *CachedSource) GetPriceHistory(ctx context.Context, symbols []string, start, end time.Time) (map[string]models.PriceSeries, error) {
	out := make(map[string]models.PriceSeries, len(symbols))
	var misses []string
	for _, symbol := range symbols {
		if series, ok := c.cache.Get(ctx, symbol, start, end); ok {
			out[symbol] = series
			continue
		}
		misses = append(misses, symbol)
	}
	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := c.inner.GetPriceHistory(ctx, misses, start, end)
	if err != nil {
		return nil, err
	}
	for symbol, series := range fetched {
		out[symbol] = series
		if err := c.cache.Set(ctx, start, end, series); err != nil {
			c.logger.WithError(err).WithField("symbol", symbol).Warn("Failed to cache price history")
		}
	}
	return out, nil
}

func (c *CachedSource) GetBenchmarkAndVolatility(ctx context.Context, start, end time.Time) (models.PriceSeries, models.PriceSeries, error) {
	history, err := c.GetPriceHistory(ctx, benchmarkSymbols(c.benchmark, c.volatility), start, end)
	if err != nil {
		return models.PriceSeries{}, models.PriceSeries{}, err
	}
	return splitBenchmark(history, c.benchmark, c.volatility)
}
