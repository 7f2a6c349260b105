// Package marketdata loads daily price histories from the configured store.
package marketdata

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/irfndi/celebrum-quant/internal/models"
)

// Adapter is the market data boundary of the pipeline.
type Adapter interface {
	// GetPriceHistory returns one series per symbol that has data in
	// [start, end). Symbols without data are absent from the map.
	GetPriceHistory(ctx context.Context, symbols []string, start, end time.Time) (map[string]models.PriceSeries, error)
	// GetBenchmarkAndVolatility returns the benchmark series and the
	// volatility index series. The latter may be empty.
	GetBenchmarkAndVolatility(ctx context.Context, start, end time.Time) (models.PriceSeries, models.PriceSeries, error)
}

// rowScanner is the cursor shape shared by pgx.Rows and clickhouse driver.Rows.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// collectSeries reads (symbol, ts, open, high, low, close, volume) rows
// ordered by symbol then ts and validates every resulting series.
func collectSeries(rows rowScanner) (map[string]models.PriceSeries, error) {
	out := make(map[string]models.PriceSeries)
	for rows.Next() {
		var (
			symbol string
			bar    models.PriceBar
		)
		if err := rows.Scan(&symbol, &bar.Timestamp, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan price bar: %w", err)
		}
		bar.Timestamp = bar.Timestamp.UTC()
		series := out[symbol]
		series.Symbol = symbol
		series.Bars = append(series.Bars, bar)
		out[symbol] = series
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, series := range out {
		if err := series.Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// splitBenchmark picks the benchmark and volatility series out of a history
// map. A missing benchmark is ErrInsufficientHistory.
func splitBenchmark(history map[string]models.PriceSeries, benchmark, volatility string) (models.PriceSeries, models.PriceSeries, error) {
	bench, ok := history[benchmark]
	if !ok || bench.Len() == 0 {
		return models.PriceSeries{}, models.PriceSeries{}, models.NewInsufficientHistory(benchmark, 1, 0)
	}
	vol := history[volatility]
	vol.Symbol = volatility
	return bench, vol, nil
}

func benchmarkSymbols(benchmark, volatility string) []string {
	if volatility == "" {
		return []string{benchmark}
	}
	return []string{benchmark, volatility}
}

// MemorySource serves series held in memory. It backs tests and replays.
type MemorySource struct {
	Series     map[string]models.PriceSeries
	Benchmark  string
	Volatility string
}

// NewMemorySource indexes the given series by symbol.
func NewMemorySource(benchmark, volatility string, series ...models.PriceSeries) *MemorySource {
	m := &MemorySource{Series: make(map[string]models.PriceSeries, len(series)), Benchmark: benchmark, Volatility: volatility}
	for _, s := range series {
		m.Series[s.Symbol] = s
	}
	return m
}

func (m *MemorySource) GetPriceHistory(ctx context.Context, symbols []string, start, end time.Time) (map[string]models.PriceSeries, error) {
	out := make(map[string]models.PriceSeries, len(symbols))
	for _, symbol := range symbols {
		series, ok := m.Series[symbol]
		if !ok {
			continue
		}
		lo := sort.Search(len(series.Bars), func(i int) bool { return !series.Bars[i].Timestamp.Before(start) })
		hi := sort.Search(len(series.Bars), func(i int) bool { return !series.Bars[i].Timestamp.Before(end) })
		if lo >= hi {
			continue
		}
		out[symbol] = models.PriceSeries{Symbol: symbol, Bars: series.Bars[lo:hi:hi]}
	}
	return out, ctx.Err()
}

func (m *MemorySource) GetBenchmarkAndVolatility(ctx context.Context, start, end time.Time) (models.PriceSeries, models.PriceSeries, error) {
	history, err := m.GetPriceHistory(ctx, benchmarkSymbols(m.Benchmark, m.Volatility), start, end)
	if err != nil {
		return models.PriceSeries{}, models.PriceSeries{}, err
	}
	return splitBenchmark(history, m.Benchmark, m.Volatility)
}
