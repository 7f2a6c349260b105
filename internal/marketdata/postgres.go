package marketdata

import (
	"context"
	"time"

	"github.com/irfndi/celebrum-quant/internal/database"
	"github.com/irfndi/celebrum-quant/internal/models"
)

const selectBarsSQL = `SELECT symbol, ts, open, high, low, close, volume
FROM price_bars
WHERE symbol = ANY($1) AND ts >= $2 AND ts < $3
ORDER BY symbol, ts`

const upsertBarSQL = `INSERT INTO price_bars (symbol, ts, open, high, low, close, volume)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (symbol, ts) DO UPDATE SET
	open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
	close = EXCLUDED.close, volume = EXCLUDED.volume`

// PostgresSource reads daily bars from the price_bars table.
type PostgresSource struct {
	pool       database.DatabasePool
	benchmark  string
	volatility string
}

// NewPostgresSource creates a Postgres-backed adapter.
func NewPostgresSource(pool database.DatabasePool, benchmark, volatility string) *PostgresSource {
	return &PostgresSource{pool: pool, benchmark: benchmark, volatility: volatility}
}

func (s *PostgresSource) GetPriceHistory(ctx context.Context, symbols []string, start, end time.Time) (map[string]models.PriceSeries, error) {
	rows, err := s.pool.Query(ctx, selectBarsSQL, symbols, start, end)
	if err != nil {
		return nil, &models.ExternalServiceError{Service: "postgres", Operation: "get_price_history", Transient: true, Err: err}
	}
	defer rows.Close()

	history, err := collectSeries(rows)
	if err != nil {
		return nil, wrapScanError("postgres", err)
	}
	return history, nil
}

func (s *PostgresSource) GetBenchmarkAndVolatility(ctx context.Context, start, end time.Time) (models.PriceSeries, models.PriceSeries, error) {
	history, err := s.GetPriceHistory(ctx, benchmarkSymbols(s.benchmark, s.volatility), start, end)
	if err != nil {
		return models.PriceSeries{}, models.PriceSeries{}, err
	}
	return splitBenchmark(history, s.benchmark, s.volatility)
}

// StoreSeries upserts bars in a single transaction.
func (s *PostgresSource) StoreSeries(ctx context.Context, series models.PriceSeries) error {
	if err := series.Validate(); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &models.ExternalServiceError{Service: "postgres", Operation: "store_series", Transient: true, Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, bar := range series.Bars {
		if _, err := tx.Exec(ctx, upsertBarSQL, series.Symbol, bar.Timestamp, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume); err != nil {
			return &models.ExternalServiceError{Service: "postgres", Operation: "store_series", Err: err}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return &models.ExternalServiceError{Service: "postgres", Operation: "store_series", Err: err}
	}
	return nil
}
