package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/models"
)

// clickhouseQuerier is the part of driver.Conn the adapter needs.
type clickhouseQuerier interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
}

// ClickHouseSource reads daily candles from a ClickHouse table.
type ClickHouseSource struct {
	conn       clickhouseQuerier
	table      string
	benchmark  string
	volatility string
}

// OpenClickHouse connects to ClickHouse and verifies the connection.
func OpenClickHouse(ctx context.Context, cfg config.ClickHouseConfig) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// NewClickHouseSource creates a ClickHouse-backed adapter over table.
func NewClickHouseSource(conn clickhouseQuerier, table, benchmark, volatility string) *ClickHouseSource {
	return &ClickHouseSource{conn: conn, table: table, benchmark: benchmark, volatility: volatility}
}

func (s *ClickHouseSource) query() string {
	return fmt.Sprintf(`SELECT symbol, ts, open, high, low, close, volume
FROM %s
WHERE symbol IN (?) AND ts >= ? AND ts < ?
ORDER BY symbol, ts`, s.table)
}

func (s *ClickHouseSource) GetPriceHistory(ctx context.Context, symbols []string, start, end time.Time) (map[string]models.PriceSeries, error) {
	rows, err := s.conn.Query(ctx, s.query(), symbols, start, end)
	if err != nil {
		return nil, &models.ExternalServiceError{Service: "clickhouse", Operation: "get_price_history", Transient: true, Err: err}
	}
	defer rows.Close()

	history, err := collectSeries(rows)
	if err != nil {
		return nil, wrapScanError("clickhouse", err)
	}
	return history, nil
}

func (s *ClickHouseSource) GetBenchmarkAndVolatility(ctx context.Context, start, end time.Time) (models.PriceSeries, models.PriceSeries, error) {
	history, err := s.GetPriceHistory(ctx, benchmarkSymbols(s.benchmark, s.volatility), start, end)
	if err != nil {
		return models.PriceSeries{}, models.PriceSeries{}, err
	}
	return splitBenchmark(history, s.benchmark, s.volatility)
}

// wrapScanError keeps data quality errors as they are and marks everything
// else as an external failure.
func wrapScanError(service string, err error) error {
	var dq *models.DataQualityError
	if errors.As(err, &dq) {
		return err
	}
	return &models.ExternalServiceError{Service: service, Operation: "scan_price_history", Err: err}
}
