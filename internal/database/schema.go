package database

import (
	"context"
	"fmt"
)

// Schema creates the outcome store tables and the daily bar table read by the
// Postgres market data adapter. Column names of the first three tables are
// shared with downstream tooling and must not change.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS trading_outcomes (
		id BIGSERIAL PRIMARY KEY,
		trade_id TEXT NOT NULL UNIQUE,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price NUMERIC NOT NULL,
		exit_price NUMERIC NOT NULL,
		entry_time TIMESTAMPTZ NOT NULL,
		exit_time TIMESTAMPTZ NOT NULL,
		mode TEXT NOT NULL,
		outcome DOUBLE PRECISION NOT NULL,
		features_json TEXT NOT NULL,
		score DOUBLE PRECISION,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trading_outcomes_mode_ts ON trading_outcomes (mode, timestamp)`,
	`CREATE TABLE IF NOT EXISTS model_metrics (
		id BIGSERIAL PRIMARY KEY,
		model_id TEXT NOT NULL UNIQUE,
		mode TEXT NOT NULL,
		auc DOUBLE PRECISION,
		precision_at_recall DOUBLE PRECISION,
		hit_rate DOUBLE PRECISION,
		avg_return DOUBLE PRECISION,
		sharpe DOUBLE PRECISION,
		max_drawdown DOUBLE PRECISION,
		n_train INTEGER,
		n_val INTEGER,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		is_active BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS model_versions (
		id BIGSERIAL PRIMARY KEY,
		model_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		artifact_path TEXT NOT NULL,
		feature_names_json TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		is_active BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS price_bars (
		symbol TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		open DOUBLE PRECISION NOT NULL,
		high DOUBLE PRECISION NOT NULL,
		low DOUBLE PRECISION NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (symbol, ts)
	)`,
}

// EnsureSchema applies Schema statement by statement.
func EnsureSchema(ctx context.Context, pool DatabasePool) error {
	for _, stmt := range Schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
