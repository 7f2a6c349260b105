// Package app assembles the runtime shared by the commands: telemetry,
// loggers, storage connections, the market data adapter chain and the
// scoring pipeline.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/celebrum-quant/internal/allocation"
	"github.com/irfndi/celebrum-quant/internal/backtest"
	"github.com/irfndi/celebrum-quant/internal/cache"
	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/database"
	"github.com/irfndi/celebrum-quant/internal/governance"
	"github.com/irfndi/celebrum-quant/internal/learning"
	"github.com/irfndi/celebrum-quant/internal/logging"
	"github.com/irfndi/celebrum-quant/internal/marketdata"
	"github.com/irfndi/celebrum-quant/internal/metrics"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/outcomes"
	"github.com/irfndi/celebrum-quant/internal/regime"
	"github.com/irfndi/celebrum-quant/internal/scan"
	"github.com/irfndi/celebrum-quant/internal/scoring"
	"github.com/irfndi/celebrum-quant/internal/services"
	"github.com/irfndi/celebrum-quant/internal/sizing"
	"github.com/irfndi/celebrum-quant/internal/telemetry"
	"github.com/sirupsen/logrus"
)

const (
	// BanditKey is the Redis hash holding the mode bandit's arm statistics.
	BanditKey = "celebrum:bandit"
	// GovernancePrefix namespaces the per-mode lifecycle state in Redis.
	GovernancePrefix = "celebrum:governance:"
)

// App holds every long-lived dependency of a command. Close releases them
// in reverse order of acquisition.
type App struct {
	Config    *config.Config
	Logger    *logging.StandardLogger
	Logrus    *logrus.Logger
	Metrics   *metrics.Recorder
	Tracer    *telemetry.BusinessTracer
	Resources *services.ResourceOptimizer

	DB       *database.PostgresDB
	Redis    *database.RedisClient
	Outcomes *outcomes.Store
	Source   marketdata.Adapter

	Detector  *regime.Detector
	Scorer    *scoring.Engine
	Sizer     *sizing.Sizer
	Allocator *allocation.Allocator

	closers []func(context.Context)
}

// New connects to Postgres and Redis, opens the outcome store and builds the
// market data chain selected by market_data.source. Any failure releases
// what was already acquired.
func New(ctx context.Context, cfg *config.Config, component string) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	provider, err := telemetry.InitTelemetry(ctx, telemetry.TelemetryConfig{
		Enabled:        cfg.Telemetry.Enabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Environment,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.onClose(func(ctx context.Context) { _ = provider.Shutdown(ctx) })

	a.Logger = newLogger(cfg, a)
	a.Logrus = logging.NewLogrusLogger(cfg.LogLevel)
	a.Logger.LogStartup(component, cfg.Telemetry.ServiceVersion)

	a.Metrics = metrics.New(a.Logger)
	a.Tracer = telemetry.NewBusinessTracer()

	a.Resources = services.NewResourceOptimizer(services.ResourceOptimizerConfig{}, a.Logger.WithComponent("resources"))
	cfg.Scoring.Workers = a.Resources.Workers(ctx, cfg.Scoring.Workers)

	a.DB, err = database.NewPostgresConnection(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.onClose(func(context.Context) { a.DB.Close() })

	a.Redis, err = database.NewRedisConnection(ctx, cfg.Redis, services.NewRetrier(services.DefaultRetryPolicy(), a.Logrus))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.onClose(func(context.Context) { a.Redis.Close() })

	traced := database.NewTracedDB(a.DB.Pool, a.Logrus)
	a.Outcomes = outcomes.NewStore(traced, a.Logrus,
		outcomes.WithMetrics(a.Metrics),
		outcomes.WithRetrainThreshold(cfg.Learning.RetrainMinNewSamples),
	)
	if err := a.Outcomes.Open(ctx); err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) { a.Outcomes.Close() })

	a.Source, err = a.buildSource(ctx, traced)
	if err != nil {
		return nil, err
	}

	a.Detector = regime.NewDetector(cfg.Regime)
	a.Scorer = scoring.NewEngine(cfg.Scoring, a.Detector, cfg.Regime.MinWindow, a.Logger)
	a.Sizer = sizing.NewSizer(cfg.Sizing, a.Logger)
	a.Allocator = allocation.NewAllocator(cfg.Allocation, a.Logger)
	return a, nil
}

func newLogger(cfg *config.Config, a *App) *logging.StandardLogger {
	if !cfg.Telemetry.Enabled || cfg.Telemetry.OTLPEndpoint == "" {
		return logging.NewStandardLogger(cfg.LogLevel, cfg.Environment)
	}
	logger, otlp := logging.NewStandardOTLPLogger(logging.OTLPConfig{
		Enabled:        true,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Environment,
		LogLevel:       cfg.LogLevel,
	})
	if otlp != nil {
		a.onClose(func(ctx context.Context) { _ = otlp.Shutdown(ctx) })
	}
	return logger
}

// buildSource layers the configured adapter as cache -> resilience -> store.
func (a *App) buildSource(ctx context.Context, pool database.DatabasePool) (marketdata.Adapter, error) {
	cfg := a.Config
	bench, vol := cfg.MarketData.Benchmark, cfg.MarketData.VolatilityIndex

	var inner marketdata.Adapter
	switch cfg.MarketData.Source {
	case "clickhouse":
		conn, err := marketdata.OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) { _ = conn.Close() })
		inner = marketdata.NewClickHouseSource(conn, cfg.ClickHouse.Table, bench, vol)
	default:
		inner = marketdata.NewPostgresSource(pool, bench, vol)
	}

	timeout, err := ParseDuration(cfg.MarketData.Timeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("market_data.timeout: %w", err)
	}
	breaker := services.NewCircuitBreaker("market_data", services.CircuitBreakerConfig{}, a.Logrus)
	retrier := services.NewRetrier(RetryPolicy(cfg.MarketData.MaxRetries), a.Logrus)
	resilient := marketdata.NewResilientSource(inner, breaker, retrier, timeout, a.Metrics)

	ttl, err := ParseDuration(cfg.Redis.PriceTTL, 12*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("redis.price_ttl: %w", err)
	}
	prices := cache.NewRedisPriceCache(a.Redis.Client, ttl, a.Logrus)
	return marketdata.NewCachedSource(resilient, prices, bench, vol, a.Logrus), nil
}

// Backtester builds a walk-forward backtester over the shared pipeline.
func (a *App) Backtester() *backtest.Backtester {
	return backtest.New(a.Config.Backtest, backtest.Dependencies{
		Detector:  a.Detector,
		Scorer:    a.Scorer,
		Sizer:     a.Sizer,
		Allocator: a.Allocator,
		Tracer:    a.Tracer,
		Metrics:   a.Metrics,
		Logger:    a.Logger,
	})
}

// Scanner builds the nightly scanner. The bandit picks the mode recorded
// with each decision.
func (a *App) Scanner(bandit scan.ModeSelector) *scan.Scanner {
	return scan.New(a.Config.Scan, a.Config.MarketData.LookbackDays, scan.Dependencies{
		Source:    a.Source,
		Detector:  a.Detector,
		Scorer:    a.Scorer,
		Sizer:     a.Sizer,
		Allocator: a.Allocator,
		Bandit:    bandit,
		Tracer:    a.Tracer,
		Metrics:   a.Metrics,
		Logger:    a.Logger,
	})
}

// BanditStore returns the Redis-backed arm statistics.
func (a *App) BanditStore() *learning.BanditStore {
	return learning.NewBanditStore(a.Redis.Client, BanditKey)
}

// LoadBandit restores the bandit over every mode. A Redis failure falls back
// to uniform priors.
func (a *App) LoadBandit(ctx context.Context) *learning.Bandit {
	seed := uint64(time.Now().UnixNano())
	bandit, err := a.BanditStore().Load(ctx, seed, models.AllModes...)
	if err != nil {
		a.Logger.WithComponent("bandit").Warn("Bandit state unavailable, using priors", "error", err)
		return learning.NewBandit(seed, models.AllModes...)
	}
	return bandit
}

// Governance builds the strategy health monitor. When a Telegram bot token
// is configured, lifecycle changes are pushed to telegram.chat_id.
func (a *App) Governance() (*governance.Monitor, error) {
	var notifier governance.Notifier
	if a.Config.Telegram.BotToken != "" {
		b, err := governance.NewTelegramBot(a.Config.Telegram.BotToken)
		if err != nil {
			return nil, fmt.Errorf("failed to create telegram bot: %w", err)
		}
		notifier = governance.NewTelegramNotifier(b, a.Config.Telegram.ChatID)
	}
	evaluator := governance.NewEvaluator(a.Config.Governance, a.Metrics, a.Logger)
	states := governance.NewRedisStateStore(a.Redis.Client, GovernancePrefix)
	return governance.NewMonitor(a.Config.Governance, evaluator, a.Outcomes, states, notifier, a.Logger), nil
}

func (a *App) onClose(fn func(context.Context)) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order. It is safe to call twice.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}

// ParseDuration parses s, returning fallback when s is empty.
func ParseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}

// RetryPolicy returns the default policy with maxRetries applied when set.
func RetryPolicy(maxRetries int) services.RetryPolicy {
	policy := services.DefaultRetryPolicy()
	if maxRetries > 0 {
		policy.MaxRetries = maxRetries
	}
	return policy
}
