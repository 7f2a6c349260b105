package telemetry

import (
	"context"
	"time"

	"github.com/irfndi/celebrum-quant/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BusinessTracer provides utilities for tracing pipeline operations.
// It allows detailed tracking of domain-specific activities like scans,
// backtest windows and retrains.
type BusinessTracer struct {
	tracer trace.Tracer
}

// NewBusinessTracer creates a new instance of BusinessTracer bound to the
// global tracer provider.
//
// Returns:
//   - A pointer to an initialized BusinessTracer.
func NewBusinessTracer() *BusinessTracer {
	return &BusinessTracer{tracer: otel.Tracer(ServiceName)}
}

// NewBusinessTracerWithProvider binds the tracer to an explicit provider.
func NewBusinessTracerWithProvider(tp trace.TracerProvider) *BusinessTracer {
	return &BusinessTracer{tracer: tp.Tracer(ServiceName)}
}

// TraceScan starts a span for a nightly scan run.
//
// Parameters:
//   - ctx: The context to attach the span to.
//   - scanID: Identifier of the scan run.
//   - universeSize: Number of instruments requested.
//
// Returns:
//   - A context containing the new span.
//   - The created span.
func (bt *BusinessTracer) TraceScan(ctx context.Context, scanID string, universeSize int) (context.Context, trace.Span) {
	return bt.tracer.Start(ctx, "nightly_scan",
		trace.WithAttributes(
			attribute.String("scan.id", scanID),
			attribute.Int("scan.universe_size", universeSize),
		),
	)
}

// TraceScoring starts a span around cross-sectional scoring.
func (bt *BusinessTracer) TraceScoring(ctx context.Context, asOf time.Time, regime models.RegimeState, instruments int) (context.Context, trace.Span) {
	return bt.tracer.Start(ctx, "score_universe",
		trace.WithAttributes(
			attribute.String("scoring.as_of", asOf.Format(time.DateOnly)),
			attribute.String("scoring.regime", string(regime)),
			attribute.Int("scoring.instruments", instruments),
		),
	)
}

// TraceAllocation starts a span around a portfolio allocation.
func (bt *BusinessTracer) TraceAllocation(ctx context.Context, method models.AllocationMethod, candidates int) (context.Context, trace.Span) {
	return bt.tracer.Start(ctx, "allocate",
		trace.WithAttributes(
			attribute.String("allocation.method", string(method)),
			attribute.Int("allocation.candidates", candidates),
		),
	)
}

// RecordAllocation adds the outcome of an allocation to an existing span.
//
// Parameters:
//   - span: The span to update.
//   - result: The allocation result.
func (bt *BusinessTracer) RecordAllocation(span trace.Span, result models.AllocationResult) {
	span.SetAttributes(
		attribute.Int("allocation.positions", len(result.Weights)),
		attribute.Float64("allocation.total_weight", result.TotalWeight()),
		attribute.Float64("allocation.cash_weight", result.Diagnostics.CashWeight),
		attribute.Int("allocation.excluded", len(result.Diagnostics.Excluded)),
		attribute.Int("allocation.warnings", len(result.Warnings)),
		attribute.Bool("allocation.degenerate", result.Diagnostics.Degenerate),
	)
}

// TraceBacktest starts a span for a whole walk-forward run.
func (bt *BusinessTracer) TraceBacktest(ctx context.Context, runID string, universeSize int) (context.Context, trace.Span) {
	return bt.tracer.Start(ctx, "backtest_run",
		trace.WithAttributes(
			attribute.String("backtest.run_id", runID),
			attribute.Int("backtest.universe_size", universeSize),
		),
	)
}

// TraceBacktestWindow starts a span for one rebalance step of a backtest.
func (bt *BusinessTracer) TraceBacktestWindow(ctx context.Context, runID string, rebalance time.Time) (context.Context, trace.Span) {
	return bt.tracer.Start(ctx, "backtest_window",
		trace.WithAttributes(
			attribute.String("backtest.run_id", runID),
			attribute.String("backtest.rebalance_date", rebalance.Format(time.DateOnly)),
		),
	)
}

// RecordBacktestResult adds headline metrics of a finished run to a span.
func (bt *BusinessTracer) RecordBacktestResult(span trace.Span, result *models.BacktestResult) {
	if result == nil {
		return
	}
	span.SetAttributes(
		attribute.Float64("backtest.annual_return", result.AnnualReturn),
		attribute.Float64("backtest.sharpe", result.SharpeRatio),
		attribute.Float64("backtest.max_drawdown", result.MaxDrawdown),
		attribute.Int("backtest.periods", result.Periods),
		attribute.Int("backtest.skipped_windows", len(result.Skipped)),
		attribute.Float64("backtest.ic_mean", result.IC.Mean),
	)
}

// TraceRetrain starts a span for a retrain attempt of one mode.
func (bt *BusinessTracer) TraceRetrain(ctx context.Context, mode models.Mode) (context.Context, trace.Span) {
	return bt.tracer.Start(ctx, "retrain",
		trace.WithAttributes(attribute.String("learning.mode", string(mode))),
	)
}

// RecordModelMetrics adds validation metrics of a trained model to a span.
func (bt *BusinessTracer) RecordModelMetrics(span trace.Span, metrics *models.ModelMetrics) {
	if metrics == nil {
		return
	}
	span.SetAttributes(
		attribute.String("learning.model_id", metrics.ModelID),
		attribute.Float64("learning.auc", metrics.AUC),
		attribute.Float64("learning.precision_at_3", metrics.PrecisionAt3),
		attribute.Int("learning.n_train", metrics.NTrain),
		attribute.Int("learning.n_val", metrics.NVal),
	)
}

// TraceGovernance starts a span for a strategy health evaluation.
func (bt *BusinessTracer) TraceGovernance(ctx context.Context, mode models.Mode) (context.Context, trace.Span) {
	return bt.tracer.Start(ctx, "governance_evaluate",
		trace.WithAttributes(attribute.String("governance.mode", string(mode))),
	)
}

// RecordHealth adds the evaluated health to a span.
func (bt *BusinessTracer) RecordHealth(span trace.Span, health models.StrategyHealth) {
	span.SetAttributes(
		attribute.Float64("governance.score", health.Score),
		attribute.String("governance.status", string(health.Status)),
		attribute.Bool("governance.insufficient_data", health.InsufficientData),
	)
}

// RecordError marks the span as failed.
func (bt *BusinessTracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
