package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, ServiceName, cfg.ServiceName)
	assert.Equal(t, 0.2, cfg.SampleRate)
}

func TestInitTelemetry_Disabled(t *testing.T) {
	provider, err := InitTelemetry(context.Background(), TelemetryConfig{Enabled: false})
	require.NoError(t, err)
	assert.False(t, provider.Enabled())
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestInitTelemetry_StdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	provider, err := InitTelemetry(context.Background(), TelemetryConfig{
		Enabled:        true,
		ServiceName:    "test",
		ServiceVersion: "0.0.1",
		Environment:    "test",
		SampleRate:     1.0,
		Writer:         &buf,
	})
	require.NoError(t, err)
	require.True(t, provider.Enabled())

	_, span := NewBusinessTracer().TraceRetrain(context.Background(), models.ModeSafe)
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "retrain")
}

func TestNilProviderShutdown(t *testing.T) {
	var provider *Provider
	assert.NoError(t, provider.Shutdown(context.Background()))
	assert.False(t, provider.Enabled())
}

func newRecordingTracer() (*BusinessTracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return NewBusinessTracerWithProvider(tp), recorder
}

func TestBusinessTracer_Spans(t *testing.T) {
	bt, recorder := newRecordingTracer()
	ctx := context.Background()
	asOf := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		start func() func()
	}{
		{"nightly_scan", func() func() { _, s := bt.TraceScan(ctx, "scan-1", 10); return func() { s.End() } }},
		{"score_universe", func() func() {
			_, s := bt.TraceScoring(ctx, asOf, models.RegimeExpansion, 5)
			return func() { s.End() }
		}},
		{"allocate", func() func() {
			_, s := bt.TraceAllocation(ctx, models.MethodKellyConstrained, 5)
			bt.RecordAllocation(s, models.AllocationResult{Weights: map[string]float64{"AAPL": 0.1}})
			return func() { s.End() }
		}},
		{"backtest_window", func() func() { _, s := bt.TraceBacktestWindow(ctx, "run", asOf); return func() { s.End() } }},
		{"governance_evaluate", func() func() {
			_, s := bt.TraceGovernance(ctx, models.ModeAggressive)
			bt.RecordHealth(s, models.StrategyHealth{Score: 80, Status: models.StatusActive})
			return func() { s.End() }
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.start()()
			ended := recorder.Ended()
			require.NotEmpty(t, ended)
			assert.Equal(t, tc.name, ended[len(ended)-1].Name())
		})
	}
}

func TestBusinessTracer_RecordError(t *testing.T) {
	bt, recorder := newRecordingTracer()

	_, span := bt.TraceRetrain(context.Background(), models.ModeSafe)
	bt.RecordError(span, errors.New("boom"))
	bt.RecordError(span, nil)
	bt.RecordModelMetrics(span, nil)
	bt.RecordBacktestResult(span, nil)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "boom", ended[0].Status().Description)
	assert.Len(t, ended[0].Events(), 1)
}
