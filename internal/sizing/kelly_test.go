package sizing

import (
	"math"
	"testing"
	"time"

	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/timeseries"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSizer() (*Sizer, config.SizingConfig) {
	cfg := config.Defaults().Sizing
	return NewSizer(cfg, nil), cfg
}

func alternating(n int, up, down float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = up
		} else {
			out[i] = down
		}
	}
	return out
}

func TestSizePosition_AlternatingReturns(t *testing.T) {
	sizer, cfg := newTestSizer()

	result := sizer.SizePosition("AAPL", alternating(60, 0.01, -0.005))

	assert.False(t, result.Fallback)
	assert.Equal(t, 60, result.Observations)
	assert.InDelta(t, 0.5, result.WinRate, 1e-12)
	assert.InDelta(t, 2.0, result.WinLossRatio, 1e-9)
	assert.InDelta(t, 0.25, result.FullKelly, 1e-9)
	assert.Greater(t, result.Recommended, 0.0)
	assert.Less(t, result.Recommended, cfg.Cap)
	assert.InDelta(t, cfg.Fraction*0.25, result.Recommended, 1e-9)
}

func TestSizePosition_Bounds(t *testing.T) {
	sizer, cfg := newTestSizer()

	tests := []struct {
		name    string
		returns []float64
		want    float64
	}{
		{"all losses floors at zero", alternating(40, -0.01, -0.02), 0},
		{"extreme edge hits cap", alternating(40, 0.05, 0.01), cfg.Cap},
		{"losing edge floors at zero", alternating(40, 0.002, -0.02), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sizer.SizePosition("X", tt.returns)
			assert.False(t, result.Fallback)
			assert.InDelta(t, tt.want, result.Recommended, 1e-12)
			assert.GreaterOrEqual(t, result.Recommended, 0.0)
			assert.LessOrEqual(t, result.Recommended, cfg.Cap)
		})
	}
}

func TestSizePosition_Fallbacks(t *testing.T) {
	sizer, cfg := newTestSizer()

	short := sizer.SizePosition("NEW", alternating(10, 0.01, -0.005))
	assert.True(t, short.Fallback)
	assert.Equal(t, ReasonTooFewObservations, short.FallbackReason)
	assert.Equal(t, cfg.DefaultFraction, short.Recommended)

	flat := sizer.SizePosition("FLAT", make([]float64, 30))
	assert.True(t, flat.Fallback)
	assert.Equal(t, ReasonZeroVariance, flat.FallbackReason)

	withNaN := append(alternating(15, 0.01, -0.005), math.NaN(), math.Inf(1))
	result := sizer.SizePosition("NAN", withNaN)
	assert.Equal(t, 15, result.Observations)
	assert.True(t, result.Fallback)
}

func TestSizeView_UsesTrailingReturns(t *testing.T) {
	sizer, _ := newTestSizer()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	series := models.PriceSeries{Symbol: "MSFT"}
	price := 100.0
	for i, r := range append(alternating(30, -0.03, -0.01), alternating(60, 0.01, -0.005)...) {
		price *= 1 + r
		series.Bars = append(series.Bars, models.PriceBar{
			Timestamp: start.AddDate(0, 0, i),
			Open:      price, High: price, Low: price, Close: price, Volume: 1000,
		})
	}

	view := timeseries.Latest(series)
	result := sizer.SizeView(view, 60)
	require.False(t, result.Fallback)
	assert.Equal(t, "MSFT", result.Symbol)
	assert.Equal(t, 60, result.Observations)
	assert.Greater(t, result.Recommended, 0.0)
}
