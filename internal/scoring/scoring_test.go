package scoring

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/regime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Regime = config.RegimeConfig{MinWindow: 60, TrendWindow: 50, SlopeWindow: 10, VolWindow: 10, VolLookback: 60, FlatBand: 0.01}
	cfg.Scoring = config.ScoringConfig{
		MinHistory:           60,
		MinRobustnessHistory: 150,
		MaxMissingBars:       0,
		RobustnessStep:       10,
		Workers:              3,
	}
	return cfg
}

func newTestEngine(cfg *config.Config) *Engine {
	return NewEngine(cfg.Scoring, regime.NewDetector(cfg.Regime), cfg.Regime.MinWindow, nil)
}

func walk(symbol string, seed int64, n int, drift, vol float64) models.PriceSeries {
	rng := rand.New(rand.NewSource(seed))
	s := models.PriceSeries{Symbol: symbol}
	price := 50.0
	for i := 0; i < n; i++ {
		price *= 1 + drift + rng.NormFloat64()*vol
		s.Bars = append(s.Bars, models.PriceBar{
			Timestamp: day0.AddDate(0, 0, i),
			Open:      price,
			High:      price * 1.01,
			Low:       price * 0.99,
			Close:     price,
			Volume:    1e5 * (0.5 + rng.Float64()),
		})
	}
	return s
}

func TestComposite(t *testing.T) {
	w := Weights{Trend: 0.25, Fundamentals: 0.40, CapitalFlow: 0.20, Risk: 0.15}

	tests := []struct {
		name   string
		c      models.ScoreComponents
		hasF   bool
		expect float64
	}{
		{"weighted blend", models.ScoreComponents{Trend: 60, Fundamentals: 50, CapitalFlow: 50, Risk: 40}, true, 0.25*60 + 0.40*50 + 0.20*50 + 0.15*40},
		{"fundamentals dropped and renormalised", models.ScoreComponents{Trend: 60, CapitalFlow: 50, Risk: 40}, false, (0.25*60 + 0.20*50 + 0.15*40) / 0.60},
		{"strong trend without flow is dampened", models.ScoreComponents{Trend: 80, CapitalFlow: 30, Risk: 50}, false, (0.25*80 + 0.20*30 + 0.15*50) / 0.60 * 0.85},
		{"weak fundamentals halve the score", models.ScoreComponents{Trend: 50, Fundamentals: 20, CapitalFlow: 50, Risk: 50}, true, (0.25*50 + 0.40*20 + 0.20*50 + 0.15*50) * 0.5},
		{"trend and fundamentals agree", models.ScoreComponents{Trend: 80, Fundamentals: 80, CapitalFlow: 60, Risk: 60}, true, (0.25*80 + 0.40*80 + 0.20*60 + 0.15*60) * 1.15},
		{"clipped at 100", models.ScoreComponents{Trend: 100, Fundamentals: 100, CapitalFlow: 100, Risk: 100}, true, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expect, Composite(tt.c, tt.hasF, w), 1e-9)
		})
	}
}

func TestWeightsFor(t *testing.T) {
	assert.Equal(t, 0.70, WeightsFor(models.RegimeCrisis).Risk)
	assert.Equal(t, defaultWeights, WeightsFor(models.RegimeUnknown))
	assert.Equal(t, defaultWeights, WeightsFor(models.RegimeRecovery))
	for _, r := range models.AllRegimes {
		w := WeightsFor(r)
		assert.InDelta(t, 1.0, w.Trend+w.Fundamentals+w.CapitalFlow+w.Risk, 1e-9, r)
	}
}

func TestScoreUniverse_ScoresAndExcludes(t *testing.T) {
	cfg := testConfig()
	engine := newTestEngine(cfg)

	n := 200
	bench := walk("SPY", 1, n, 0.0003, 0.01)

	gappy := walk("GAP", 5, n, 0.0005, 0.01)
	gappy.Bars = append(gappy.Bars[:n-10], gappy.Bars[n-9:]...)

	broken := walk("BAD", 6, n, 0.0005, 0.01)
	broken.Bars[50].Close = -1

	universe := []models.PriceSeries{
		walk("UP", 2, n, 0.003, 0.008),
		walk("FLAT", 3, n, 0.0, 0.01),
		walk("DOWN", 4, n, -0.002, 0.015),
		walk("NEW", 7, 40, 0.001, 0.01),
		gappy,
		broken,
	}

	records, diag, err := engine.ScoreUniverse(context.Background(), Input{
		Universe:     universe,
		Benchmark:    bench,
		AsOf:         day0.AddDate(0, 0, n),
		Fundamentals: map[string]float64{"UP": 90},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, diag.Scored)
	assert.Len(t, records, 3)
	assert.Equal(t, ReasonInsufficientHistory, diag.Excluded["NEW"])
	assert.True(t, strings.HasPrefix(diag.Excluded["GAP"], ReasonMissingBars))
	assert.True(t, strings.HasPrefix(diag.Excluded["BAD"], ReasonDataQuality))
	assert.NotEqual(t, models.RegimeUnknown, diag.Regime)

	for symbol, rec := range records {
		assert.Equal(t, symbol, rec.Symbol)
		assert.GreaterOrEqual(t, rec.Composite, 0.0)
		assert.LessOrEqual(t, rec.Composite, 100.0)
		assert.Equal(t, diag.Regime, rec.Regime)
		if rec.Robustness != nil {
			assert.GreaterOrEqual(t, *rec.Robustness, 0.0)
			assert.LessOrEqual(t, *rec.Robustness, 1.0)
		}
	}

	assert.Greater(t, records["UP"].Components.Trend, records["DOWN"].Components.Trend)
	assert.Equal(t, 90.0, records["UP"].Components.Fundamentals)
	assert.Equal(t, 50.0, records["FLAT"].Components.Fundamentals)
}

func TestScoreUniverse_IgnoresFutureBars(t *testing.T) {
	cfg := testConfig()
	engine := newTestEngine(cfg)

	n := 220
	asOf := day0.AddDate(0, 0, 180)
	universe := []models.PriceSeries{
		walk("A", 11, n, 0.001, 0.01),
		walk("B", 12, n, -0.001, 0.01),
		walk("C", 13, n, 0.0, 0.02),
	}
	bench := walk("SPY", 14, n, 0.0002, 0.01)

	want, _, err := engine.ScoreUniverse(context.Background(), Input{Universe: universe, Benchmark: bench, AsOf: asOf})
	require.NoError(t, err)

	// Overwrite every bar at or after asOf with absurd values.
	poison := func(s models.PriceSeries) models.PriceSeries {
		out := models.PriceSeries{Symbol: s.Symbol, Bars: append([]models.PriceBar(nil), s.Bars...)}
		for i := range out.Bars {
			if !out.Bars[i].Timestamp.Before(asOf) {
				out.Bars[i].Close *= 1000
				out.Bars[i].High *= 1000
				out.Bars[i].Low *= 1000
				out.Bars[i].Volume *= 1000
			}
		}
		return out
	}
	poisoned := make([]models.PriceSeries, len(universe))
	for i, s := range universe {
		poisoned[i] = poison(s)
	}

	got, _, err := engine.ScoreUniverse(context.Background(), Input{Universe: poisoned, Benchmark: poison(bench), AsOf: asOf})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestScoreUniverse_SkipRobustness(t *testing.T) {
	cfg := testConfig()
	engine := newTestEngine(cfg)

	n := 200
	records, diag, err := engine.ScoreUniverse(context.Background(), Input{
		Universe:       []models.PriceSeries{walk("A", 1, n, 0.001, 0.01), walk("B", 2, n, 0, 0.01)},
		Benchmark:      walk("SPY", 3, n, 0.0002, 0.01),
		AsOf:           day0.AddDate(0, 0, n),
		SkipRobustness: true,
	})
	require.NoError(t, err)
	for _, rec := range records {
		assert.Nil(t, rec.Robustness)
	}
	assert.ElementsMatch(t, []string{"A", "B"}, diag.Unrobust)
}

func TestScoreUniverse_Cancelled(t *testing.T) {
	engine := newTestEngine(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := engine.ScoreUniverse(ctx, Input{
		Universe:  []models.PriceSeries{walk("A", 1, 100, 0, 0.01)},
		Benchmark: walk("SPY", 2, 100, 0, 0.01),
		AsOf:      day0.AddDate(0, 0, 100),
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRobustness(t *testing.T) {
	cfg := testConfig()
	engine := newTestEngine(cfg)
	n := 300

	// Calm rally then a volatile sell-off gives the calendar two regimes.
	bench := walk("SPY", 21, 200, 0.002, 0.004)
	tail := walk("SPY", 22, n-200, -0.004, 0.03)
	last := bench.Bars[len(bench.Bars)-1].Close / tail.Bars[0].Close
	for i, b := range tail.Bars {
		b.Timestamp = day0.AddDate(0, 0, 200+i)
		b.Close *= last
		b.Open, b.High, b.Low = b.Close, b.Close*1.01, b.Close*0.99
		tail.Bars[i] = b
	}
	bench.Bars = append(bench.Bars, tail.Bars...)
	asOf := day0.AddDate(0, 0, n)

	stock := walk("STK", 23, n, 0.001, 0.012)
	score, err := engine.Robustness(stock, bench, models.PriceSeries{}, asOf)
	require.NoError(t, err)
	if score != nil {
		assert.GreaterOrEqual(t, *score, 0.0)
		assert.LessOrEqual(t, *score, 1.0)
	}

	short := walk("NEW", 24, 100, 0.001, 0.01)
	score, err = engine.Robustness(short, bench, models.PriceSeries{}, asOf)
	require.NoError(t, err)
	assert.Nil(t, score, "below the minimum history robustness is unknown")

	bad := walk("BAD", 25, n, 0.001, 0.01)
	bad.Bars[3].Close = 0
	_, err = engine.Robustness(bad, bench, models.PriceSeries{}, asOf)
	var dq *models.DataQualityError
	assert.ErrorAs(t, err, &dq)
}

func TestRobustnessFromCalendar(t *testing.T) {
	n := 150
	stock := models.PriceSeries{Symbol: "X"}
	price := 10.0
	for i := 0; i < n; i++ {
		r := 0.01
		if i%2 == 1 {
			r = -0.005
		}
		price *= 1 + r
		stock.Bars = append(stock.Bars, models.PriceBar{Timestamp: day0.AddDate(0, 0, i), Open: price, High: price, Low: price, Close: price, Volume: 1})
	}
	cal := RegimeCalendar{
		starts: []time.Time{day0.AddDate(0, 0, 10), day0.AddDate(0, 0, 80)},
		labels: []models.RegimeState{models.RegimeExpansion, models.RegimeCrisis},
	}
	asOf := day0.AddDate(0, 0, n)

	// Both regimes see 70 returns of the same pattern, so their Sharpes match.
	score := robustnessFromCalendar(stock, cal, asOf, 150)
	require.NotNil(t, score)
	assert.InDelta(t, 1.0, *score, 1e-9)

	assert.Nil(t, robustnessFromCalendar(stock, cal, asOf, 200))

	single := RegimeCalendar{starts: cal.starts[:1], labels: cal.labels[:1]}
	assert.Nil(t, robustnessFromCalendar(stock, single, asOf, 150))

	assert.Equal(t, models.RegimeUnknown, cal.At(day0))
	assert.Equal(t, models.RegimeExpansion, cal.At(day0.AddDate(0, 0, 10)))
	assert.Equal(t, models.RegimeCrisis, cal.At(day0.AddDate(0, 0, 120)))
}

func TestRiskScore(t *testing.T) {
	assert.InDelta(t, (0.35+0.35*0.5+0.30)*100, riskScore(0, 1), 1e-9)
	assert.InDelta(t, 0.35*0.5*100, riskScore(1, 0), 1e-9)
}
