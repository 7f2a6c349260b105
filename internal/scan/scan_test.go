package scan

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/irfndi/celebrum-quant/internal/allocation"
	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/marketdata"
	"github.com/irfndi/celebrum-quant/internal/metrics"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/regime"
	"github.com/irfndi/celebrum-quant/internal/scoring"
	"github.com/irfndi/celebrum-quant/internal/sizing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

const bars = 300

func walk(symbol string, seed int64, n int, drift, vol float64) models.PriceSeries {
	rng := rand.New(rand.NewSource(seed))
	s := models.PriceSeries{Symbol: symbol}
	price := 80.0
	for i := 0; i < n; i++ {
		price *= 1 + drift + rng.NormFloat64()*vol
		s.Bars = append(s.Bars, models.PriceBar{
			Timestamp: day0.AddDate(0, 0, i),
			Open:      price,
			High:      price * 1.01,
			Low:       price * 0.99,
			Close:     price,
			Volume:    1e6 * (0.5 + rng.Float64()),
		})
	}
	return s
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.Regime = config.RegimeConfig{MinWindow: 60, TrendWindow: 50, SlopeWindow: 10, VolWindow: 10, VolLookback: 60, FlatBand: 0.01}
	cfg.Scoring.MinHistory = 60
	cfg.Scoring.MinRobustnessHistory = 120
	cfg.Scoring.RobustnessStep = 10
	cfg.Scoring.Workers = 2
	cfg.Allocation.Method = "risk_parity"
	cfg.Allocation.MaxWeight = 0.4
	cfg.Allocation.MinWeight = 0
	cfg.Allocation.RequireRobustness = false
	cfg.Allocation.MinRobustness = 0
	dir := t.TempDir()
	cfg.Scan = config.ScanConfig{
		Universe:         []string{"AAA", "BBB", "CCC", "DDD", "EEE"},
		MinRobustness:    0,
		MaxPositions:     4,
		MinHistory:       120,
		ForbiddenRegimes: nil,
		Output:           filepath.Join(dir, "morning_orders.csv"),
		DecisionLog:      filepath.Join(dir, "scan_decisions.jsonl"),
	}
	return cfg
}

func testSource() *marketdata.MemorySource {
	series := []models.PriceSeries{walk("SPY", 1, bars, 0.0003, 0.01)}
	for i, symbol := range []string{"AAA", "BBB", "CCC", "DDD"} {
		series = append(series, walk(symbol, int64(i+20), bars, 0.0004*float64(i), 0.012+0.002*float64(i)))
	}
	// too short for the history gate
	series = append(series, walk("EEE", 99, 100, 0.001, 0.01))
	return marketdata.NewMemorySource("SPY", "", series...)
}

type fixedMode models.Mode

func (m fixedMode) Select(string) models.Mode { return models.Mode(m) }

func newTestScanner(cfg *config.Config, source marketdata.Adapter) *Scanner {
	detector := regime.NewDetector(cfg.Regime)
	return New(cfg.Scan, 400, Dependencies{
		Source:    source,
		Detector:  detector,
		Scorer:    scoring.NewEngine(cfg.Scoring, detector, cfg.Regime.MinWindow, nil),
		Sizer:     sizing.NewSizer(cfg.Sizing, nil),
		Allocator: allocation.NewAllocator(cfg.Allocation, nil),
		Bandit:    fixedMode(models.ModeAggressive),
		Metrics:   metrics.New(nil),
	})
}

func asOf() time.Time { return day0.AddDate(0, 0, bars) }

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func readDecisions(t *testing.T, path string) []Decision {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []Decision
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var d Decision
		require.NoError(t, json.Unmarshal(sc.Bytes(), &d))
		out = append(out, d)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestRun_WritesOrders(t *testing.T) {
	cfg := testConfig(t)
	s := newTestScanner(cfg, testSource())

	res, err := s.Run(context.Background(), Request{AsOf: asOf()})
	require.NoError(t, err)

	assert.NotEmpty(t, res.ScanID)
	assert.Empty(t, res.Reason)
	assert.Equal(t, models.ModeAggressive, res.Mode)
	assert.Equal(t, SkipInsufficientHistory, res.Skipped["EEE"])
	require.NotEmpty(t, res.Orders)
	assert.LessOrEqual(t, len(res.Orders), cfg.Scan.MaxPositions)

	total := 0.0
	for i, o := range res.Orders {
		assert.Greater(t, o.TargetWeight, 0.0)
		assert.LessOrEqual(t, o.TargetWeight, cfg.Allocation.MaxWeight+1e-9)
		assert.True(t, o.ReferencePrice.IsPositive())
		total += o.TargetWeight
		if i > 0 {
			assert.GreaterOrEqual(t, res.Orders[i-1].TargetWeight, o.TargetWeight)
		}
	}
	assert.LessOrEqual(t, total, 1.0+1e-9)

	rows := readCSV(t, cfg.Scan.Output)
	require.Len(t, rows, len(res.Orders)+1)
	assert.Equal(t, OrderColumns, rows[0])
	assert.Equal(t, res.Orders[0].Symbol, rows[1][0])

	decisions := readDecisions(t, cfg.Scan.DecisionLog)
	require.Len(t, decisions, 1)
	assert.Equal(t, res.ScanID, decisions[0].ScanID)
	assert.Equal(t, models.ModeAggressive, decisions[0].Mode)
	assert.Len(t, decisions[0].Selected, len(res.Orders))
	assert.Equal(t, SkipInsufficientHistory, decisions[0].Skipped["EEE"])
}

func TestRun_UnknownSymbolIsSkipped(t *testing.T) {
	cfg := testConfig(t)
	s := newTestScanner(cfg, testSource())

	res, err := s.Run(context.Background(), Request{Universe: []string{"aaa", " bbb", "ZZZ"}, AsOf: asOf()})
	require.NoError(t, err)

	assert.Equal(t, SkipNoData, res.Skipped["ZZZ"])
	for _, o := range res.Orders {
		assert.Contains(t, []string{"AAA", "BBB"}, o.Symbol)
	}
}

func TestRun_RobustnessGate(t *testing.T) {
	cfg := testConfig(t)
	s := newTestScanner(cfg, testSource())

	strict := 1.01
	res, err := s.Run(context.Background(), Request{AsOf: asOf(), MinRobustness: &strict})
	require.NoError(t, err)

	assert.Empty(t, res.Orders)
	for _, symbol := range []string{"AAA", "BBB", "CCC", "DDD"} {
		assert.Contains(t, []string{SkipRobustnessLow, SkipRobustnessUnknown}, res.Skipped[symbol], symbol)
	}
	assert.Len(t, readCSV(t, cfg.Scan.Output), 1)
}

func TestRun_ForbiddenRegimeWritesEmptyFile(t *testing.T) {
	cfg := testConfig(t)
	source := testSource()
	bench, vol, err := source.GetBenchmarkAndVolatility(context.Background(), day0, asOf())
	require.NoError(t, err)
	state, err := regime.NewDetector(cfg.Regime).DetectAt(bench, vol, asOf())
	require.NoError(t, err)
	cfg.Scan.ForbiddenRegimes = []string{string(state)}

	res, err := newTestScanner(cfg, source).Run(context.Background(), Request{AsOf: asOf()})
	require.NoError(t, err)

	assert.Equal(t, "regime_forbidden:"+string(state), res.Reason)
	assert.Empty(t, res.Orders)
	rows := readCSV(t, cfg.Scan.Output)
	assert.Equal(t, [][]string{OrderColumns}, rows)
	decisions := readDecisions(t, cfg.Scan.DecisionLog)
	require.Len(t, decisions, 1)
	assert.Equal(t, res.Reason, decisions[0].Reason)
}

type failingSource struct{ marketdata.Adapter }

func (failingSource) GetPriceHistory(context.Context, []string, time.Time, time.Time) (map[string]models.PriceSeries, error) {
	return nil, &models.ExternalServiceError{Service: "market_data", Operation: "history", Err: errors.New("timeout")}
}

func TestRun_SourceFailureWritesNothing(t *testing.T) {
	cfg := testConfig(t)
	s := newTestScanner(cfg, failingSource{})

	_, err := s.Run(context.Background(), Request{AsOf: asOf()})
	require.Error(t, err)

	var ext *models.ExternalServiceError
	assert.ErrorAs(t, err, &ext)
	assert.NoFileExists(t, cfg.Scan.Output)
	assert.NoFileExists(t, cfg.Scan.DecisionLog)
}

func TestRun_EmptyUniverse(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scan.Universe = nil
	_, err := newTestScanner(cfg, testSource()).Run(context.Background(), Request{AsOf: asOf()})
	assert.Error(t, err)
}

func TestWriteOrders_ReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.csv")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))

	orders := []Order{{
		Symbol:         "AAPL",
		TargetWeight:   0.125,
		Score:          71.5,
		Robustness:     0.8,
		KellyFraction:  0.05,
		ReferencePrice: decimal.RequireFromString("187.4410"),
	}}
	require.NoError(t, WriteOrders(path, orders))

	rows := readCSV(t, path)
	assert.Equal(t, [][]string{
		OrderColumns,
		{"AAPL", "0.125000", "71.500000", "0.800000", "0.050000", "187.4410"},
	}, rows)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteOrders_BadDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	err := WriteOrders(filepath.Join(blocker, "orders.csv"), nil)
	assert.Error(t, err)
}

func TestNewDecision(t *testing.T) {
	res := &Result{
		ScanID: "scan-1",
		Regime: models.RegimeExpansion,
		Orders: []Order{
			{Symbol: "MSFT", TargetWeight: 0.3},
			{Symbol: "AAPL", TargetWeight: 0.2},
		},
		Skipped: map[string]string{"TSLA": SkipRobustnessLow},
	}
	d := NewDecision(res, time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC))

	assert.Equal(t, []string{"AAPL", "MSFT"}, d.Selected)
	assert.InDelta(t, 0.5, d.Cash, 1e-12)
	assert.Equal(t, 0.3, d.Weights["MSFT"])
}
