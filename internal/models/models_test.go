package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		err  bool
	}{
		{"SAFE", ModeSafe, false},
		{" safe ", ModeSafe, false},
		{"aggressive", ModeAggressive, false},
		{"agg", ModeAggressive, false},
		{"yolo", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSide(t *testing.T) {
	side, err := ParseSide("long")
	require.NoError(t, err)
	assert.Equal(t, SideLong, side)

	side, err = ParseSide("SHORT")
	require.NoError(t, err)
	assert.Equal(t, SideShort, side)

	_, err = ParseSide("flat")
	assert.Error(t, err)
}

func TestSignedReturn(t *testing.T) {
	entry := decimal.NewFromInt(100)
	exit := decimal.NewFromInt(110)

	r, err := SignedReturn(SideLong, entry, exit)
	require.NoError(t, err)
	assert.InDelta(t, 0.10, r, 1e-12)

	r, err = SignedReturn(SideShort, entry, exit)
	require.NoError(t, err)
	assert.InDelta(t, -0.10, r, 1e-12)

	_, err = SignedReturn(SideLong, decimal.Zero, exit)
	assert.Error(t, err)
}

func TestModelMetrics_PromotionScore(t *testing.T) {
	m := ModelMetrics{AUC: 0.6, PrecisionAt3: 0.5, Sharpe: 1.2}
	assert.InDelta(t, 0.3+0.2+0.12, m.PromotionScore(), 1e-12)
}

func TestParseRegime(t *testing.T) {
	for _, r := range AllRegimes {
		assert.Equal(t, r, ParseRegime(string(r)))
	}
	assert.Equal(t, RegimeUnknown, ParseRegime("sideways"))
	assert.True(t, RegimeCrisis.IsDefensive())
	assert.True(t, RegimeDeflation.IsDefensive())
	assert.False(t, RegimeExpansion.IsDefensive())
}

func TestScoreRecord_Robustness(t *testing.T) {
	var unknown ScoreRecord
	assert.False(t, unknown.HasRobustness())
	assert.Equal(t, -1.0, unknown.RobustnessOr(-1))

	v := 0.8
	known := ScoreRecord{Robustness: &v}
	assert.True(t, known.HasRobustness())
	assert.Equal(t, 0.8, known.RobustnessOr(-1))
}

func TestAllocationResult_TotalWeightAndSymbols(t *testing.T) {
	a := AllocationResult{Weights: map[string]float64{"MSFT": 0.2, "AAPL": 0.3, "NVDA": 0.15}}
	assert.Equal(t, []string{"AAPL", "MSFT", "NVDA"}, a.Symbols())
	assert.InDelta(t, 0.65, a.TotalWeight(), 1e-12)

	var empty AllocationResult
	assert.Empty(t, empty.Symbols())
	assert.Zero(t, empty.TotalWeight())
}

func TestPriceSeries_Validate(t *testing.T) {
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bar := func(i int, close float64) PriceBar {
		return PriceBar{Timestamp: day.AddDate(0, 0, i), Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 10}
	}

	good := PriceSeries{Symbol: "AAA", Bars: []PriceBar{bar(0, 10), bar(1, 11)}}
	assert.NoError(t, good.Validate())

	tests := []struct {
		name   string
		bars   []PriceBar
		index  int
		reason string
	}{
		{"non-positive close", []PriceBar{bar(0, 10), bar(1, 0)}, 1, "non-positive"},
		{"out of order", []PriceBar{bar(1, 10), bar(0, 11)}, 1, "strictly increasing"},
		{"high below low", []PriceBar{{Timestamp: day, High: 9, Low: 10, Close: 9.5}}, 0, "high below low"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := PriceSeries{Symbol: "AAA", Bars: tt.bars}.Validate()
			var dq *DataQualityError
			require.ErrorAs(t, err, &dq)
			assert.Equal(t, tt.index, dq.Index)
			assert.Contains(t, dq.Reason, tt.reason)
		})
	}
}

func TestPriceSeries_LastClose(t *testing.T) {
	_, ok := PriceSeries{}.LastClose()
	assert.False(t, ok)

	s := PriceSeries{Bars: []PriceBar{{Close: 1}, {Close: 123.456789}}}
	price, ok := s.LastClose()
	require.True(t, ok)
	assert.Equal(t, "123.4568", price.String())
}

func TestErrors(t *testing.T) {
	err := fmt.Errorf("scoring: %w", NewInsufficientHistory("AAA", 252, 100))
	assert.ErrorIs(t, err, ErrInsufficientHistory)
	assert.EqualError(t, err, "scoring: insufficient history for AAA: need 252 bars, have 100")
	assert.EqualError(t, NewInsufficientHistory("", 2, 1), "insufficient history: need 2 bars, have 1")

	cause := errors.New("connection reset")
	ext := &ExternalServiceError{Service: "postgres", Operation: "query", Transient: true, Err: cause}
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", ext)))
	assert.ErrorIs(t, ext, cause)
	assert.False(t, IsTransient(&ExternalServiceError{Service: "x", Err: cause}))
	assert.False(t, IsTransient(cause))
}

func TestConfidenceInterval_Width(t *testing.T) {
	assert.InDelta(t, 0.3, ConfidenceInterval{Lower: -0.1, Upper: 0.2}.Width(), 1e-12)
}
