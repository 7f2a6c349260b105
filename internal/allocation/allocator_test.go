package allocation

import (
	"math"
	"math/rand"
	"testing"

	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func noise(seed int64, n int, scale float64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64() * scale
	}
	return out
}

func candidate(symbol string, score, robustness, kelly float64, seed int64) Candidate {
	return Candidate{
		Symbol:     symbol,
		Score:      score,
		Robustness: ptr(robustness),
		Kelly:      kelly,
		Volatility: 0.25,
		Returns:    noise(seed, 120, 0.015),
	}
}

func newTestAllocator() (*Allocator, config.AllocationConfig) {
	cfg := config.Defaults().Allocation
	return NewAllocator(cfg, nil), cfg
}

func assertInvariants(t *testing.T, result models.AllocationResult, maxWeight float64) {
	t.Helper()
	total := 0.0
	for symbol, w := range result.Weights {
		assert.GreaterOrEqual(t, w, 0.0, symbol)
		assert.LessOrEqual(t, w, maxWeight+1e-12, symbol)
		total += w
	}
	assert.LessOrEqual(t, total, 1+1e-9)
	for symbol := range result.Diagnostics.Excluded {
		_, present := result.Weights[symbol]
		assert.False(t, present, "excluded %s must not carry weight", symbol)
	}
}

func TestAllocate_Methods(t *testing.T) {
	alloc, cfg := newTestAllocator()

	var candidates []Candidate
	for i, s := range []string{"AAPL", "AMZN", "GOOG", "META", "MSFT", "NVDA", "TSLA", "V"} {
		candidates = append(candidates, candidate(s, 50+float64(i)*5, 0.6+float64(i)*0.04, 0.02+float64(i)*0.005, int64(i+1)))
	}

	for _, method := range []models.AllocationMethod{models.MethodKellyConstrained, models.MethodRiskParity, models.MethodMVO} {
		t.Run(string(method), func(t *testing.T) {
			result := alloc.Allocate(Request{Candidates: candidates, Method: method})

			assert.Equal(t, method, result.Method)
			assert.False(t, result.Diagnostics.Degenerate)
			assert.NotEmpty(t, result.Weights)
			assertInvariants(t, result, cfg.MaxWeight)
			assert.InDelta(t, 1-result.TotalWeight(), result.Diagnostics.CashWeight, 1e-9)
			assert.Greater(t, result.Diagnostics.ExpectedVolatility, 0.0)
			assert.InDelta(t, 2.5*result.Diagnostics.ExpectedVolatility, result.Diagnostics.MaxDrawdownEstimate, 1e-12)
		})
	}
}

func TestAllocate_DefaultMethod(t *testing.T) {
	alloc, _ := newTestAllocator()
	result := alloc.Allocate(Request{Candidates: []Candidate{
		candidate("A", 60, 0.8, 0.05, 1),
		candidate("B", 70, 0.8, 0.05, 2),
	}})
	assert.Equal(t, models.MethodKellyConstrained, result.Method)
}

func TestAllocate_ExcludesLowAndUnknownRobustness(t *testing.T) {
	alloc, cfg := newTestAllocator()

	unknown := candidate("UNK", 90, 0, 0.05, 3)
	unknown.Robustness = nil
	missing := candidate("GAP", 90, 0.9, 0.05, 4)
	missing.Returns = nil

	result := alloc.Allocate(Request{Candidates: []Candidate{
		candidate("GOOD1", 70, 0.9, 0.05, 1),
		candidate("GOOD2", 65, 0.8, 0.04, 2),
		candidate("LOW", 99, cfg.MinRobustness-0.01, 0.10, 5),
		unknown,
		missing,
	}})

	assertInvariants(t, result, cfg.MaxWeight)
	assert.Equal(t, ReasonRobustnessLow, result.Diagnostics.Excluded["LOW"])
	assert.Equal(t, ReasonRobustnessUnknown, result.Diagnostics.Excluded["UNK"])
	assert.Equal(t, ReasonMissingData, result.Diagnostics.Excluded["GAP"])
	assert.Contains(t, result.Weights, "GOOD1")
	assert.Contains(t, result.Weights, "GOOD2")
}

func TestAllocate_UnknownRobustnessAllowedWhenNotRequired(t *testing.T) {
	cfg := config.Defaults().Allocation
	cfg.RequireRobustness = false
	alloc := NewAllocator(cfg, nil)

	unknown := candidate("UNK", 80, 0, 0.05, 3)
	unknown.Robustness = nil
	result := alloc.Allocate(Request{Candidates: []Candidate{unknown, candidate("B", 60, 0.9, 0.05, 4)}})

	assert.Contains(t, result.Weights, "UNK")
}

func TestAllocate_Degenerate(t *testing.T) {
	alloc, cfg := newTestAllocator()

	empty := alloc.Allocate(Request{})
	assert.Empty(t, empty.Weights)
	assert.True(t, empty.Diagnostics.Degenerate)
	assert.Equal(t, 1.0, empty.Diagnostics.CashWeight)
	assert.NotEmpty(t, empty.Warnings)

	single := alloc.Allocate(Request{Candidates: []Candidate{candidate("ONLY", 80, 0.9, 0.05, 1)}})
	require.Len(t, single.Weights, 1)
	assert.Equal(t, cfg.MaxWeight, single.Weights["ONLY"])
	assert.True(t, single.Diagnostics.Degenerate)
	assert.InDelta(t, 1-cfg.MaxWeight, single.Diagnostics.CashWeight, 1e-12)
}

func TestAllocate_CorrelationPenalty(t *testing.T) {
	alloc, _ := newTestAllocator()

	base := noise(10, 120, 0.02)
	twin := make([]float64, len(base))
	for i, r := range base {
		twin[i] = r*0.98 + 0.0001
	}

	a := candidate("TWIN_A", 70, 0.8, 0.05, 0)
	a.Returns = base
	b := candidate("TWIN_B", 70, 0.8, 0.05, 0)
	b.Returns = twin
	c := candidate("SOLO", 70, 0.8, 0.05, 99)

	result := alloc.Allocate(Request{Candidates: []Candidate{a, b, c}, Method: models.MethodKellyConstrained})

	require.Contains(t, result.Diagnostics.CorrelationPenalties, "TWIN_A")
	assert.InDelta(t, 0.1, result.Diagnostics.CorrelationPenalties["TWIN_A"], 1e-9)
	assert.NotContains(t, result.Diagnostics.CorrelationPenalties, "SOLO")
	assert.Less(t, result.Diagnostics.DiversificationScore, 0.7)
}

func TestAllocate_PropertyRandomized(t *testing.T) {
	alloc, cfg := newTestAllocator()
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		n := rng.Intn(15)
		candidates := make([]Candidate, n)
		for i := range candidates {
			candidates[i] = candidate(
				string(rune('A'+i)),
				rng.Float64()*100,
				rng.Float64(),
				rng.Float64()*0.1,
				int64(trial*100+i),
			)
			candidates[i].Volatility = 0.05 + rng.Float64()*0.6
		}
		for _, method := range []models.AllocationMethod{models.MethodKellyConstrained, models.MethodRiskParity, models.MethodMVO} {
			result := alloc.Allocate(Request{Candidates: candidates, Method: method})
			assertInvariants(t, result, cfg.MaxWeight)
			for _, c := range candidates {
				if *c.Robustness < cfg.MinRobustness {
					assert.NotContains(t, result.Weights, c.Symbol)
				}
			}
		}
	}
}

func TestCapWeights(t *testing.T) {
	out := capWeights([]float64{0.7, 0.2, 0.1}, 0.5)
	assert.InDelta(t, 0.5, out[0], 1e-12)
	assert.InDelta(t, 1.0, out[0]+out[1]+out[2], 1e-12)
	assert.LessOrEqual(t, out[1], 0.5)

	// Every name capped: the rest is cash.
	out = capWeights([]float64{0.5, 0.5}, 0.15)
	assert.InDelta(t, 0.30, out[0]+out[1], 1e-12)
	assert.False(t, math.IsNaN(out[0]))
}

func TestPortfolioVariance(t *testing.T) {
	eligible := []Candidate{{Symbol: "A", Volatility: 0.2}, {Symbol: "B", Volatility: 0.3}}

	tests := []struct {
		name    string
		weights []float64
		rho     float64
		want    float64
	}{
		{"uncorrelated", []float64{0.5, 0.5}, 0, 0.25*0.04 + 0.25*0.09},
		{"perfectly correlated", []float64{0.5, 0.5}, 1, 0.25 * 0.25},
		{"hedged", []float64{0.6, 0.4}, -1, 0},
		{"single name", []float64{1, 0}, 0.5, 0.04},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			corr := [][]float64{{1, tt.rho}, {tt.rho, 1}}
			assert.InDelta(t, tt.want, portfolioVariance(eligible, tt.weights, corr), 1e-12)
		})
	}
	assert.Zero(t, portfolioVariance(nil, nil, nil))
}
