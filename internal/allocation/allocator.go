// Package allocation turns scored, sized candidates into a constrained
// long-only weight vector.
package allocation

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/irfndi/celebrum-quant/internal/analytics"
	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/logging"
	"github.com/irfndi/celebrum-quant/internal/models"
	"gonum.org/v1/gonum/mat"
)

// Exclusion reasons.
const (
	ReasonRobustnessUnknown = "robustness_unknown"
	ReasonRobustnessLow     = "robustness_below_min"
	ReasonMissingData       = "missing_data"
	ReasonBelowMinWeight    = "below_min_weight"
)

const (
	// Robustness assumed for names without one when it is not required.
	neutralRobustness = 0.5
	// Expected annual return of a perfect score in the mvo method.
	maxExpectedReturn = 0.20
	highCorrelation   = 0.8
	epsilon           = 1e-12
)

// Candidate is one instrument offered to the allocator.
type Candidate struct {
	Symbol     string
	Score      float64
	Robustness *float64
	Kelly      float64
	// Volatility is annualised.
	Volatility float64
	// Returns are daily returns aligned with every other candidate.
	Returns []float64
}

// Request is one allocation problem.
type Request struct {
	Candidates []Candidate
	// Method defaults to the configured method when empty.
	Method models.AllocationMethod
}

// Allocator builds constrained portfolios. It holds configuration only.
type Allocator struct {
	cfg    config.AllocationConfig
	logger *slog.Logger
}

// NewAllocator creates an Allocator.
func NewAllocator(cfg config.AllocationConfig, logger *logging.StandardLogger) *Allocator {
	l := slog.Default()
	if logger != nil {
		l = logger.WithComponent("allocation")
	}
	return &Allocator{cfg: cfg, logger: l}
}

// Allocate returns weights that are non-negative, sum to at most one and
// never exceed the configured cap. Excluded candidates never receive weight.
func (a *Allocator) Allocate(req Request) models.AllocationResult {
	method := req.Method
	if method == "" {
		method = models.AllocationMethod(a.cfg.Method)
	}
	result := models.AllocationResult{
		Weights: make(map[string]float64),
		Method:  method,
		Diagnostics: models.AllocationDiagnostics{
			Excluded: make(map[string]string),
		},
	}

	eligible := a.filter(req.Candidates, result.Diagnostics.Excluded)

	switch len(eligible) {
	case 0:
		result.Diagnostics.Degenerate = true
		result.Diagnostics.CashWeight = 1
		result.Warnings = append(result.Warnings, "no eligible instruments, holding cash")
		a.logger.Info("Allocation degenerate", "error", models.ErrAllocationDegenerate, "eligible", 0)
		return result
	case 1:
		c := eligible[0]
		w := math.Min(1, a.cfg.MaxWeight)
		result.Weights[c.Symbol] = w
		result.Diagnostics.Degenerate = true
		result.Diagnostics.CashWeight = 1 - w
		result.Diagnostics.ExpectedVolatility = w * c.Volatility
		result.Diagnostics.ExpectedReturn = w * analytics.Mean(c.Returns) * analytics.TradingDays
		result.Warnings = append(result.Warnings, "single eligible instrument, equal weight fallback")
		a.logger.Info("Allocation degenerate", "error", models.ErrAllocationDegenerate, "eligible", 1)
		return result
	}

	corr := correlationMatrix(eligible)

	var raw []float64
	switch method {
	case models.MethodKellyConstrained:
		raw = a.kellyConstrained(eligible, corr, &result.Diagnostics)
	case models.MethodRiskParity:
		raw = a.riskParity(eligible, corr)
	case models.MethodMVO:
		raw = a.meanVariance(eligible)
	default:
		raw = equalWeights(len(eligible))
		result.Warnings = append(result.Warnings, fmt.Sprintf("unknown method %q, using equal weight", method))
	}

	weights := capWeights(normalize(raw), a.cfg.MaxWeight)
	for i, c := range eligible {
		if weights[i] < a.cfg.MinWeight || weights[i] <= 0 {
			result.Diagnostics.Excluded[c.Symbol] = ReasonBelowMinWeight
			weights[i] = 0
			continue
		}
		result.Weights[c.Symbol] = weights[i]
	}

	a.fillDiagnostics(eligible, weights, corr, &result)
	return result
}

func (a *Allocator) filter(candidates []Candidate, excluded map[string]string) []Candidate {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Symbol < sorted[j].Symbol })

	var eligible []Candidate
	for _, c := range sorted {
		switch {
		case c.Robustness == nil && a.cfg.RequireRobustness:
			excluded[c.Symbol] = ReasonRobustnessUnknown
		case c.Robustness != nil && *c.Robustness < a.cfg.MinRobustness:
			excluded[c.Symbol] = ReasonRobustnessLow
		case len(c.Returns) < 2 || !(c.Volatility > 0) || math.IsNaN(c.Score) || math.IsNaN(c.Kelly):
			excluded[c.Symbol] = ReasonMissingData
		default:
			eligible = append(eligible, c)
		}
	}
	return eligible
}

func robustnessOf(c Candidate) float64 {
	if c.Robustness == nil {
		return neutralRobustness
	}
	return *c.Robustness
}

// kellyConstrained starts from score x Kelly, tilts by robustness and
// shrinks names by their worst correlation with any other eligible name.
func (a *Allocator) kellyConstrained(eligible []Candidate, corr [][]float64, diag *models.AllocationDiagnostics) []float64 {
	target := a.cfg.TargetCorrelation
	raw := make([]float64, len(eligible))
	for i, c := range eligible {
		raw[i] = c.Score / 100 * c.Kelly * (0.5 + robustnessOf(c))

		maxCorr := 0.0
		for j := range eligible {
			if j != i {
				maxCorr = math.Max(maxCorr, math.Abs(corr[i][j]))
			}
		}
		if maxCorr > target {
			penalty := 1 - (maxCorr-target)/(1-target)
			if maxCorr > highCorrelation {
				penalty *= 0.5
			}
			penalty = math.Max(0.1, penalty)
			raw[i] *= penalty
			if diag.CorrelationPenalties == nil {
				diag.CorrelationPenalties = make(map[string]float64)
			}
			diag.CorrelationPenalties[c.Symbol] = penalty
		}
	}
	return raw
}

func (a *Allocator) riskParity(eligible []Candidate, corr [][]float64) []float64 {
	target := a.cfg.TargetCorrelation
	raw := make([]float64, len(eligible))
	for i, c := range eligible {
		raw[i] = 1 / (c.Volatility + epsilon) * (0.5 + c.Score/100) * (0.7 + 0.3*robustnessOf(c))

		sum := 0.0
		for j := range eligible {
			if j != i {
				sum += math.Abs(corr[i][j])
			}
		}
		avg := sum / float64(len(eligible)-1)
		if avg > target {
			raw[i] *= math.Max(0.3, 1-(avg-target)/(1-target))
		}
	}
	return raw
}

// meanVariance blends equal weight 50/50 with a tilt towards the best
// score-implied Sharpe ratios.
func (a *Allocator) meanVariance(eligible []Candidate) []float64 {
	n := len(eligible)
	sharpes := make([]float64, n)
	total := 0.0
	for i, c := range eligible {
		expected := c.Score / 100 * maxExpectedReturn * robustnessOf(c)
		sharpes[i] = math.Max(0, (expected-a.cfg.RiskFreeRate)/(c.Volatility+epsilon))
		total += sharpes[i]
	}
	raw := make([]float64, n)
	for i := range raw {
		raw[i] = 0.5 / float64(n)
		if total > 0 {
			raw[i] += 0.5 * sharpes[i] / total
		}
	}
	return raw
}

func (a *Allocator) fillDiagnostics(eligible []Candidate, weights []float64, corr [][]float64, result *models.AllocationResult) {
	diag := &result.Diagnostics
	n := len(eligible)

	expected := 0.0
	for i := 0; i < n; i++ {
		expected += weights[i] * analytics.Mean(eligible[i].Returns) * analytics.TradingDays
	}
	vol := math.Sqrt(math.Max(0, portfolioVariance(eligible, weights, corr)))

	pairs, sumCorr := 0, 0.0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sumCorr += math.Abs(corr[i][j])
			pairs++
		}
	}
	if pairs > 0 {
		diag.DiversificationScore = 1 - sumCorr/float64(pairs)
	}

	diag.ExpectedReturn = expected
	diag.ExpectedVolatility = vol
	if vol > 0 {
		diag.SharpeRatio = (expected - a.cfg.RiskFreeRate) / vol
	}
	diag.MaxDrawdownEstimate = 2.5 * vol
	diag.CashWeight = math.Max(0, 1-result.TotalWeight())

	if diag.DiversificationScore < 0.3 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("low diversification (score %.2f), portfolio may be over-concentrated", diag.DiversificationScore))
	}
	if vol > 0.30 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("high portfolio volatility (%.1f%%)", vol*100))
	}
	for _, w := range result.Weights {
		if w > 0.20 {
			result.Warnings = append(result.Warnings, "large position size detected, consider reducing concentration")
			break
		}
	}
}

// portfolioVariance returns w'Σw with Σ built from the candidate
// volatilities and corr.
func portfolioVariance(eligible []Candidate, weights []float64, corr [][]float64) float64 {
	n := len(eligible)
	if n == 0 {
		return 0
	}
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, eligible[i].Volatility*eligible[j].Volatility*corr[i][j])
		}
	}
	w := mat.NewVecDense(n, append([]float64(nil), weights[:n]...))
	return mat.Inner(w, cov, w)
}

// correlationMatrix correlates the trailing overlap of every pair of
// return series. The diagonal is 1.
func correlationMatrix(eligible []Candidate) [][]float64 {
	n := len(eligible)
	corr := make([][]float64, n)
	for i := range corr {
		corr[i] = make([]float64, n)
		corr[i][i] = 1
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			x, y := overlap(eligible[i].Returns, eligible[j].Returns)
			c := analytics.Correlation(x, y)
			if math.IsNaN(c) {
				c = 0
			}
			corr[i][j], corr[j][i] = c, c
		}
	}
	return corr
}

func overlap(x, y []float64) ([]float64, []float64) {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	return x[len(x)-n:], y[len(y)-n:]
}

func equalWeights(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1 / float64(n)
	}
	return out
}

func normalize(raw []float64) []float64 {
	total := 0.0
	for _, w := range raw {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return equalWeights(len(raw))
	}
	out := make([]float64, len(raw))
	for i, w := range raw {
		if w > 0 {
			out[i] = w / total
		}
	}
	return out
}

// capWeights clips weights to maxWeight and hands the excess to names still
// under the cap in proportion to their weight. Whatever cannot be placed
// stays in cash, so the result never sums above one.
func capWeights(weights []float64, maxWeight float64) []float64 {
	out := append([]float64(nil), weights...)
	for iter := 0; iter < len(out); iter++ {
		excess, room := 0.0, 0.0
		for i, w := range out {
			if w > maxWeight {
				excess += w - maxWeight
				out[i] = maxWeight
			} else if w > 0 && w < maxWeight {
				room += w
			}
		}
		if excess <= epsilon || room <= 0 {
			break
		}
		for i, w := range out {
			if w > 0 && w < maxWeight {
				out[i] = w + excess*w/room
			}
		}
	}
	for i := range out {
		out[i] = math.Min(out[i], maxWeight)
	}
	return out
}
