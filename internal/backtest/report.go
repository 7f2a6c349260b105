package backtest

import (
	"math"
	"sort"

	"github.com/creasty/defaults"
	"github.com/irfndi/celebrum-quant/internal/analytics"
	"github.com/irfndi/celebrum-quant/internal/models"
)

// HighRobustness splits robustness pairs into high and low buckets.
const HighRobustness = 0.7

// Recommendation texts.
const (
	RecommendExcellent    = "Excellent: strategy passes Sharpe, IC and robustness checks. Suitable for live allocation."
	RecommendModerate     = "Moderate: some checks fail. Review the failing metrics before trusting live allocations."
	RecommendPoor         = "Poor: most checks fail. Re-tune scoring parameters before going live."
	RecommendInsufficient = "Insufficient data: no rebalance periods were completed."
)

const (
	minSharpe = 1.0
	minIC     = 0.02
)

func icOf(scores, fwd []float64) (float64, bool) {
	return analytics.InformationCoefficient(scores, fwd)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type summary struct {
	annualReturn float64
	annualVol    float64
	sharpe       float64
	maxDrawdown  float64
}

func summarize(returns []float64, days int, periodsPerYear float64) summary {
	var s summary
	if len(returns) == 0 {
		return s
	}
	equity := analytics.EquityCurve(returns)
	final := equity[len(equity)-1]
	if days > 0 && final > 0 {
		s.annualReturn = math.Pow(final, analytics.TradingDays/float64(days)) - 1
	} else if final <= 0 {
		s.annualReturn = -1
	}
	s.annualVol = analytics.StdDev(returns) * math.Sqrt(periodsPerYear)
	s.sharpe = analytics.Sharpe(returns, periodsPerYear)
	s.maxDrawdown = analytics.MaxDrawdown(equity)
	return s
}

func (b *Backtester) finalize(r *run) *models.BacktestResult {
	result := &models.BacktestResult{
		RunID:   r.id,
		Start:   r.in.Start,
		End:     r.in.End,
		Periods: len(r.periods),
		Skipped: r.skipped,

		MissingReturns: r.missingReturns,
	}
	if result.Skipped == nil {
		result.Skipped = []models.SkippedWindow{}
	}
	result.RobustnessVsReturns = r.pairs
	if result.RobustnessVsReturns == nil {
		result.RobustnessVsReturns = []models.RobustnessReturnPair{}
	}
	result.IC = analytics.SummarizeIC(r.ics)
	result.HighRobustnessMean, result.LowRobustnessMean = robustnessSplit(r.pairs)

	if len(r.periods) == 0 {
		result.Recommendation = RecommendInsufficient
		return result
	}

	periodsPerYear := analytics.TradingDays / float64(b.cfg.RebalanceDays)
	returns := make([]float64, len(r.periods))
	control := make([]float64, len(r.periods))
	bench := make([]float64, 0, len(r.periods))
	days, cashPeriods, wins := 0, 0, 0
	equity := 1.0
	for i, p := range r.periods {
		returns[i] = p.ret
		control[i] = p.control
		days += p.days
		result.TotalCost += p.cost
		if p.cash {
			cashPeriods++
		}
		if p.ret > 0 {
			wins++
		}
		if p.hasBench {
			bench = append(bench, p.benchmark)
		}
		equity *= 1 + p.ret
		result.EquityCurve = append(result.EquityCurve, models.EquityPoint{
			Date:   p.date,
			Equity: equity,
			Return: p.ret,
			Regime: string(p.regime),
			Cash:   p.cash,
		})
	}

	s := summarize(returns, days, periodsPerYear)
	result.AnnualReturn = s.annualReturn
	result.AnnualVolatility = s.annualVol
	result.SharpeRatio = s.sharpe
	result.MaxDrawdown = s.maxDrawdown
	if s.maxDrawdown < 0 {
		result.CalmarRatio = s.annualReturn / math.Abs(s.maxDrawdown)
	}
	result.WinRate = float64(wins) / float64(len(returns))

	// Alpha and information ratio need a benchmark return for every period.
	if len(bench) == len(returns) {
		bs := summarize(bench, days, periodsPerYear)
		alpha := s.annualReturn - bs.annualReturn
		result.Alpha = &alpha
		active := make([]float64, len(returns))
		for i := range returns {
			active[i] = returns[i] - bench[i]
		}
		ir := analytics.Sharpe(active, periodsPerYear)
		result.InformationRatio = &ir
	}

	ci, err := analytics.Bootstrap(returns, b.bootstrapConfig())
	if err != nil {
		b.log.Debug("Bootstrap interval unavailable", "run_id", r.id, "error", err)
	}
	result.ReturnCI = ci

	if len(r.cashOut) > 0 {
		cs := summarize(control, days, periodsPerYear)
		result.Safety = &models.SafetyAlpha{
			AnnualReturnDelta: s.annualReturn - cs.annualReturn,
			MaxDrawdownDelta:  s.maxDrawdown - cs.maxDrawdown,
			ControlReturn:     cs.annualReturn,
			ControlDrawdown:   cs.maxDrawdown,
			CashPeriods:       cashPeriods,
		}
	}

	result.Recommendation = recommend(result)
	return result
}

// bootstrapConfig fills unset interval options from their defaults. The
// configured seed is always kept, including zero.
func (b *Backtester) bootstrapConfig() analytics.BootstrapConfig {
	boot := analytics.BootstrapConfig{
		Resamples:  b.cfg.Resamples,
		Confidence: b.cfg.Confidence,
		Statistic:  analytics.Statistic(b.cfg.Statistic),
	}
	if err := defaults.Set(&boot); err != nil {
		b.log.Warn("Failed to apply bootstrap defaults", "error", err)
	}
	boot.Seed = b.cfg.Seed
	return boot
}

func robustnessSplit(pairs []models.RobustnessReturnPair) (*float64, *float64) {
	var high, low []float64
	for _, p := range pairs {
		if p.Robustness >= HighRobustness {
			high = append(high, p.ForwardReturn)
		} else {
			low = append(low, p.ForwardReturn)
		}
	}
	var hi, lo *float64
	if len(high) > 0 {
		m := analytics.Mean(high)
		hi = &m
	}
	if len(low) > 0 {
		m := analytics.Mean(low)
		lo = &m
	}
	return hi, lo
}

// recommend grades a result on Sharpe, mean IC and the robustness spread.
func recommend(r *models.BacktestResult) string {
	passed, checks := 0, 3
	if r.SharpeRatio >= minSharpe {
		passed++
	}
	if r.IC.Mean > minIC {
		passed++
	}
	switch {
	case r.HighRobustnessMean != nil && r.LowRobustnessMean != nil:
		if *r.HighRobustnessMean > *r.LowRobustnessMean {
			passed++
		}
	default:
		checks--
	}
	rate := float64(passed) / float64(checks)
	switch {
	case rate >= 0.7:
		return RecommendExcellent
	case rate >= 0.5:
		return RecommendModerate
	default:
		return RecommendPoor
	}
}
