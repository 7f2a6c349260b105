package governance

import (
	"sort"
	"time"

	"github.com/irfndi/celebrum-quant/internal/analytics"
	"github.com/irfndi/celebrum-quant/internal/models"
)

// calmarCap bounds the Calmar ratio of a sample without any drawdown.
const calmarCap = 100

// BuildPerformance aggregates the outcomes of mode closed in [start, end).
// Per-signal returns are annualised with 252 periods.
func BuildPerformance(mode models.Mode, outcomes []models.TradeOutcome, start, end time.Time) models.StrategyPerformance {
	perf := models.StrategyPerformance{Mode: mode, WindowStart: start, WindowEnd: end}

	var picked []models.TradeOutcome
	for _, o := range outcomes {
		if o.Mode != mode || o.ExitTime.Before(start) || !o.ExitTime.Before(end) {
			continue
		}
		picked = append(picked, o)
	}
	sort.SliceStable(picked, func(a, b int) bool { return picked[a].ExitTime.Before(picked[b].ExitTime) })

	perf.Signals = len(picked)
	if perf.Signals == 0 {
		return perf
	}

	returns := make([]float64, len(picked))
	wins := 0
	perf.WorstLoss = picked[0].Return
	for i, o := range picked {
		returns[i] = o.Return
		if o.Return > 0 {
			wins++
		}
		perf.WorstLoss = min(perf.WorstLoss, o.Return)
	}

	perf.WinRate = float64(wins) / float64(len(returns))
	perf.AvgPnL = analytics.Mean(returns)
	perf.Sharpe = analytics.Sharpe(returns, analytics.TradingDays)
	perf.MaxDrawdown = analytics.MaxDrawdown(analytics.EquityCurve(returns))

	annual := perf.AvgPnL * analytics.TradingDays
	switch {
	case perf.MaxDrawdown < 0:
		perf.Calmar = min(annual/-perf.MaxDrawdown, calmarCap)
	case annual > 0:
		perf.Calmar = calmarCap
	}
	return perf
}
