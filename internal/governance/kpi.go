package governance

import (
	"math"

	"github.com/irfndi/celebrum-quant/internal/models"
)

// Threshold is the minimum and target of one KPI. For LowerIsBetter KPIs
// both bounds are upper limits.
type Threshold struct {
	Min           float64 `json:"min"`
	Target        float64 `json:"target"`
	LowerIsBetter bool    `json:"lower_is_better,omitempty"`
}

// Grade classifies v against the threshold.
func (t Threshold) Grade(v float64) models.KPIStatus {
	if math.IsNaN(v) {
		return models.KPIFail
	}
	if t.LowerIsBetter {
		switch {
		case v <= t.Target:
			return models.KPIPass
		case v <= t.Min:
			return models.KPIWatch
		}
		return models.KPIFail
	}
	switch {
	case v >= t.Target:
		return models.KPIPass
	case v >= t.Min:
		return models.KPIWatch
	}
	return models.KPIFail
}

// KPIOrder is the order KPIs are graded and reported in.
var KPIOrder = []string{
	models.KPISharpe,
	models.KPIWinRate,
	models.KPIMaxDrawdown,
	models.KPIAvgPnL,
	models.KPIWorstLoss,
	models.KPICalmar,
}

// DefaultThresholds returns the KPI table per mode.
func DefaultThresholds() map[models.Mode]map[string]Threshold {
	return map[models.Mode]map[string]Threshold{
		models.ModeSafe: {
			models.KPISharpe:      {Min: 1.0, Target: 1.5},
			models.KPIWinRate:     {Min: 0.50, Target: 0.55},
			models.KPIMaxDrawdown: {Min: 0.15, Target: 0.10, LowerIsBetter: true},
			models.KPIAvgPnL:      {Min: 0.002, Target: 0.005},
			models.KPIWorstLoss:   {Min: -0.05, Target: -0.03},
			models.KPICalmar:      {Min: 1.0, Target: 2.0},
		},
		models.ModeAggressive: {
			models.KPISharpe:      {Min: 0.8, Target: 1.2},
			models.KPIWinRate:     {Min: 0.45, Target: 0.50},
			models.KPIMaxDrawdown: {Min: 0.25, Target: 0.18, LowerIsBetter: true},
			models.KPIAvgPnL:      {Min: 0.004, Target: 0.010},
			models.KPIWorstLoss:   {Min: -0.10, Target: -0.06},
			models.KPICalmar:      {Min: 0.8, Target: 1.5},
		},
	}
}

func kpiValue(p models.StrategyPerformance, kpi string) float64 {
	switch kpi {
	case models.KPISharpe:
		return p.Sharpe
	case models.KPIWinRate:
		return p.WinRate
	case models.KPIMaxDrawdown:
		return math.Abs(p.MaxDrawdown)
	case models.KPIAvgPnL:
		return p.AvgPnL
	case models.KPIWorstLoss:
		return p.WorstLoss
	case models.KPICalmar:
		return p.Calmar
	}
	return math.NaN()
}

var kpiAdvice = map[string]string{
	models.KPISharpe:      "Tighten entry filters to improve risk-adjusted returns",
	models.KPIWinRate:     "Review signal quality; too many losing signals",
	models.KPIMaxDrawdown: "Reduce position sizes or add regime-based de-risking",
	models.KPIAvgPnL:      "Revisit exit rules; average signal PnL is too small",
	models.KPIWorstLoss:   "Enforce stop losses; single-trade losses are too large",
	models.KPICalmar:      "Returns do not compensate for drawdowns; lower exposure",
}
