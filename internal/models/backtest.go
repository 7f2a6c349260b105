package models

import "time"

// EquityPoint is one point of a backtest equity curve.
type EquityPoint struct {
	Date   time.Time `json:"date"`
	Equity float64   `json:"equity"`
	Return float64   `json:"return"`
	Regime string    `json:"regime"`
	Cash   bool      `json:"cash"`
}

// SkippedWindow records a rebalance that produced no period return.
type SkippedWindow struct {
	Date   time.Time `json:"date"`
	Reason string    `json:"reason"`
}

// RobustnessReturnPair links a robustness score to the forward return that followed.
type RobustnessReturnPair struct {
	Symbol        string    `json:"symbol"`
	Date          time.Time `json:"date"`
	Robustness    float64   `json:"robustness"`
	ForwardReturn float64   `json:"forward_return"`
}

// ICSummary aggregates per-date information coefficients.
type ICSummary struct {
	Mean    float64   `json:"mean"`
	StdDev  float64   `json:"std_dev"`
	TStat   float64   `json:"t_stat"`
	HitRate float64   `json:"hit_rate"`
	Dates   int       `json:"dates"`
	Series  []float64 `json:"series"`
}

// ConfidenceInterval is a bootstrap estimate with a two-sided band.
type ConfidenceInterval struct {
	Statistic  string  `json:"statistic"`
	Estimate   float64 `json:"estimate"`
	Lower      float64 `json:"lower"`
	Upper      float64 `json:"upper"`
	Confidence float64 `json:"confidence"`
	Resamples  int     `json:"resamples"`
	SampleSize int     `json:"sample_size"`
}

// Width returns Upper - Lower.
func (c ConfidenceInterval) Width() float64 {
	return c.Upper - c.Lower
}

// SafetyAlpha compares the regime-aware run with an always-invested control run.
type SafetyAlpha struct {
	AnnualReturnDelta float64 `json:"annual_return_delta"`
	MaxDrawdownDelta  float64 `json:"max_drawdown_delta"`
	ControlReturn     float64 `json:"control_annual_return"`
	ControlDrawdown   float64 `json:"control_max_drawdown"`
	CashPeriods       int     `json:"cash_periods"`
}

// BacktestResult is the immutable outcome of a walk-forward run.
type BacktestResult struct {
	RunID               string                 `json:"run_id"`
	Start               time.Time              `json:"start"`
	End                 time.Time              `json:"end"`
	AnnualReturn        float64                `json:"annual_return"`
	AnnualVolatility    float64                `json:"annual_volatility"`
	SharpeRatio         float64                `json:"sharpe_ratio"`
	MaxDrawdown         float64                `json:"max_drawdown"`
	CalmarRatio         float64                `json:"calmar_ratio"`
	Alpha               *float64               `json:"alpha"`
	InformationRatio    *float64               `json:"information_ratio"`
	WinRate             float64                `json:"win_rate"`
	Periods             int                    `json:"periods"`
	TotalCost           float64                `json:"total_cost"`
	IC                  ICSummary              `json:"ic"`
	ReturnCI            ConfidenceInterval     `json:"return_ci"`
	Safety              *SafetyAlpha           `json:"safety_alpha,omitempty"`
	RobustnessVsReturns []RobustnessReturnPair `json:"robustness_vs_returns"`
	HighRobustnessMean  *float64               `json:"high_robustness_mean_return"`
	LowRobustnessMean   *float64               `json:"low_robustness_mean_return"`
	Skipped             []SkippedWindow        `json:"skipped_windows"`
	MissingReturns      int                    `json:"missing_returns"`
	EquityCurve         []EquityPoint          `json:"equity_curve"`
	Recommendation      string                 `json:"recommendation"`
}
