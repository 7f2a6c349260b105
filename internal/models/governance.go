package models

import "time"

// StrategyStatus is the lifecycle status of a live strategy.
type StrategyStatus string

const (
	StatusActive  StrategyStatus = "ACTIVE"
	StatusWatch   StrategyStatus = "WATCH"
	StatusReview  StrategyStatus = "REVIEW"
	StatusPaused  StrategyStatus = "PAUSED"
	StatusRetired StrategyStatus = "RETIRED"
)

// KPIStatus grades a single KPI against its minimum and target.
type KPIStatus string

const (
	KPIPass  KPIStatus = "PASS"
	KPIWatch KPIStatus = "WATCH"
	KPIFail  KPIStatus = "FAIL"
)

// KPI names.
const (
	KPISharpe      = "sharpe"
	KPIWinRate     = "win_rate"
	KPIMaxDrawdown = "max_drawdown"
	KPIAvgPnL      = "avg_pnl_per_signal"
	KPIWorstLoss   = "worst_loss"
	KPICalmar      = "calmar"
)

// StrategyPerformance aggregates the evaluated signals of one mode.
type StrategyPerformance struct {
	Mode        Mode      `json:"mode"`
	Signals     int       `json:"signals"`
	Sharpe      float64   `json:"sharpe"`
	WinRate     float64   `json:"win_rate"`
	MaxDrawdown float64   `json:"max_drawdown"`
	AvgPnL      float64   `json:"avg_pnl_per_signal"`
	WorstLoss   float64   `json:"worst_loss"`
	Calmar      float64   `json:"calmar"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// StrategyHealth classifies a StrategyPerformance.
type StrategyHealth struct {
	Mode             Mode                 `json:"mode"`
	Score            float64              `json:"score"`
	Status           StrategyStatus       `json:"status"`
	KPIStatus        map[string]KPIStatus `json:"kpi_status"`
	Issues           []string             `json:"issues"`
	Recommendations  []string             `json:"recommendations"`
	InsufficientData bool                 `json:"insufficient_data"`
	EvaluatedAt      time.Time            `json:"evaluated_at"`
}
