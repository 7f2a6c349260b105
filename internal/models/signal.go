package models

import (
	"sort"
	"time"
)

// ScoreComponents holds the 0-100 sub-scores that feed a composite score.
type ScoreComponents struct {
	Trend        float64 `json:"trend"`
	Fundamentals float64 `json:"fundamentals"`
	CapitalFlow  float64 `json:"capital_flow"`
	Risk         float64 `json:"risk"`
}

// ScoreRecord is the composite score of one instrument on one date.
// Robustness is nil until enough history exists; nil means unknown, not zero.
type ScoreRecord struct {
	Symbol     string          `json:"symbol"`
	AsOf       time.Time       `json:"as_of"`
	Composite  float64         `json:"composite_score"`
	Robustness *float64        `json:"regime_robustness_score"`
	Components ScoreComponents `json:"components"`
	Regime     RegimeState     `json:"regime"`
}

// HasRobustness reports whether the robustness score is known.
func (s ScoreRecord) HasRobustness() bool {
	return s.Robustness != nil
}

// RobustnessOr returns the robustness score, or fallback when unknown.
func (s ScoreRecord) RobustnessOr(fallback float64) float64 {
	if s.Robustness == nil {
		return fallback
	}
	return *s.Robustness
}

// KellyResult is a bounded fractional-Kelly position size.
type KellyResult struct {
	Symbol         string  `json:"symbol"`
	FullKelly      float64 `json:"full_kelly"`
	Recommended    float64 `json:"recommended_fraction"`
	WinRate        float64 `json:"win_rate"`
	WinLossRatio   float64 `json:"win_loss_ratio"`
	Observations   int     `json:"observations"`
	Fallback       bool    `json:"fallback"`
	FallbackReason string  `json:"fallback_reason,omitempty"`
}

// AllocationMethod names a portfolio construction method.
type AllocationMethod string

const (
	MethodKellyConstrained AllocationMethod = "kelly_constrained"
	MethodRiskParity       AllocationMethod = "risk_parity"
	MethodMVO              AllocationMethod = "mvo"
)

// AllocationDiagnostics explains how an allocation was produced.
type AllocationDiagnostics struct {
	CorrelationPenalties map[string]float64 `json:"correlation_penalties,omitempty"`
	Excluded             map[string]string  `json:"excluded,omitempty"`
	Degenerate           bool               `json:"degenerate"`
	CashWeight           float64            `json:"cash_weight"`
	ExpectedReturn       float64            `json:"expected_return"`
	ExpectedVolatility   float64            `json:"expected_volatility"`
	SharpeRatio          float64            `json:"sharpe_ratio"`
	MaxDrawdownEstimate  float64            `json:"max_drawdown_estimate"`
	DiversificationScore float64            `json:"diversification_score"`
}

// AllocationResult is a constrained weight vector.
// Weights are non-negative, sum to at most 1, and never exceed the cap.
type AllocationResult struct {
	Weights     map[string]float64    `json:"weights"`
	Method      AllocationMethod      `json:"method"`
	Diagnostics AllocationDiagnostics `json:"diagnostics"`
	Warnings    []string              `json:"warnings,omitempty"`
}

// TotalWeight returns the invested fraction, summed in symbol order so the
// result is reproducible.
func (a AllocationResult) TotalWeight() float64 {
	total := 0.0
	for _, symbol := range a.Symbols() {
		total += a.Weights[symbol]
	}
	return total
}

// Symbols returns the allocated symbols in sorted order.
func (a AllocationResult) Symbols() []string {
	out := make([]string, 0, len(a.Weights))
	for symbol := range a.Weights {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}
