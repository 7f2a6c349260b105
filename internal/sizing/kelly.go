// Package sizing turns historical return samples into bounded
// fractional-Kelly position sizes.
package sizing

import (
	"log/slog"
	"math"

	"github.com/irfndi/celebrum-quant/internal/analytics"
	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/logging"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/timeseries"
)

// Used when a sample has no wins or no losses.
const (
	defaultAvgWin  = 0.02
	defaultAvgLoss = 0.01
)

// Fallback reasons.
const (
	ReasonTooFewObservations = "too_few_observations"
	ReasonZeroVariance       = "zero_variance"
)

// Sizer computes fractional-Kelly position sizes.
type Sizer struct {
	cfg    config.SizingConfig
	logger *slog.Logger
}

// NewSizer creates a Sizer.
func NewSizer(cfg config.SizingConfig, logger *logging.StandardLogger) *Sizer {
	l := slog.Default()
	if logger != nil {
		l = logger.WithComponent("sizing")
	}
	return &Sizer{cfg: cfg, logger: l}
}

// SizePosition sizes a position from a sample of periodic returns.
// The recommended fraction is never negative and never above the cap.
func (s *Sizer) SizePosition(symbol string, returns []float64) models.KellyResult {
	clean := make([]float64, 0, len(returns))
	for _, r := range returns {
		if !math.IsNaN(r) && !math.IsInf(r, 0) {
			clean = append(clean, r)
		}
	}

	result := models.KellyResult{Symbol: symbol, Observations: len(clean)}
	if len(clean) < s.cfg.MinObservations {
		return s.fallback(result, ReasonTooFewObservations)
	}
	if analytics.StdDev(clean) == 0 {
		return s.fallback(result, ReasonZeroVariance)
	}

	var wins, losses []float64
	for _, r := range clean {
		if r > 0 {
			wins = append(wins, r)
		} else if r < 0 {
			losses = append(losses, -r)
		}
	}

	p := float64(len(wins)) / float64(len(clean))
	avgWin, avgLoss := defaultAvgWin, defaultAvgLoss
	if len(wins) > 0 {
		avgWin = analytics.Mean(wins)
	}
	if len(losses) > 0 {
		avgLoss = analytics.Mean(losses)
	}
	b := avgWin / avgLoss

	result.WinRate = p
	result.WinLossRatio = b
	result.FullKelly = (p*b - (1 - p)) / b
	result.Recommended = analytics.Clamp(s.cfg.Fraction*result.FullKelly, 0, s.cfg.Cap)
	return result
}

// SizeView sizes a position from the last lookback daily returns visible
// in v.
func (s *Sizer) SizeView(v timeseries.View, lookback int) models.KellyResult {
	returns := v.Returns()
	if lookback > 0 && len(returns) > lookback {
		returns = returns[len(returns)-lookback:]
	}
	return s.SizePosition(v.Symbol(), returns)
}

func (s *Sizer) fallback(result models.KellyResult, reason string) models.KellyResult {
	result.Fallback = true
	result.FallbackReason = reason
	result.Recommended = math.Min(s.cfg.DefaultFraction, s.cfg.Cap)
	s.logger.Warn("Kelly sizing fell back to default fraction",
		"symbol", result.Symbol,
		"reason", reason,
		"observations", result.Observations,
		"fraction", result.Recommended)
	return result
}
