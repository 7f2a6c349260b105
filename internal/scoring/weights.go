package scoring

import "github.com/irfndi/celebrum-quant/internal/models"

// Weights are the regime-dependent blend of the four components.
type Weights struct {
	Trend        float64
	Fundamentals float64
	CapitalFlow  float64
	Risk         float64
}

var regimeWeights = map[models.RegimeState]Weights{
	models.RegimeExpansion: {Trend: 0.25, Fundamentals: 0.40, CapitalFlow: 0.20, Risk: 0.15},
	models.RegimeParabolic: {Trend: 0.45, Fundamentals: 0.15, CapitalFlow: 0.30, Risk: 0.10},
	models.RegimeDeflation: {Trend: 0.20, Fundamentals: 0.30, CapitalFlow: 0.15, Risk: 0.35},
	models.RegimeCrisis:    {Trend: 0.10, Fundamentals: 0.10, CapitalFlow: 0.10, Risk: 0.70},
}

var defaultWeights = Weights{Trend: 0.30, Fundamentals: 0.30, CapitalFlow: 0.25, Risk: 0.15}

// WeightsFor returns the component weights used in a regime.
func WeightsFor(regime models.RegimeState) Weights {
	if w, ok := regimeWeights[regime]; ok {
		return w
	}
	return defaultWeights
}

// Composite blends component scores. Without fundamentals the F weight is
// dropped and the others renormalised. Interaction adjustments are applied
// afterwards and the result is clipped to [0, 100].
func Composite(c models.ScoreComponents, hasFundamentals bool, w Weights) float64 {
	total := w.Trend + w.CapitalFlow + w.Risk
	sum := w.Trend*c.Trend + w.CapitalFlow*c.CapitalFlow + w.Risk*c.Risk
	if hasFundamentals {
		total += w.Fundamentals
		sum += w.Fundamentals * c.Fundamentals
	}
	if total <= 0 {
		return 50
	}
	score := sum / total

	if c.Trend > 70 && c.CapitalFlow < 40 {
		score *= 0.85
	}
	if hasFundamentals && c.Fundamentals < 25 {
		score *= 0.5
	}
	if hasFundamentals && c.Trend > 70 && c.Fundamentals > 70 {
		score *= 1.15
	}

	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}
