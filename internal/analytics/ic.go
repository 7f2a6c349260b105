package analytics

import (
	"math"

	"github.com/irfndi/celebrum-quant/internal/models"
)

// InformationCoefficient is the rank correlation between scores and the
// forward returns that followed them on one date. Fewer than three pairs
// give no IC.
func InformationCoefficient(scores, forwardReturns []float64) (float64, bool) {
	if len(scores) != len(forwardReturns) || len(scores) < 3 {
		return 0, false
	}
	return SpearmanCorrelation(scores, forwardReturns), true
}

// SummarizeIC averages per-date ICs and reports their t-statistic and hit rate.
func SummarizeIC(series []float64) models.ICSummary {
	summary := models.ICSummary{
		Dates:  len(series),
		Series: append([]float64(nil), series...),
	}
	if len(series) == 0 {
		return summary
	}
	summary.Mean = Mean(series)
	summary.StdDev = StdDev(series)
	if summary.StdDev > 0 {
		summary.TStat = summary.Mean / (summary.StdDev / math.Sqrt(float64(len(series))))
	}
	positive := 0
	for _, ic := range series {
		if ic > 0 {
			positive++
		}
	}
	summary.HitRate = float64(positive) / float64(len(series))
	return summary
}
