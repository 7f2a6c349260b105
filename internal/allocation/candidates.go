package allocation

import (
	"sort"

	"github.com/irfndi/celebrum-quant/internal/analytics"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/sizing"
	"github.com/irfndi/celebrum-quant/internal/timeseries"
)

// ReturnsLookback is the number of daily returns used for Kelly sizing,
// volatility and correlation.
const ReturnsLookback = 126

// TopN returns the n highest composite scores, ties broken by symbol.
func TopN(records map[string]models.ScoreRecord, n int) []models.ScoreRecord {
	out := make([]models.ScoreRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Composite != out[j].Composite {
			return out[i].Composite > out[j].Composite
		}
		return out[i].Symbol < out[j].Symbol
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// BuildCandidates sizes each record with the sizer and attaches the trailing
// returns and annualised volatility visible in its view. Records without a
// view are skipped.
func BuildCandidates(records []models.ScoreRecord, views map[string]timeseries.View, sizer *sizing.Sizer) ([]Candidate, map[string]models.KellyResult) {
	candidates := make([]Candidate, 0, len(records))
	kelly := make(map[string]models.KellyResult, len(records))
	for _, r := range records {
		v, ok := views[r.Symbol]
		if !ok {
			continue
		}
		returns := v.Returns()
		if len(returns) > ReturnsLookback {
			returns = returns[len(returns)-ReturnsLookback:]
		}
		k := sizer.SizePosition(r.Symbol, returns)
		kelly[r.Symbol] = k
		candidates = append(candidates, Candidate{
			Symbol:     r.Symbol,
			Score:      r.Composite,
			Robustness: r.Robustness,
			Kelly:      k.Recommended,
			Volatility: analytics.AnnualizedVolatility(returns),
			Returns:    returns,
		})
	}
	return candidates, kelly
}
