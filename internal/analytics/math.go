// Package analytics holds the statistics shared by scoring, sizing,
// allocation and backtesting.
package analytics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// TradingDays is the annualisation factor for daily data.
const TradingDays = 252.0

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// StdDev returns the sample standard deviation (n-1).
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return stat.StdDev(values, nil)
}

// PopStdDev returns the population standard deviation (n).
func PopStdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	_, sd := stat.PopMeanStdDev(values, nil)
	return sd
}

// Median returns the median without modifying values.
func Median(values []float64) float64 {
	return Quantile(values, 0.5)
}

// Quantile returns the q-quantile using linear interpolation between order statistics.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return quantileSorted(sorted, q)
}

func quantileSorted(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	q = Clamp(q, 0, 1)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// PercentileRank returns the fraction of values strictly below x.
func PercentileRank(values []float64, x float64) float64 {
	if len(values) == 0 {
		return 0.5
	}
	below := 0
	for _, v := range values {
		if v < x {
			below++
		}
	}
	return float64(below) / float64(len(values))
}

// Correlation returns the Pearson correlation clamped to [-1, 1]. Inputs of
// unequal length, fewer than two points or zero variance give 0.
func Correlation(x, y []float64) float64 {
	if len(x) < 2 || len(y) != len(x) {
		return 0
	}
	c := stat.Correlation(x, y, nil)
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return 0
	}
	return Clamp(c, -1, 1)
}

// SpearmanCorrelation returns the rank correlation of x and y.
func SpearmanCorrelation(x, y []float64) float64 {
	if len(x) != len(y) || len(x) < 2 {
		return 0
	}
	return Correlation(Ranks(x), Ranks(y))
}

// Ranks returns average ranks (1-based) with ties sharing their mean rank.
func Ranks(values []float64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	ranks := make([]float64, len(values))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}
	return ranks
}

// ZScores standardises values cross-sectionally and clips them to ±clip.
// A zero-dispersion input maps to all zeros.
func ZScores(values []float64, clip float64) []float64 {
	out := make([]float64, len(values))
	if len(values) < 2 {
		return out
	}
	mean := Mean(values)
	sd := PopStdDev(values)
	if sd == 0 || math.IsNaN(sd) {
		return out
	}
	for i, v := range values {
		out[i] = Clamp((v-mean)/sd, -clip, clip)
	}
	return out
}

// ZToScore maps a z-score clipped at ±3 onto 0-100 with 50 at the mean.
func ZToScore(z float64) float64 {
	return Clamp(50+Clamp(z, -3, 3)/3*50, 0, 100)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RollingStdDev returns the sample standard deviation of each trailing window.
// The output has len(values)-window+1 entries.
func RollingStdDev(values []float64, window int) []float64 {
	if window < 2 || len(values) < window {
		return nil
	}
	out := make([]float64, 0, len(values)-window+1)
	for i := window; i <= len(values); i++ {
		out = append(out, StdDev(values[i-window:i]))
	}
	return out
}

// AnnualizedVolatility scales the daily standard deviation by sqrt(252).
func AnnualizedVolatility(returns []float64) float64 {
	return StdDev(returns) * math.Sqrt(TradingDays)
}

// MaxDrawdown returns the deepest peak-to-trough decline of an equity path
// as a non-positive fraction.
func MaxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	worst := 0.0
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			dd := e/peak - 1
			if dd < worst {
				worst = dd
			}
		}
	}
	return worst
}

// EquityCurve compounds returns starting at 1.
func EquityCurve(returns []float64) []float64 {
	out := make([]float64, len(returns)+1)
	out[0] = 1
	for i, r := range returns {
		out[i+1] = out[i] * (1 + r)
	}
	return out
}

// Sharpe returns mean/std scaled by sqrt(periodsPerYear); 0 when undefined.
func Sharpe(returns []float64, periodsPerYear float64) float64 {
	sd := StdDev(returns)
	if sd == 0 {
		return 0
	}
	return Mean(returns) / sd * math.Sqrt(periodsPerYear)
}
