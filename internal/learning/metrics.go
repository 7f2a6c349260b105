package learning

import (
	"math"
	"sort"
	"time"

	"github.com/irfndi/celebrum-quant/internal/analytics"
)

// AUC returns the area under the ROC curve using average ranks for ties.
// It is 0.5 when labels hold a single class.
func AUC(labels, scores []float64) float64 {
	ranks := analytics.Ranks(scores)
	var nPos, nNeg, rankSum float64
	for i, y := range labels {
		if y > 0.5 {
			nPos++
			rankSum += ranks[i]
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0.5
	}
	return (rankSum - nPos*(nPos+1)/2) / (nPos * nNeg)
}

// PrecisionAtRecall returns the precision of the highest threshold whose
// recall reaches target.
func PrecisionAtRecall(labels, scores []float64, target float64) float64 {
	idx := make([]int, len(scores))
	var nPos float64
	for i := range idx {
		idx[i] = i
		if labels[i] > 0.5 {
			nPos++
		}
	}
	if nPos == 0 {
		return 0
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	var tp float64
	for k, i := range idx {
		if labels[i] > 0.5 {
			tp++
		}
		// Thresholds only fall between distinct scores.
		if k+1 < len(idx) && scores[idx[k+1]] == scores[i] {
			continue
		}
		if tp/nPos >= target {
			return tp / float64(k+1)
		}
	}
	return tp / float64(len(idx))
}

// dayGroups buckets row indices by UTC calendar day in chronological order.
func dayGroups(days []time.Time) [][]int {
	byDay := make(map[time.Time][]int)
	var keys []time.Time
	for i, d := range days {
		k := d.UTC().Truncate(24 * time.Hour)
		if _, ok := byDay[k]; !ok {
			keys = append(keys, k)
		}
		byDay[k] = append(byDay[k], i)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].Before(keys[b]) })
	out := make([][]int, len(keys))
	for i, k := range keys {
		out[i] = byDay[k]
	}
	return out
}

func topK(rows []int, scores []float64, k int) []int {
	sorted := append([]int(nil), rows...)
	sort.SliceStable(sorted, func(a, b int) bool { return scores[sorted[a]] > scores[sorted[b]] })
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}

// PrecisionAtKByDay averages, over days, the hit rate of the k highest
// scored rows of each day.
func PrecisionAtKByDay(days []time.Time, labels, scores []float64, k int) float64 {
	groups := dayGroups(days)
	if len(groups) == 0 {
		return 0
	}
	var sum float64
	for _, rows := range groups {
		picks := topK(rows, scores, k)
		var hits float64
		for _, r := range picks {
			hits += labels[r]
		}
		sum += hits / float64(len(picks))
	}
	return sum / float64(len(groups))
}

// TopKCurve is the daily equal-weighted return of the k best scored rows.
type TopKCurve struct {
	AvgReturn   float64
	Sharpe      float64
	MaxDrawdown float64
}

// TopKEquity evaluates trading the k highest scored rows of each day.
func TopKEquity(days []time.Time, returns, scores []float64, k int) TopKCurve {
	groups := dayGroups(days)
	daily := make([]float64, 0, len(groups))
	for _, rows := range groups {
		picks := topK(rows, scores, k)
		var sum float64
		for _, r := range picks {
			sum += returns[r]
		}
		daily = append(daily, sum/float64(len(picks)))
	}
	if len(daily) == 0 {
		return TopKCurve{}
	}

	out := TopKCurve{
		AvgReturn:   analytics.Mean(daily),
		MaxDrawdown: analytics.MaxDrawdown(analytics.EquityCurve(daily)),
	}
	if len(daily) > 1 {
		out.Sharpe = out.AvgReturn / (analytics.PopStdDev(daily) + 1e-12) * math.Sqrt(analytics.TradingDays)
	}
	return out
}
