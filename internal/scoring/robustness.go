package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/irfndi/celebrum-quant/internal/analytics"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/regime"
	"github.com/irfndi/celebrum-quant/internal/timeseries"
)

// minRegimeObservations is the number of returns a regime needs before its
// Sharpe counts towards robustness.
const minRegimeObservations = 10

// RegimeCalendar labels benchmark history with the regime detected at
// every step-th bar. Each label holds until the next one.
type RegimeCalendar struct {
	starts []time.Time
	labels []models.RegimeState
}

// BuildCalendar labels the benchmark strictly before asOf.
func BuildCalendar(detector *regime.Detector, benchmark, volatility models.PriceSeries, asOf time.Time, minWindow, step int) RegimeCalendar {
	if step < 1 {
		step = 1
	}
	view := timeseries.AsOf(benchmark, asOf)
	var cal RegimeCalendar
	for i := minWindow; i < view.Len(); i += step {
		t := view.Bar(i).Timestamp
		state, err := detector.DetectAt(benchmark, volatility, t)
		if err != nil {
			continue
		}
		cal.starts = append(cal.starts, t)
		cal.labels = append(cal.labels, state)
	}
	return cal
}

// At returns the regime in force at t, or RegimeUnknown before the first label.
func (c RegimeCalendar) At(t time.Time) models.RegimeState {
	i := sort.Search(len(c.starts), func(i int) bool { return c.starts[i].After(t) })
	if i == 0 {
		return models.RegimeUnknown
	}
	return c.labels[i-1]
}

// Len returns the number of labels.
func (c RegimeCalendar) Len() int { return len(c.starts) }

// robustnessFromCalendar is 1/(1+CV) of per-regime Sharpe ratios. It returns
// nil when fewer than minHistory bars or fewer than two qualifying regimes
// are available. A non-positive mean Sharpe yields 0.
func robustnessFromCalendar(series models.PriceSeries, cal RegimeCalendar, asOf time.Time, minHistory int) *float64 {
	v := timeseries.AsOf(series, asOf)
	if v.Len() < minHistory || cal.Len() == 0 {
		return nil
	}

	buckets := make(map[models.RegimeState][]float64)
	for i := 1; i < v.Len(); i++ {
		prev, cur := v.Bar(i-1), v.Bar(i)
		if prev.Close <= 0 {
			continue
		}
		state := cal.At(cur.Timestamp)
		if state == models.RegimeUnknown {
			continue
		}
		buckets[state] = append(buckets[state], cur.Close/prev.Close-1)
	}

	var sharpes []float64
	for _, state := range models.AllRegimes {
		rets := buckets[state]
		if len(rets) <= minRegimeObservations {
			continue
		}
		sd := analytics.StdDev(rets)
		if sd == 0 {
			continue
		}
		sharpes = append(sharpes, analytics.Mean(rets)/sd*math.Sqrt(analytics.TradingDays))
	}
	if len(sharpes) < 2 {
		return nil
	}

	mean := analytics.Mean(sharpes)
	if mean <= 0 {
		zero := 0.0
		return &zero
	}
	cv := analytics.StdDev(sharpes) / math.Abs(mean)
	score := 1 / (1 + cv)
	return &score
}
