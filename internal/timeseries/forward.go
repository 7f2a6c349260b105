package timeseries

import (
	"sort"
	"time"

	"github.com/irfndi/celebrum-quant/internal/models"
)

// ForwardReturn is the return from the last close before t to the close
// horizon bars later. It is the only place where bars at or after t are read,
// and it is used exclusively for realised outcomes, never for signals.
func ForwardReturn(series models.PriceSeries, t time.Time, horizon int) (float64, bool) {
	if horizon < 1 {
		return 0, false
	}
	first := sort.Search(len(series.Bars), func(i int) bool {
		return !series.Bars[i].Timestamp.Before(t)
	})
	if first == 0 {
		return 0, false
	}
	exit := first + horizon - 1
	if exit >= len(series.Bars) {
		return 0, false
	}
	entry := series.Bars[first-1].Close
	if entry <= 0 {
		return 0, false
	}
	return series.Bars[exit].Close/entry - 1, true
}

// PeriodReturn is the close-to-close return between the last bar before start
// and the last bar before end.
func PeriodReturn(series models.PriceSeries, start, end time.Time) (float64, bool) {
	from, ok := AsOf(series, start).Last()
	if !ok {
		return 0, false
	}
	to, ok := AsOf(series, end).Last()
	if !ok || from.Close <= 0 || !to.Timestamp.After(from.Timestamp) {
		return 0, false
	}
	return to.Close/from.Close - 1, true
}

// MissingBars counts calendar dates in the last window bars of calendar that
// have no matching bar in v.
func MissingBars(v View, calendar View, window int) int {
	cal := calendar.Tail(window)
	if cal.Empty() {
		return 0
	}
	have := make(map[int64]struct{}, v.Len())
	for i := 0; i < v.Len(); i++ {
		have[dayKey(v.Bar(i).Timestamp)] = struct{}{}
	}
	missing := 0
	for i := 0; i < cal.Len(); i++ {
		if _, ok := have[dayKey(cal.Bar(i).Timestamp)]; !ok {
			missing++
		}
	}
	return missing
}

func dayKey(t time.Time) int64 {
	y, m, d := t.UTC().Date()
	return int64(y)*10000 + int64(m)*100 + int64(d)
}

// RebalanceDates returns every step-th calendar timestamp in [from, to).
func RebalanceDates(calendar models.PriceSeries, from, to time.Time, step int) []time.Time {
	if step < 1 {
		step = 1
	}
	var out []time.Time
	count := 0
	for _, b := range calendar.Bars {
		if b.Timestamp.Before(from) || !b.Timestamp.Before(to) {
			continue
		}
		if count%step == 0 {
			out = append(out, b.Timestamp)
		}
		count++
	}
	return out
}
