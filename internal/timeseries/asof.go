// Package timeseries provides point-in-time views over price series.
//
// A View is cursored at a date and only exposes bars strictly before it.
// There is no accessor that reaches past the cursor, so code that computes
// signals from a View cannot read future data.
package timeseries

import (
	"sort"
	"time"

	"github.com/irfndi/celebrum-quant/internal/models"
)

// View is a read-only, point-in-time window over a PriceSeries.
type View struct {
	symbol string
	cursor time.Time
	bars   []models.PriceBar
}

// AsOf returns the view of series containing only bars with timestamp < cursor.
func AsOf(series models.PriceSeries, cursor time.Time) View {
	n := sort.Search(len(series.Bars), func(i int) bool {
		return !series.Bars[i].Timestamp.Before(cursor)
	})
	return View{
		symbol: series.Symbol,
		cursor: cursor,
		bars:   series.Bars[:n:n],
	}
}

// Latest returns a view over the whole series, cursored just after its last bar.
func Latest(series models.PriceSeries) View {
	if len(series.Bars) == 0 {
		return View{symbol: series.Symbol}
	}
	last := series.Bars[len(series.Bars)-1].Timestamp
	return AsOf(series, last.Add(time.Nanosecond))
}

// Symbol returns the instrument symbol.
func (v View) Symbol() string { return v.symbol }

// Cursor returns the exclusive upper bound of the view.
func (v View) Cursor() time.Time { return v.cursor }

// Len returns the number of visible bars.
func (v View) Len() int { return len(v.bars) }

// Empty reports whether the view has no bars.
func (v View) Empty() bool { return len(v.bars) == 0 }

// Bar returns the i-th visible bar.
func (v View) Bar(i int) models.PriceBar { return v.bars[i] }

// Last returns the most recent visible bar.
func (v View) Last() (models.PriceBar, bool) {
	if len(v.bars) == 0 {
		return models.PriceBar{}, false
	}
	return v.bars[len(v.bars)-1], true
}

// Tail returns a view over the last n visible bars with the same cursor.
func (v View) Tail(n int) View {
	if n >= len(v.bars) {
		return v
	}
	if n < 0 {
		n = 0
	}
	start := len(v.bars) - n
	return View{symbol: v.symbol, cursor: v.cursor, bars: v.bars[start:len(v.bars):len(v.bars)]}
}

// Require returns ErrInsufficientHistory when fewer than n bars are visible.
func (v View) Require(n int) error {
	if len(v.bars) < n {
		return models.NewInsufficientHistory(v.symbol, n, len(v.bars))
	}
	return nil
}

// Closes returns a copy of the visible closes.
func (v View) Closes() []float64 {
	out := make([]float64, len(v.bars))
	for i, b := range v.bars {
		out[i] = b.Close
	}
	return out
}

// Highs returns a copy of the visible highs.
func (v View) Highs() []float64 {
	out := make([]float64, len(v.bars))
	for i, b := range v.bars {
		out[i] = b.High
	}
	return out
}

// Lows returns a copy of the visible lows.
func (v View) Lows() []float64 {
	out := make([]float64, len(v.bars))
	for i, b := range v.bars {
		out[i] = b.Low
	}
	return out
}

// Volumes returns a copy of the visible volumes.
func (v View) Volumes() []float64 {
	out := make([]float64, len(v.bars))
	for i, b := range v.bars {
		out[i] = b.Volume
	}
	return out
}

// Timestamps returns a copy of the visible timestamps.
func (v View) Timestamps() []time.Time {
	out := make([]time.Time, len(v.bars))
	for i, b := range v.bars {
		out[i] = b.Timestamp
	}
	return out
}

// Returns returns simple close-to-close returns of the visible bars.
func (v View) Returns() []float64 {
	return SimpleReturns(v.Closes())
}

// SimpleReturns converts a price path into simple returns.
func SimpleReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, prices[i]/prices[i-1]-1)
	}
	return out
}
