package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceBar is a single daily OHLCV observation.
type PriceBar struct {
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Open      float64   `json:"open" db:"open"`
	High      float64   `json:"high" db:"high"`
	Low       float64   `json:"low" db:"low"`
	Close     float64   `json:"close" db:"close"`
	Volume    float64   `json:"volume" db:"volume"`
}

// PriceSeries is an ordered bar history for one instrument.
// Bars must have strictly increasing timestamps.
type PriceSeries struct {
	Symbol string     `json:"symbol"`
	Bars   []PriceBar `json:"bars"`
}

// Len returns the number of bars in the series.
func (s PriceSeries) Len() int {
	return len(s.Bars)
}

// Validate checks ordering and basic sanity of the bars.
func (s PriceSeries) Validate() error {
	for i, bar := range s.Bars {
		if bar.Close <= 0 || bar.Volume < 0 {
			return &DataQualityError{
				Symbol: s.Symbol,
				Index:  i,
				Reason: "non-positive close or negative volume",
			}
		}
		if bar.High < bar.Low {
			return &DataQualityError{Symbol: s.Symbol, Index: i, Reason: "high below low"}
		}
		if i > 0 && !bar.Timestamp.After(s.Bars[i-1].Timestamp) {
			return &DataQualityError{
				Symbol: s.Symbol,
				Index:  i,
				Reason: "timestamps not strictly increasing",
			}
		}
	}
	return nil
}

// LastClose returns the most recent close as a decimal reference price.
func (s PriceSeries) LastClose() (decimal.Decimal, bool) {
	if len(s.Bars) == 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(s.Bars[len(s.Bars)-1].Close).Round(4), true
}

// MarketDataRequest describes a history request against a market data adapter.
type MarketDataRequest struct {
	Symbols []string  `json:"symbols" validate:"required,min=1,dive,required"`
	Start   time.Time `json:"start" validate:"required"`
	End     time.Time `json:"end" validate:"required,gtfield=Start"`
}
