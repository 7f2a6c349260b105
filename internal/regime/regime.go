// Package regime classifies the market state from a benchmark and an
// optional volatility index.
package regime

import (
	"math"
	"time"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"github.com/irfndi/celebrum-quant/internal/analytics"
	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/timeseries"
)

// relative slack when comparing volatility against its median
const volTolerance = 1e-9

// minVolIndexBars is the shortest volatility index history worth using.
const minVolIndexBars = 20

// Signals are the intermediate readings behind a classification.
type Signals struct {
	Close        float64
	SMA          float64
	DistanceToMA float64
	Slope        float64
	Volatility   float64
	VolMedian    float64
	UsedVolIndex bool
	Bull         bool
	HighVol      bool
}

// Detector is a pure function of its inputs; it keeps no state between calls.
type Detector struct {
	cfg config.RegimeConfig
}

// NewDetector creates a Detector.
func NewDetector(cfg config.RegimeConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Detect classifies the regime at the benchmark view's cursor. volatility
// may be empty, in which case realised volatility of the benchmark is used.
func (d *Detector) Detect(benchmark, volatility timeseries.View) (models.RegimeState, error) {
	sig, err := d.Signals(benchmark, volatility)
	if err != nil {
		return models.RegimeUnknown, err
	}
	return d.classify(sig), nil
}

// DetectAt is Detect over views cursored at t.
func (d *Detector) DetectAt(benchmark, volatility models.PriceSeries, t time.Time) (models.RegimeState, error) {
	return d.Detect(timeseries.AsOf(benchmark, t), timeseries.AsOf(volatility, t))
}

// Signals computes the trend and volatility readings.
func (d *Detector) Signals(benchmark, volatility timeseries.View) (Signals, error) {
	if err := benchmark.Require(d.cfg.MinWindow); err != nil {
		return Signals{}, err
	}
	closes := benchmark.Closes()
	n := len(closes)

	window := d.cfg.TrendWindow
	if window > n {
		window = n
	}
	sma := lastSMA(closes, window)

	sig := Signals{
		Close: closes[n-1],
		SMA:   sma,
	}
	if sma > 0 {
		sig.DistanceToMA = sig.Close/sma - 1
	}
	sig.Bull = sig.Close > sma

	slope := d.cfg.SlopeWindow
	if slope >= n {
		slope = n - 1
	}
	if base := closes[n-1-slope]; base > 0 {
		sig.Slope = sig.Close/base - 1
	}

	if volatility.Len() >= minVolIndexBars {
		levels := volatility.Tail(d.cfg.VolLookback).Closes()
		sig.Volatility = levels[len(levels)-1]
		sig.VolMedian = analytics.Median(levels)
		sig.UsedVolIndex = true
	} else {
		rolling := analytics.RollingStdDev(timeseries.SimpleReturns(closes), d.cfg.VolWindow)
		if len(rolling) > 0 {
			if len(rolling) > d.cfg.VolLookback {
				rolling = rolling[len(rolling)-d.cfg.VolLookback:]
			}
			sig.Volatility = rolling[len(rolling)-1] * math.Sqrt(analytics.TradingDays)
			sig.VolMedian = analytics.Median(rolling) * math.Sqrt(analytics.TradingDays)
		}
	}
	sig.HighVol = sig.Volatility > sig.VolMedian*(1+volTolerance)

	return sig, nil
}

func (d *Detector) classify(sig Signals) models.RegimeState {
	if math.Abs(sig.DistanceToMA) < d.cfg.FlatBand && !sig.HighVol {
		return models.RegimeConsolidation
	}
	switch {
	case sig.Bull && !sig.HighVol:
		return models.RegimeExpansion
	case sig.Bull:
		return models.RegimeParabolic
	case sig.HighVol:
		return models.RegimeCrisis
	case sig.Slope > 0:
		return models.RegimeRecovery
	default:
		return models.RegimeDeflation
	}
}

func lastSMA(closes []float64, period int) float64 {
	if period <= 1 {
		return closes[len(closes)-1]
	}
	sma := trend.NewSmaWithPeriod[float64](period)
	values := helper.ChanToSlice(sma.Compute(helper.SliceToChan(closes)))
	if len(values) == 0 {
		return analytics.Mean(closes[len(closes)-period:])
	}
	return values[len(values)-1]
}
