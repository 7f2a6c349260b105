package scoring

import (
	"math"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volume"
	"github.com/irfndi/celebrum-quant/internal/analytics"
	"github.com/irfndi/celebrum-quant/internal/timeseries"
)

const (
	momentumWindow    = 126
	smaWindow         = 50
	flowWindow        = 20
	flowLongWindow    = 60
	drawdownWindow    = 252
	neutralBalance    = 0.5
	riskVolWeight     = 0.35
	riskBalanceWeight = 0.35
	riskDDWeight      = 0.30
)

// rawFactors are per-instrument readings before cross-sectional scaling.
type rawFactors struct {
	riskAdjMomentum  float64
	relativeStrength float64
	aboveSMA         float64
	volumePriceTrend float64
	volumeBreakout   float64
	obvSlope         float64
	volatility       float64
	ddResilience     float64
}

func computeFactors(v, bench timeseries.View) rawFactors {
	closes := v.Closes()
	volumes := v.Volumes()
	returns := timeseries.SimpleReturns(closes)

	var f rawFactors

	mom := trailingReturn(closes, momentumWindow)
	momVol := analytics.StdDev(tail(returns, momentumWindow)) * math.Sqrt(analytics.TradingDays)
	if momVol > 0 {
		f.riskAdjMomentum = mom / momVol
	}
	f.relativeStrength = mom - trailingReturn(bench.Closes(), momentumWindow)
	f.aboveSMA = fractionAboveSMA(closes, smaWindow)

	avgVol20 := analytics.Mean(tail(volumes, flowWindow))
	avgVol60 := analytics.Mean(tail(volumes, flowLongWindow))
	if avgVol20 > 0 {
		vpt := 0.0
		recentRet := tail(returns, flowWindow)
		recentVol := tail(volumes, len(recentRet))
		for i, r := range recentRet {
			vpt += recentVol[i] * r
		}
		f.volumePriceTrend = vpt / avgVol20
		f.obvSlope = obvSlope(closes, volumes, flowWindow) / (avgVol20 * flowWindow)
	}
	if avgVol60 > 0 {
		f.volumeBreakout = avgVol20/avgVol60 - 1
	}

	f.volatility = analytics.AnnualizedVolatility(tail(returns, momentumWindow))
	f.ddResilience = analytics.Clamp(1+analytics.MaxDrawdown(tail(closes, drawdownWindow)), 0, 1)
	return f
}

func tail(values []float64, n int) []float64 {
	if n >= len(values) {
		return values
	}
	return values[len(values)-n:]
}

func trailingReturn(closes []float64, window int) float64 {
	n := len(closes)
	if n < 2 {
		return 0
	}
	start := n - 1 - window
	if start < 0 {
		start = 0
	}
	if closes[start] <= 0 {
		return 0
	}
	return closes[n-1]/closes[start] - 1
}

// fractionAboveSMA is the share of the last period closes above their
// period-day simple moving average.
func fractionAboveSMA(closes []float64, period int) float64 {
	if len(closes) < period {
		return 0.5
	}
	sma := helper.ChanToSlice(trend.NewSmaWithPeriod[float64](period).Compute(helper.SliceToChan(closes)))
	// sma[i] aligns with closes[i+period-1]
	offset := len(closes) - len(sma)
	window := period
	if window > len(sma) {
		window = len(sma)
	}
	above := 0
	for i := len(sma) - window; i < len(sma); i++ {
		if closes[i+offset] > sma[i] {
			above++
		}
	}
	return float64(above) / float64(window)
}

// obvSlope is the change of on-balance volume over the last window bars.
func obvSlope(closes, volumes []float64, window int) float64 {
	if len(closes) <= window {
		return 0
	}
	obv := helper.ChanToSlice(volume.NewObv[float64]().Compute(helper.SliceToChan(closes), helper.SliceToChan(volumes)))
	if len(obv) <= window {
		return 0
	}
	return obv[len(obv)-1] - obv[len(obv)-1-window]
}

// riskScore maps volatility rank, balance and drawdown resilience onto 0-100.
func riskScore(volPercentile, ddResilience float64) float64 {
	r := riskVolWeight*(1-volPercentile) + riskBalanceWeight*neutralBalance + riskDDWeight*ddResilience
	return analytics.Clamp(r*100, 0, 100)
}
