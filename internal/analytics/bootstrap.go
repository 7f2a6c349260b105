package analytics

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/irfndi/celebrum-quant/internal/models"
)

// Statistic names a bootstrap statistic.
type Statistic string

const (
	StatMean   Statistic = "mean"
	StatMedian Statistic = "median"
)

// BootstrapConfig controls a percentile bootstrap.
type BootstrapConfig struct {
	Resamples  int       `default:"1000" validate:"gte=10"`
	Confidence float64   `default:"0.95" validate:"gt=0,lt=1"`
	Statistic  Statistic `default:"mean" validate:"oneof=mean median"`
	// Seed is used as given; zero is a valid seed.
	Seed int64
}

// Bootstrap resamples samples with replacement and returns a two-sided
// percentile confidence interval for the configured statistic.
// Results are reproducible for a fixed seed.
func Bootstrap(samples []float64, cfg BootstrapConfig) (models.ConfidenceInterval, error) {
	ci := models.ConfidenceInterval{
		Statistic:  string(cfg.Statistic),
		Confidence: cfg.Confidence,
		Resamples:  cfg.Resamples,
		SampleSize: len(samples),
	}
	if len(samples) < 2 {
		return ci, models.NewInsufficientHistory("", 2, len(samples))
	}
	if cfg.Resamples < 1 {
		return ci, fmt.Errorf("resamples must be positive, got %d", cfg.Resamples)
	}
	if cfg.Confidence <= 0 || cfg.Confidence >= 1 {
		return ci, fmt.Errorf("confidence must be in (0,1), got %v", cfg.Confidence)
	}

	stat := statisticFunc(cfg.Statistic)
	ci.Estimate = stat(samples)

	rng := rand.New(rand.NewSource(cfg.Seed))
	draws := make([]float64, cfg.Resamples)
	buf := make([]float64, len(samples))
	for r := 0; r < cfg.Resamples; r++ {
		for i := range buf {
			buf[i] = samples[rng.Intn(len(samples))]
		}
		draws[r] = stat(buf)
	}
	sort.Float64s(draws)

	alpha := (1 - cfg.Confidence) / 2
	ci.Lower = quantileSorted(draws, alpha)
	ci.Upper = quantileSorted(draws, 1-alpha)
	if math.IsNaN(ci.Lower) || math.IsNaN(ci.Upper) {
		return ci, fmt.Errorf("bootstrap produced NaN bounds")
	}
	return ci, nil
}

func statisticFunc(s Statistic) func([]float64) float64 {
	if s == StatMedian {
		return Median
	}
	return Mean
}
