// Package scoring ranks a universe of instruments on trend, fundamentals,
// capital flow and risk, weighted by the current market regime.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/irfndi/celebrum-quant/internal/analytics"
	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/logging"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/regime"
	"github.com/irfndi/celebrum-quant/internal/timeseries"
	"golang.org/x/sync/errgroup"
)

// zClip bounds cross-sectional z-scores.
const zClip = 3.0

// Exclusion reasons reported in Diagnostics.
const (
	ReasonInsufficientHistory = "insufficient_history"
	ReasonMissingBars         = "missing_bars"
	ReasonDataQuality         = "data_quality"
)

// Input is one cross-sectional scoring request.
type Input struct {
	Universe   []models.PriceSeries
	Benchmark  models.PriceSeries
	Volatility models.PriceSeries
	// Fundamentals holds optional 0-100 scores keyed by symbol.
	Fundamentals map[string]float64
	AsOf         time.Time
	// SkipRobustness leaves Robustness nil on every record.
	SkipRobustness bool
}

// Diagnostics describes what happened to the universe on one date.
type Diagnostics struct {
	Regime   models.RegimeState `json:"regime"`
	Scored   int                `json:"scored"`
	Excluded map[string]string  `json:"excluded"`
	// Unrobust lists scored symbols whose robustness is unknown.
	Unrobust []string `json:"unrobust,omitempty"`
}

// Engine scores universes. It holds configuration only.
type Engine struct {
	cfg       config.ScoringConfig
	detector  *regime.Detector
	regimeMin int
	workers   int
	logger    *slog.Logger
}

// NewEngine creates a scoring engine. regimeMinWindow is the number of
// benchmark bars the detector needs before its first label.
func NewEngine(cfg config.ScoringConfig, detector *regime.Detector, regimeMinWindow int, logger *logging.StandardLogger) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	var l *slog.Logger
	if logger != nil {
		l = logger.WithComponent("scoring")
	} else {
		l = slog.Default()
	}
	return &Engine{cfg: cfg, detector: detector, regimeMin: regimeMinWindow, workers: workers, logger: l}
}

type instrumentResult struct {
	symbol     string
	excluded   string
	factors    rawFactors
	robustness *float64
}

// ScoreUniverse scores every instrument as of in.AsOf. Only bars strictly
// before AsOf are read. Excluded instruments are listed in the diagnostics.
func (e *Engine) ScoreUniverse(ctx context.Context, in Input) (map[string]models.ScoreRecord, Diagnostics, error) {
	benchView := timeseries.AsOf(in.Benchmark, in.AsOf)
	volView := timeseries.AsOf(in.Volatility, in.AsOf)

	diag := Diagnostics{Excluded: make(map[string]string)}
	state, err := e.detector.Detect(benchView, volView)
	if err != nil {
		e.logger.Debug("Regime unavailable, using default weights", "error", err, "as_of", in.AsOf)
	}
	diag.Regime = state

	var cal RegimeCalendar
	if !in.SkipRobustness {
		cal = BuildCalendar(e.detector, in.Benchmark, in.Volatility, in.AsOf, e.regimeMin, e.cfg.RobustnessStep)
	}

	universe := make([]models.PriceSeries, len(in.Universe))
	copy(universe, in.Universe)
	sort.Slice(universe, func(i, j int) bool { return universe[i].Symbol < universe[j].Symbol })

	results := make([]instrumentResult, len(universe))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range universe {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.scoreOne(universe[i], benchView, cal, in)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, diag, err
	}

	var eligible []instrumentResult
	for _, r := range results {
		if r.excluded != "" {
			diag.Excluded[r.symbol] = r.excluded
			continue
		}
		eligible = append(eligible, r)
	}

	records := e.crossSection(eligible, in, state)
	diag.Scored = len(records)
	for _, r := range eligible {
		if r.robustness == nil {
			diag.Unrobust = append(diag.Unrobust, r.symbol)
		}
	}

	e.logger.Debug("Universe scored",
		"as_of", in.AsOf,
		"regime", string(state),
		"scored", diag.Scored,
		"excluded", len(diag.Excluded))
	return records, diag, nil
}

func (e *Engine) scoreOne(series models.PriceSeries, benchView timeseries.View, cal RegimeCalendar, in Input) instrumentResult {
	res := instrumentResult{symbol: series.Symbol}
	if err := series.Validate(); err != nil {
		res.excluded = fmt.Sprintf("%s: %v", ReasonDataQuality, err)
		return res
	}
	v := timeseries.AsOf(series, in.AsOf)
	if v.Len() < e.cfg.MinHistory {
		res.excluded = ReasonInsufficientHistory
		return res
	}
	if missing := timeseries.MissingBars(v, benchView, e.cfg.MinHistory); missing > e.cfg.MaxMissingBars {
		res.excluded = fmt.Sprintf("%s: %d", ReasonMissingBars, missing)
		return res
	}
	res.factors = computeFactors(v, benchView)
	if !in.SkipRobustness {
		res.robustness = robustnessFromCalendar(series, cal, in.AsOf, e.cfg.MinRobustnessHistory)
	}
	return res
}

func (e *Engine) crossSection(eligible []instrumentResult, in Input, state models.RegimeState) map[string]models.ScoreRecord {
	n := len(eligible)
	records := make(map[string]models.ScoreRecord, n)
	if n == 0 {
		return records
	}

	column := func(get func(rawFactors) float64) []float64 {
		out := make([]float64, n)
		for i, r := range eligible {
			out[i] = get(r.factors)
		}
		return out
	}
	zMom := analytics.ZScores(column(func(f rawFactors) float64 { return f.riskAdjMomentum }), zClip)
	zRS := analytics.ZScores(column(func(f rawFactors) float64 { return f.relativeStrength }), zClip)
	zSMA := analytics.ZScores(column(func(f rawFactors) float64 { return f.aboveSMA }), zClip)
	zVPT := analytics.ZScores(column(func(f rawFactors) float64 { return f.volumePriceTrend }), zClip)
	zBreak := analytics.ZScores(column(func(f rawFactors) float64 { return f.volumeBreakout }), zClip)
	zOBV := analytics.ZScores(column(func(f rawFactors) float64 { return f.obvSlope }), zClip)
	vols := column(func(f rawFactors) float64 { return f.volatility })

	weights := WeightsFor(state)
	for i, r := range eligible {
		comp := models.ScoreComponents{
			Trend:        analytics.ZToScore(0.5*zMom[i] + 0.25*zRS[i] + 0.25*zSMA[i]),
			CapitalFlow:  analytics.ZToScore((zVPT[i] + zBreak[i] + zOBV[i]) / 3),
			Risk:         riskScore(analytics.PercentileRank(vols, r.factors.volatility), r.factors.ddResilience),
			Fundamentals: 50,
		}
		f, hasF := in.Fundamentals[r.symbol]
		if hasF {
			comp.Fundamentals = analytics.Clamp(f, 0, 100)
		}
		records[r.symbol] = models.ScoreRecord{
			Symbol:     r.symbol,
			AsOf:       in.AsOf,
			Composite:  Composite(comp, hasF, weights),
			Robustness: r.robustness,
			Components: comp,
			Regime:     state,
		}
	}
	return records
}

// Robustness computes the regime robustness of one instrument as of asOf.
// A nil result means unknown.
func (e *Engine) Robustness(series, benchmark, volatility models.PriceSeries, asOf time.Time) (*float64, error) {
	if err := series.Validate(); err != nil {
		return nil, err
	}
	cal := BuildCalendar(e.detector, benchmark, volatility, asOf, e.regimeMin, e.cfg.RobustnessStep)
	return robustnessFromCalendar(series, cal, asOf, e.cfg.MinRobustnessHistory), nil
}
