// Package backtest replays the scoring, sizing and allocation pipeline over
// rolling out-of-sample windows.
//
// Each run walks INIT -> (TRAIN -> TEST)* -> FINALIZE. Every decision at a
// rebalance date t is made from views cursored at t, so bars at or after t
// are only ever read to realise returns.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/celebrum-quant/internal/allocation"
	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/logging"
	"github.com/irfndi/celebrum-quant/internal/metrics"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/regime"
	"github.com/irfndi/celebrum-quant/internal/scoring"
	"github.com/irfndi/celebrum-quant/internal/sizing"
	"github.com/irfndi/celebrum-quant/internal/telemetry"
	"github.com/irfndi/celebrum-quant/internal/timeseries"
	"golang.org/x/sync/errgroup"
)

// Skip reasons recorded on windows that produce no period return.
const (
	SkipTrainingHistory = "insufficient_training_history"
	SkipRegimeHistory   = "regime_insufficient_history"
	SkipEligible        = "insufficient_eligible"
	SkipScoring         = "scoring_failed"

	// MissingReturn counts holdings whose period return could not be
	// realised and were booked flat.
	MissingReturn = "missing_realised_return"
)

// Input is one backtest run over a universe.
type Input struct {
	// RunID identifies the run. A random one is assigned when empty.
	RunID        string
	Universe     []models.PriceSeries
	Benchmark    models.PriceSeries
	Volatility   models.PriceSeries
	Fundamentals map[string]float64
	Start        time.Time
	// End is exclusive. Bars at or after End are never read.
	End time.Time
}

// Dependencies are the pipeline stages a Backtester drives.
type Dependencies struct {
	Detector  *regime.Detector
	Scorer    *scoring.Engine
	Sizer     *sizing.Sizer
	Allocator *allocation.Allocator
	Tracer    *telemetry.BusinessTracer
	Metrics   *metrics.Recorder
	Logger    *logging.StandardLogger
}

// Backtester runs walk-forward backtests. It is safe for concurrent use;
// each Run keeps its state on the stack.
type Backtester struct {
	cfg  config.BacktestConfig
	deps Dependencies
	log  *slog.Logger
}

// New creates a Backtester.
func New(cfg config.BacktestConfig, deps Dependencies) *Backtester {
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NewBusinessTracer()
	}
	l := slog.Default()
	if deps.Logger != nil {
		l = deps.Logger.WithComponent("backtest")
	}
	return &Backtester{cfg: cfg, deps: deps, log: l}
}

type state int

const (
	stateInit state = iota
	stateTrain
	stateTest
	stateFinalize
	stateDone
)

// window is one train/test split expressed as calendar indexes.
type window struct {
	trainStart, testStart, testEnd int
}

// period is the realised outcome of one rebalance.
type period struct {
	date      time.Time
	days      int
	ret       float64
	control   float64
	benchmark float64
	hasBench  bool
	cost      float64
	cash      bool
	regime    models.RegimeState
}

// run carries the mutable state of a single backtest.
type run struct {
	in       Input
	id       string
	calendar []time.Time
	windows  []window
	current  int

	periods        []period
	skipped        []models.SkippedWindow
	missingReturns int
	ics      []float64
	pairs    []models.RobustnessReturnPair
	weights  map[string]float64
	controlW map[string]float64
	cashOut  map[models.RegimeState]bool
}

// Run executes one walk-forward backtest. Identical inputs and seed give
// an identical result.
func (b *Backtester) Run(ctx context.Context, in Input) (*models.BacktestResult, error) {
	r := &run{in: in, id: in.RunID}
	if r.id == "" {
		r.id = uuid.NewString()
	}
	ctx, span := b.deps.Tracer.TraceBacktest(ctx, r.id, len(in.Universe))
	defer span.End()
	var result *models.BacktestResult

	for s := stateInit; s != stateDone; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch s {
		case stateInit:
			if err := b.init(r); err != nil {
				b.deps.Tracer.RecordError(span, err)
				return nil, err
			}
			s = stateTrain
		case stateTrain:
			if r.current >= len(r.windows) {
				s = stateFinalize
				continue
			}
			w := r.windows[r.current]
			if w.testStart-w.trainStart < b.cfg.MinTrainingBars {
				b.skip(r, r.calendar[w.testStart], SkipTrainingHistory)
				r.current++
				continue
			}
			s = stateTest
		case stateTest:
			if err := b.test(ctx, r, r.windows[r.current]); err != nil {
				b.deps.Tracer.RecordError(span, err)
				return nil, err
			}
			r.current++
			s = stateTrain
		case stateFinalize:
			result = b.finalize(r)
			b.deps.Tracer.RecordBacktestResult(span, result)
			s = stateDone
		}
	}

	b.log.Info("Backtest finished",
		"run_id", result.RunID,
		"periods", result.Periods,
		"skipped", len(result.Skipped),
		"annual_return", result.AnnualReturn,
		"sharpe", result.SharpeRatio)
	return result, nil
}

// RunMany runs independent backtests in parallel. Each run stays sequential.
func (b *Backtester) RunMany(ctx context.Context, inputs []Input) ([]*models.BacktestResult, error) {
	results := make([]*models.BacktestResult, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i := range inputs {
		i := i
		g.Go(func() error {
			res, err := b.Run(gctx, inputs[i])
			if err != nil {
				return fmt.Errorf("backtest %d failed: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (b *Backtester) init(r *run) error {
	if !r.in.End.After(r.in.Start) {
		return fmt.Errorf("backtest end %s must be after start %s", r.in.End, r.in.Start)
	}

	// Nothing at or after End is visible to the run.
	r.in.Benchmark = truncate(r.in.Benchmark, r.in.End)
	r.in.Volatility = truncate(r.in.Volatility, r.in.End)
	universe := make([]models.PriceSeries, len(r.in.Universe))
	for i, s := range r.in.Universe {
		universe[i] = truncate(s, r.in.End)
	}
	r.in.Universe = universe

	bars := r.in.Benchmark.Bars
	n := len(bars)
	if n == 0 {
		return models.NewInsufficientHistory(r.in.Benchmark.Symbol, b.cfg.MinTrainingBars+1, 0)
	}
	r.calendar = make([]time.Time, n+1)
	for i, bar := range bars {
		r.calendar[i] = bar.Timestamp
	}
	r.calendar[n] = bars[n-1].Timestamp.Add(time.Nanosecond)

	start := 0
	for start < n && bars[start].Timestamp.Before(r.in.Start) {
		start++
	}
	if start < b.cfg.MinTrainingBars {
		start = b.cfg.MinTrainingBars
	}
	if start >= n {
		return models.NewInsufficientHistory(r.in.Benchmark.Symbol, b.cfg.MinTrainingBars+1, n)
	}

	for testStart := start; testStart < n; testStart += b.cfg.TestingDays {
		trainStart := testStart - b.cfg.TrainingDays
		if trainStart < 0 {
			trainStart = 0
		}
		r.windows = append(r.windows, window{
			trainStart: trainStart,
			testStart:  testStart,
			testEnd:    min(testStart+b.cfg.TestingDays, n),
		})
	}

	r.cashOut = make(map[models.RegimeState]bool)
	for _, name := range b.cfg.CashOutRegimes {
		r.cashOut[models.ParseRegime(name)] = true
	}
	return nil
}

func (b *Backtester) test(ctx context.Context, r *run, w window) error {
	for i := w.testStart; i < w.testEnd; i += b.cfg.RebalanceDays {
		next := min(i+b.cfg.RebalanceDays, w.testEnd)
		if err := b.rebalance(ctx, r, i, next); err != nil {
			return err
		}
	}
	return nil
}

// rebalance decides weights at calendar index i and realises them until next.
func (b *Backtester) rebalance(ctx context.Context, r *run, i, next int) error {
	t, until := r.calendar[i], r.calendar[next]
	ctx, span := b.deps.Tracer.TraceBacktestWindow(ctx, r.id, t)
	defer span.End()

	// Signals only see the trailing training window ending at t.
	from := r.calendar[max(0, i-b.cfg.TrainingDays)]
	train := r.trainingInput(from, t)

	benchView := timeseries.AsOf(train.Benchmark, t)
	state, err := b.deps.Detector.Detect(benchView, timeseries.AsOf(train.Volatility, t))
	if err != nil {
		if errors.Is(err, models.ErrInsufficientHistory) {
			b.skip(r, t, SkipRegimeHistory)
			return nil
		}
		return err
	}

	records, diag, err := b.deps.Scorer.ScoreUniverse(ctx, scoring.Input{
		Universe:     train.Universe,
		Benchmark:    train.Benchmark,
		Volatility:   train.Volatility,
		Fundamentals: r.in.Fundamentals,
		AsOf:         t,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.deps.Tracer.RecordError(span, err)
		b.skip(r, t, SkipScoring)
		return nil
	}
	for range diag.Excluded {
		b.deps.Metrics.IncSkipped("backtest", "instrument_excluded")
	}
	if len(records) < b.cfg.MinEligible {
		b.skip(r, t, SkipEligible)
		return nil
	}

	r.recordIC(records, b.cfg.ForwardDays)

	views := make(map[string]timeseries.View, len(train.Universe))
	for _, s := range train.Universe {
		views[s.Symbol] = timeseries.AsOf(s, t)
	}
	series := make(map[string]models.PriceSeries, len(r.in.Universe))
	for _, s := range r.in.Universe {
		series[s.Symbol] = s
	}
	top := allocation.TopN(records, b.cfg.MaxPositions)
	candidates, _ := allocation.BuildCandidates(top, views, b.deps.Sizer)
	alloc := b.deps.Allocator.Allocate(allocation.Request{Candidates: candidates})

	realised := make(map[string]float64, len(alloc.Weights))
	for _, symbol := range alloc.Symbols() {
		ret := b.realisedReturn(r, series[symbol], t, until)
		realised[symbol] = ret
		if rec, ok := records[symbol]; ok && rec.Robustness != nil {
			r.pairs = append(r.pairs, models.RobustnessReturnPair{
				Symbol:        symbol,
				Date:          t,
				Robustness:    *rec.Robustness,
				ForwardReturn: ret,
			})
		}
	}

	p := period{date: t, days: next - i, regime: state}
	p.benchmark, p.hasBench = timeseries.PeriodReturn(r.in.Benchmark, t, until)

	controlGross := portfolioReturn(alloc.Weights, realised)
	controlCost := turnover(r.controlW, alloc.Weights) * b.cfg.CostBps / 1e4
	p.control = controlGross - controlCost
	r.controlW = drift(alloc.Weights, realised, controlGross)

	target := alloc.Weights
	if r.cashOut[state] {
		target = nil
		p.cash = true
	}
	gross := portfolioReturn(target, realised)
	p.cost = turnover(r.weights, target) * b.cfg.CostBps / 1e4
	p.ret = gross - p.cost
	r.weights = drift(target, realised, gross)

	r.periods = append(r.periods, p)
	b.deps.Metrics.IncBacktestWindow("processed")
	return nil
}

func (b *Backtester) skip(r *run, t time.Time, reason string) {
	r.skipped = append(r.skipped, models.SkippedWindow{Date: t, Reason: reason})
	b.deps.Metrics.IncBacktestWindow("skipped")
	b.deps.Metrics.IncSkipped("backtest", reason)
	b.log.Debug("Backtest window skipped", "run_id", r.id, "date", t, "reason", reason)
}

// realisedReturn is the holding's return over [t, until). A holding with no
// bar in the period is booked flat, logged and counted.
func (b *Backtester) realisedReturn(r *run, s models.PriceSeries, t, until time.Time) float64 {
	ret, ok := timeseries.PeriodReturn(s, t, until)
	if ok {
		return ret
	}
	r.missingReturns++
	b.deps.Metrics.IncSkipped("backtest", MissingReturn)
	b.log.Warn("Realised return unavailable, holding booked flat",
		"run_id", r.id, "symbol", s.Symbol, "date", t)
	return 0
}

// trainingInput returns the universe, benchmark and volatility restricted
// to bars in [from, to).
func (r *run) trainingInput(from, to time.Time) Input {
	in := Input{
		Benchmark:  between(r.in.Benchmark, from, to),
		Volatility: between(r.in.Volatility, from, to),
		Universe:   make([]models.PriceSeries, len(r.in.Universe)),
	}
	for i, s := range r.in.Universe {
		in.Universe[i] = between(s, from, to)
	}
	return in
}

// recordIC correlates every score on the date with its forward return.
func (r *run) recordIC(records map[string]models.ScoreRecord, horizon int) {
	var scores, fwd []float64
	for _, s := range r.in.Universe {
		rec, ok := records[s.Symbol]
		if !ok {
			continue
		}
		ret, ok := timeseries.ForwardReturn(s, rec.AsOf, horizon)
		if !ok {
			continue
		}
		scores = append(scores, rec.Composite)
		fwd = append(fwd, ret)
	}
	if ic, ok := icOf(scores, fwd); ok {
		r.ics = append(r.ics, ic)
	}
}

func truncate(s models.PriceSeries, end time.Time) models.PriceSeries {
	return between(s, time.Time{}, end)
}

// between copies the bars of s with from <= timestamp < to.
func between(s models.PriceSeries, from, to time.Time) models.PriceSeries {
	v := timeseries.AsOf(s, to)
	lo := sort.Search(v.Len(), func(i int) bool {
		return !v.Bar(i).Timestamp.Before(from)
	})
	out := models.PriceSeries{Symbol: s.Symbol, Bars: make([]models.PriceBar, v.Len()-lo)}
	for i := range out.Bars {
		out.Bars[i] = v.Bar(lo + i)
	}
	return out
}

func portfolioReturn(weights map[string]float64, realised map[string]float64) float64 {
	total := 0.0
	for _, symbol := range sortedKeys(weights) {
		total += weights[symbol] * realised[symbol]
	}
	return total
}

// turnover is the one-way traded fraction moving from held to target.
func turnover(held, target map[string]float64) float64 {
	keys := make(map[string]struct{}, len(held)+len(target))
	for k := range held {
		keys[k] = struct{}{}
	}
	for k := range target {
		keys[k] = struct{}{}
	}
	total := 0.0
	for _, k := range sortedKeys(keys) {
		d := target[k] - held[k]
		if d < 0 {
			d = -d
		}
		total += d
	}
	return total
}

// drift returns the weights held at the end of a period after prices moved.
func drift(weights, realised map[string]float64, portfolio float64) map[string]float64 {
	if len(weights) == 0 || portfolio <= -1 {
		return nil
	}
	out := make(map[string]float64, len(weights))
	for symbol, w := range weights {
		out[symbol] = w * (1 + realised[symbol]) / (1 + portfolio)
	}
	return out
}
