// Package scan runs the nightly pipeline: load history, gate on regime and
// data quality, score, size, allocate, and write the morning order file.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/celebrum-quant/internal/allocation"
	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/logging"
	"github.com/irfndi/celebrum-quant/internal/marketdata"
	"github.com/irfndi/celebrum-quant/internal/metrics"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/regime"
	"github.com/irfndi/celebrum-quant/internal/scoring"
	"github.com/irfndi/celebrum-quant/internal/sizing"
	"github.com/irfndi/celebrum-quant/internal/telemetry"
	"github.com/irfndi/celebrum-quant/internal/timeseries"
	"github.com/shopspring/decimal"
)

// Skip reasons reported per instrument.
const (
	SkipNoData              = "no_data"
	SkipInsufficientHistory = "insufficient_history"
	SkipRobustnessUnknown   = "robustness_unknown"
	SkipRobustnessLow       = "robustness_below_threshold"
	SkipNotAllocated        = "not_allocated"
)

// ModeSelector picks the strategy mode for the night.
type ModeSelector interface {
	Select(ctx string) models.Mode
}

// Request overrides the configured scan parameters. Zero values fall back
// to the configuration.
type Request struct {
	Universe      []string
	MinRobustness *float64
	MaxPositions  int
	Output        string
	AsOf          time.Time
}

// Order is one row of the morning order file.
type Order struct {
	Symbol         string
	TargetWeight   float64
	Score          float64
	Robustness     float64
	KellyFraction  float64
	ReferencePrice decimal.Decimal
}

// Result summarises one scan.
type Result struct {
	ScanID     string
	AsOf       time.Time
	Regime     models.RegimeState
	Mode       models.Mode
	Orders     []Order
	Skipped    map[string]string
	Allocation models.AllocationResult
	// Reason is set when the whole scan was skipped.
	Reason string
	Output string
}

// Dependencies are the stages a Scanner drives.
type Dependencies struct {
	Source    marketdata.Adapter
	Detector  *regime.Detector
	Scorer    *scoring.Engine
	Sizer     *sizing.Sizer
	Allocator *allocation.Allocator
	Bandit    ModeSelector
	Tracer    *telemetry.BusinessTracer
	Metrics   *metrics.Recorder
	Logger    *logging.StandardLogger
}

// Scanner produces target portfolios.
type Scanner struct {
	cfg      config.ScanConfig
	lookback int
	deps     Dependencies
	now      func() time.Time
	log      *slog.Logger
}

// New creates a Scanner. lookbackDays is the calendar span of history loaded.
func New(cfg config.ScanConfig, lookbackDays int, deps Dependencies) *Scanner {
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NewBusinessTracer()
	}
	l := slog.Default()
	if deps.Logger != nil {
		l = deps.Logger.WithComponent("scan")
	}
	return &Scanner{cfg: cfg, lookback: lookbackDays, deps: deps, now: time.Now, log: l}
}

func (s *Scanner) resolve(req Request) Request {
	if len(req.Universe) == 0 {
		req.Universe = s.cfg.Universe
	}
	symbols := make([]string, 0, len(req.Universe))
	for _, symbol := range req.Universe {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol != "" && !slices.Contains(symbols, symbol) {
			symbols = append(symbols, symbol)
		}
	}
	req.Universe = symbols
	if req.MinRobustness == nil {
		v := s.cfg.MinRobustness
		req.MinRobustness = &v
	}
	if req.MaxPositions <= 0 {
		req.MaxPositions = s.cfg.MaxPositions
	}
	if req.Output == "" {
		req.Output = s.cfg.Output
	}
	if req.AsOf.IsZero() {
		req.AsOf = s.now().UTC()
	}
	return req
}

func (s *Scanner) forbidden(state models.RegimeState) bool {
	return slices.ContainsFunc(s.cfg.ForbiddenRegimes, func(name string) bool {
		return models.ParseRegime(name) == state
	})
}

// Run executes one scan and writes the order file. A forbidden regime
// writes a header-only file and sets Result.Reason. Nothing is written when
// an error is returned.
func (s *Scanner) Run(ctx context.Context, req Request) (*Result, error) {
	req = s.resolve(req)
	if len(req.Universe) == 0 {
		return nil, fmt.Errorf("scan universe is empty")
	}
	start := time.Now()
	defer func() { s.deps.Metrics.ObserveDuration("nightly_scan", time.Since(start)) }()

	res := &Result{
		ScanID:  uuid.NewString(),
		AsOf:    req.AsOf,
		Skipped: make(map[string]string),
		Output:  req.Output,
		Regime:  models.RegimeUnknown,
	}
	ctx, span := s.deps.Tracer.TraceScan(ctx, res.ScanID, len(req.Universe))
	defer span.End()

	from := req.AsOf.AddDate(0, 0, -s.lookback)
	history, err := s.deps.Source.GetPriceHistory(ctx, req.Universe, from, req.AsOf)
	if err != nil {
		s.deps.Tracer.RecordError(span, err)
		return nil, fmt.Errorf("failed to load price history: %w", err)
	}
	bench, vol, err := s.deps.Source.GetBenchmarkAndVolatility(ctx, from, req.AsOf)
	if err != nil {
		s.deps.Tracer.RecordError(span, err)
		return nil, fmt.Errorf("failed to load benchmark: %w", err)
	}

	state, err := s.deps.Detector.DetectAt(bench, vol, req.AsOf)
	switch {
	case err == nil:
		res.Regime = state
	case errors.Is(err, models.ErrInsufficientHistory):
		s.log.Warn("Regime unavailable, scanning without gate", "error", err)
	default:
		return nil, fmt.Errorf("failed to detect regime: %w", err)
	}

	if s.deps.Bandit != nil {
		res.Mode = s.deps.Bandit.Select(string(res.Regime))
	}

	if s.forbidden(res.Regime) {
		res.Reason = "regime_forbidden:" + string(res.Regime)
		if err := WriteOrders(req.Output, nil); err != nil {
			return nil, err
		}
		s.record(res)
		s.log.Info("Scan skipped", "scan_id", res.ScanID, "reason", res.Reason)
		return res, nil
	}

	universe := s.gateHistory(req, history, res)
	records, diag, err := s.deps.Scorer.ScoreUniverse(ctx, scoring.Input{
		Universe:   universe,
		Benchmark:  bench,
		Volatility: vol,
		AsOf:       req.AsOf,
	})
	if err != nil {
		s.deps.Tracer.RecordError(span, err)
		return nil, fmt.Errorf("failed to score universe: %w", err)
	}
	for symbol, reason := range diag.Excluded {
		s.skip(res, symbol, reason)
	}

	eligible := s.gateRobustness(records, *req.MinRobustness, res)
	views := make(map[string]timeseries.View, len(universe))
	for _, series := range universe {
		views[series.Symbol] = timeseries.AsOf(series, req.AsOf)
	}
	top := allocation.TopN(eligible, req.MaxPositions)
	candidates, kelly := allocation.BuildCandidates(top, views, s.deps.Sizer)

	_, allocSpan := s.deps.Tracer.TraceAllocation(ctx, "", len(candidates))
	alloc := s.deps.Allocator.Allocate(allocation.Request{Candidates: candidates})
	s.deps.Tracer.RecordAllocation(allocSpan, alloc)
	allocSpan.End()
	res.Allocation = alloc

	for _, rec := range top {
		w := alloc.Weights[rec.Symbol]
		if w <= 0 {
			reason := alloc.Diagnostics.Excluded[rec.Symbol]
			if reason == "" {
				reason = SkipNotAllocated
			}
			s.skip(res, rec.Symbol, reason)
			continue
		}
		last, _ := views[rec.Symbol].Last()
		res.Orders = append(res.Orders, Order{
			Symbol:         rec.Symbol,
			TargetWeight:   w,
			Score:          rec.Composite,
			Robustness:     rec.RobustnessOr(0),
			KellyFraction:  kelly[rec.Symbol].Recommended,
			ReferencePrice: decimal.NewFromFloat(last.Close).Round(4),
		})
		s.deps.Metrics.SetTargetWeight(rec.Symbol, w)
	}
	sort.Slice(res.Orders, func(i, j int) bool {
		if res.Orders[i].TargetWeight != res.Orders[j].TargetWeight {
			return res.Orders[i].TargetWeight > res.Orders[j].TargetWeight
		}
		return res.Orders[i].Symbol < res.Orders[j].Symbol
	})

	if err := WriteOrders(req.Output, res.Orders); err != nil {
		return nil, err
	}
	s.record(res)

	s.log.Info("Scan complete",
		"scan_id", res.ScanID,
		"regime", string(res.Regime),
		"mode", string(res.Mode),
		"orders", len(res.Orders),
		"skipped", len(res.Skipped),
		"cash", alloc.Diagnostics.CashWeight)
	return res, nil
}

// gateHistory drops instruments without data or with fewer than MinHistory
// bars before the cut-off.
func (s *Scanner) gateHistory(req Request, history map[string]models.PriceSeries, res *Result) []models.PriceSeries {
	universe := make([]models.PriceSeries, 0, len(req.Universe))
	for _, symbol := range req.Universe {
		series, ok := history[symbol]
		if !ok || series.Len() == 0 {
			s.skip(res, symbol, SkipNoData)
			continue
		}
		if timeseries.AsOf(series, req.AsOf).Len() < s.cfg.MinHistory {
			s.skip(res, symbol, SkipInsufficientHistory)
			continue
		}
		universe = append(universe, series)
	}
	return universe
}

// gateRobustness keeps records whose robustness is known and at least min.
func (s *Scanner) gateRobustness(records map[string]models.ScoreRecord, min float64, res *Result) map[string]models.ScoreRecord {
	out := make(map[string]models.ScoreRecord, len(records))
	for symbol, rec := range records {
		switch {
		case rec.Robustness == nil:
			s.skip(res, symbol, SkipRobustnessUnknown)
		case *rec.Robustness < min:
			s.skip(res, symbol, SkipRobustnessLow)
		default:
			out[symbol] = rec
		}
	}
	return out
}

// record appends the decision log line. The order file is already
// published, so a failure here is only logged.
func (s *Scanner) record(res *Result) {
	if err := AppendDecision(s.cfg.DecisionLog, NewDecision(res, s.now())); err != nil {
		s.log.Warn("Failed to append scan decision", "scan_id", res.ScanID, "error", err)
	}
}

func (s *Scanner) skip(res *Result, symbol, reason string) {
	res.Skipped[symbol] = reason
	s.deps.Metrics.IncSkipped("scan", reason)
}
