// Package governance grades live strategy performance against per-mode
// KPI targets and moves strategies through their lifecycle.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/logging"
	"github.com/irfndi/celebrum-quant/internal/metrics"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/telemetry"
)

const (
	failPenalty  = 20
	watchPenalty = 8

	activeScore = 75
	watchScore  = 50
)

// ErrNoThresholds is returned when a mode has no KPI table.
var ErrNoThresholds = errors.New("no KPI thresholds for mode")

// Evaluator scores StrategyPerformance into StrategyHealth.
type Evaluator struct {
	minSignals int
	thresholds map[models.Mode]map[string]Threshold
	tracer     *telemetry.BusinessTracer
	metrics    *metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time
}

// NewEvaluator creates an Evaluator with the default KPI table.
func NewEvaluator(cfg config.GovernanceConfig, rec *metrics.Recorder, logger *logging.StandardLogger) *Evaluator {
	l := slog.Default()
	if logger != nil {
		l = logger.WithComponent("governance")
	}
	return &Evaluator{
		minSignals: cfg.MinSignals,
		thresholds: DefaultThresholds(),
		tracer:     telemetry.NewBusinessTracer(),
		metrics:    rec,
		logger:     l,
		now:        time.Now,
	}
}

// Thresholds returns the KPI table of mode.
func (e *Evaluator) Thresholds(mode models.Mode) map[string]Threshold {
	return e.thresholds[mode]
}

// Evaluate grades perf against the KPI table of mode. Samples below the
// minimum signal count are reported as WATCH with InsufficientData set and
// are not scored. A mode without a KPI table yields ErrNoThresholds.
func (e *Evaluator) Evaluate(perf models.StrategyPerformance, mode models.Mode) (models.StrategyHealth, error) {
	thresholds := e.thresholds[mode]
	if len(thresholds) == 0 {
		return models.StrategyHealth{}, fmt.Errorf("%w %q", ErrNoThresholds, mode)
	}

	_, span := e.tracer.TraceGovernance(context.Background(), mode)
	defer span.End()

	health := models.StrategyHealth{
		Mode:        mode,
		KPIStatus:   map[string]models.KPIStatus{},
		Issues:      []string{},
		EvaluatedAt: e.now().UTC(),
	}

	if perf.Signals < e.minSignals {
		health.Status = models.StatusWatch
		health.InsufficientData = true
		health.Issues = append(health.Issues,
			fmt.Sprintf("insufficient data: %d signals, need %d", perf.Signals, e.minSignals))
		health.Recommendations = []string{"Keep collecting signals before changing the strategy status"}
		e.tracer.RecordHealth(span, health)
		e.logger.Info("Strategy health not scored",
			"mode", mode, "signals", perf.Signals, "min_signals", e.minSignals)
		return health, nil
	}

	score := 100.0
	for _, kpi := range KPIOrder {
		th, ok := thresholds[kpi]
		if !ok {
			continue
		}
		v := kpiValue(perf, kpi)
		status := th.Grade(v)
		health.KPIStatus[kpi] = status

		switch status {
		case models.KPIFail:
			score -= failPenalty
			health.Issues = append(health.Issues, fmt.Sprintf("%s %.4f fails minimum %.4f", kpi, v, th.Min))
			health.Recommendations = append(health.Recommendations, kpiAdvice[kpi])
		case models.KPIWatch:
			score -= watchPenalty
			health.Issues = append(health.Issues, fmt.Sprintf("%s %.4f misses target %.4f", kpi, v, th.Target))
		}
	}
	health.Score = max(score, 0)
	health.Status = statusForScore(health.Score)

	e.metrics.SetGovernanceScore(string(mode), health.Score)
	e.tracer.RecordHealth(span, health)
	e.logger.Info("Strategy health evaluated",
		"mode", mode,
		"score", health.Score,
		"status", health.Status,
		"issues", len(health.Issues))
	return health, nil
}

func statusForScore(score float64) models.StrategyStatus {
	switch {
	case score >= activeScore:
		return models.StatusActive
	case score >= watchScore:
		return models.StatusWatch
	}
	return models.StatusReview
}
