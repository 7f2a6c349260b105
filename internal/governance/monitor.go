package governance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/logging"
	"github.com/irfndi/celebrum-quant/internal/models"
)

// OutcomeSource loads closed trades of a mode.
type OutcomeSource interface {
	LoadOutcomes(ctx context.Context, mode models.Mode, since time.Time) ([]models.TradeOutcome, error)
}

// Report is the outcome of one governance check.
type Report struct {
	Performance models.StrategyPerformance `json:"performance"`
	Health      models.StrategyHealth      `json:"health"`
	State       LifecycleState             `json:"state"`
	Changed     bool                       `json:"changed"`
}

// Monitor evaluates modes from the outcome store and advances their
// lifecycle.
type Monitor struct {
	cfg       config.GovernanceConfig
	evaluator *Evaluator
	policy    Policy
	source    OutcomeSource
	states    StateStore
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewMonitor wires a Monitor. notifier may be nil.
func NewMonitor(cfg config.GovernanceConfig, evaluator *Evaluator, source OutcomeSource, states StateStore, notifier Notifier, logger *logging.StandardLogger) *Monitor {
	l := slog.Default()
	if logger != nil {
		l = logger.WithComponent("governance")
	}
	return &Monitor{
		cfg:       cfg,
		evaluator: evaluator,
		policy:    Policy{PauseAfter: cfg.PauseAfter, RetireAfter: cfg.RetireAfter},
		source:    source,
		states:    states,
		notifier:  notifier,
		logger:    l,
		now:       time.Now,
	}
}

// Current evaluates mode without touching its lifecycle state.
func (m *Monitor) Current(ctx context.Context, mode models.Mode) (Report, error) {
	perf, err := m.performance(ctx, mode)
	if err != nil {
		return Report{}, err
	}
	health, err := m.evaluator.Evaluate(perf, mode)
	if err != nil {
		return Report{}, err
	}
	state, err := m.states.Load(ctx, mode)
	if err != nil {
		return Report{}, err
	}
	return Report{Performance: perf, Health: health, State: state}, nil
}

// Check evaluates mode, applies the lifecycle policy, persists the new
// state and notifies on a status change.
func (m *Monitor) Check(ctx context.Context, mode models.Mode) (Report, error) {
	perf, err := m.performance(ctx, mode)
	if err != nil {
		return Report{}, err
	}
	health, err := m.evaluator.Evaluate(perf, mode)
	if err != nil {
		return Report{}, err
	}

	prev, err := m.states.Load(ctx, mode)
	if err != nil {
		return Report{}, err
	}
	next := m.policy.Apply(prev, health)
	if err := m.states.Save(ctx, next); err != nil {
		return Report{}, err
	}

	report := Report{Performance: perf, Health: health, State: next, Changed: next.Status != prev.Status}
	if report.Changed {
		m.logger.Warn("Strategy status changed",
			"mode", mode, "from", prev.Status, "to", next.Status, "score", health.Score)
		if m.cfg.NotifyChange && m.notifier != nil {
			if err := m.notifier.NotifyStatusChange(ctx, prev, next, health); err != nil {
				m.logger.Error("Failed to send status change alert", "mode", mode, "error", err)
			}
		}
	}
	return report, nil
}

func (m *Monitor) performance(ctx context.Context, mode models.Mode) (models.StrategyPerformance, error) {
	end := m.now().UTC()
	start := end.AddDate(0, 0, -m.cfg.WindowDays)
	rows, err := m.source.LoadOutcomes(ctx, mode, start)
	if err != nil {
		return models.StrategyPerformance{}, fmt.Errorf("failed to load outcomes for %s: %w", mode, err)
	}
	return BuildPerformance(mode, rows, start, end.Add(time.Nanosecond)), nil
}
