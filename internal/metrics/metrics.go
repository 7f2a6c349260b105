// Package metrics records pipeline metrics to Prometheus and mirrors them
// to the structured log at debug level.
package metrics

import (
	"net/http"
	"time"

	"github.com/irfndi/celebrum-quant/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "celebrum_quant"

// Recorder collects pipeline metrics. A nil *Recorder is a valid no-op.
type Recorder struct {
	registry *prometheus.Registry
	logger   *logging.StandardLogger

	operationDuration *prometheus.HistogramVec
	skipped           *prometheus.CounterVec
	targetWeight      *prometheus.GaugeVec
	retrains          *prometheus.CounterVec
	outcomes          *prometheus.CounterVec
	governanceScore   *prometheus.GaugeVec
	backtestWindows   *prometheus.CounterVec
	externalErrors    *prometheus.CounterVec
}

// New creates a Recorder with its own registry.
func New(logger *logging.StandardLogger) *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		logger:   logger,
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of pipeline operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		skipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skipped_total",
				Help:      "Instruments or windows skipped, by component and reason",
			},
			[]string{"component", "reason"},
		),
		targetWeight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "target_weight",
				Help:      "Latest target weight per symbol",
			},
			[]string{"symbol"},
		),
		retrains: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retrains_total",
				Help:      "Retrain attempts by mode and result",
			},
			[]string{"mode", "result"},
		),
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outcomes_logged_total",
				Help:      "Trade outcomes appended to the store",
			},
			[]string{"mode"},
		),
		governanceScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "governance_health_score",
				Help:      "Latest strategy health score per mode",
			},
			[]string{"mode"},
		),
		backtestWindows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backtest_windows_total",
				Help:      "Backtest rebalance windows by status",
			},
			[]string{"status"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "external_errors_total",
				Help:      "Failures of external services",
			},
			[]string{"service"},
		),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler returns an HTTP handler serving the registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveDuration records how long an operation took.
func (r *Recorder) ObserveDuration(operation string, d time.Duration) {
	if r == nil {
		return
	}
	r.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
	r.debug("operation_duration_seconds", d.Seconds(), "operation", operation)
}

// IncSkipped counts an instrument or window skipped by a component.
func (r *Recorder) IncSkipped(component, reason string) {
	if r == nil {
		return
	}
	r.skipped.WithLabelValues(component, reason).Inc()
	r.debug("skipped_total", 1, "component", component, "reason", reason)
}

// SetTargetWeight records the latest target weight of a symbol.
func (r *Recorder) SetTargetWeight(symbol string, weight float64) {
	if r == nil {
		return
	}
	r.targetWeight.WithLabelValues(symbol).Set(weight)
}

// IncRetrain counts a retrain attempt.
func (r *Recorder) IncRetrain(mode, result string) {
	if r == nil {
		return
	}
	r.retrains.WithLabelValues(mode, result).Inc()
	r.debug("retrains_total", 1, "mode", mode, "result", result)
}

// IncOutcome counts an appended trade outcome.
func (r *Recorder) IncOutcome(mode string) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(mode).Inc()
}

// SetGovernanceScore records a strategy health score.
func (r *Recorder) SetGovernanceScore(mode string, score float64) {
	if r == nil {
		return
	}
	r.governanceScore.WithLabelValues(mode).Set(score)
	r.debug("governance_health_score", score, "mode", mode)
}

// IncBacktestWindow counts a processed or skipped backtest window.
func (r *Recorder) IncBacktestWindow(status string) {
	if r == nil {
		return
	}
	r.backtestWindows.WithLabelValues(status).Inc()
}

// IncExternalError counts a failed external call.
func (r *Recorder) IncExternalError(service string) {
	if r == nil {
		return
	}
	r.externalErrors.WithLabelValues(service).Inc()
}

func (r *Recorder) debug(name string, value float64, labels ...any) {
	if r.logger == nil {
		return
	}
	args := append([]any{"event", "metric", "metric", name, "value", value}, labels...)
	r.logger.Logger().Debug("Metric recorded", args...)
}
