package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/google/uuid"
	"github.com/irfndi/celebrum-quant/internal/analytics"
	"github.com/irfndi/celebrum-quant/internal/cache"
	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/logging"
	"github.com/irfndi/celebrum-quant/internal/metrics"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/outcomes"
	"github.com/irfndi/celebrum-quant/internal/telemetry"
)

// FeatureOrder is the fixed column order of every model.
var FeatureOrder = []string{
	"momentum_15m",
	"rvol_10m",
	"vwap_dist",
	"breakout_pct",
	"spread_bps",
	"catalyst_score",
}

const (
	targetRecall = 0.3
	topPicks     = 3
	driftBins    = 10
)

// Retrain skip reasons.
const (
	SkipLocked          = "locked"
	SkipCooldown        = "cooldown"
	SkipTooFewNew       = "insufficient_new_samples"
	SkipTrainingSkipped = "training_skipped"
)

// Store is the part of the outcome store the trainer needs.
type Store interface {
	LoadOutcomes(ctx context.Context, mode models.Mode, since time.Time) ([]models.TradeOutcome, error)
	ShouldRetrain(ctx context.Context, mode models.Mode, lookback time.Duration) (bool, error)
	RecordModel(ctx context.Context, m models.ModelMetrics, v models.ModelVersion, publish func() error) error
	ActivateModel(ctx context.Context, modelID string) error
	ActiveModel(ctx context.Context, mode models.Mode) (*models.ModelMetrics, *models.ModelVersion, error)
	LatestModelTime(ctx context.Context, mode models.Mode) (time.Time, bool, error)
}

// Locker serialises retrains of one mode across processes.
type Locker interface {
	Acquire(ctx context.Context, name string) (*cache.Lock, error)
}

// RetrainResult reports what a retrain attempt did.
type RetrainResult struct {
	Mode       models.Mode          `json:"mode"`
	Trained    bool                 `json:"trained"`
	Promoted   bool                 `json:"promoted"`
	SkipReason string               `json:"skip_reason,omitempty"`
	Metrics    *models.ModelMetrics `json:"metrics,omitempty"`
}

// Trainer fits, evaluates and publishes outcome classifiers.
type Trainer struct {
	cfg     config.LearningConfig
	params  TreeParams
	store   Store
	locker  Locker
	tracer  *telemetry.BusinessTracer
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// TrainerOption customises a Trainer.
type TrainerOption func(*Trainer)

// WithLocker guards retrains with a distributed lock.
func WithLocker(l Locker) TrainerOption {
	return func(t *Trainer) { t.locker = l }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r *metrics.Recorder) TrainerOption {
	return func(t *Trainer) { t.metrics = r }
}

// WithTracer overrides the tracer.
func WithTracer(bt *telemetry.BusinessTracer) TrainerOption {
	return func(t *Trainer) { t.tracer = bt }
}

// WithTrainerClock overrides the clock.
func WithTrainerClock(now func() time.Time) TrainerOption {
	return func(t *Trainer) { t.now = now }
}

// NewTrainer creates a Trainer backed by store.
func NewTrainer(cfg config.LearningConfig, store Store, logger *logging.StandardLogger, opts ...TrainerOption) *Trainer {
	var params TreeParams
	_ = defaults.Set(&params)
	if cfg.Trees > 0 {
		params.Trees = cfg.Trees
	}
	if cfg.MaxDepth > 0 {
		params.MaxDepth = cfg.MaxDepth
	}
	if cfg.LearningRate > 0 {
		params.LearningRate = cfg.LearningRate
	}
	if cfg.MinLeafSamples > 0 {
		params.MinLeafSamples = cfg.MinLeafSamples
	}

	l := slog.Default()
	if logger != nil {
		l = logger.WithComponent("learning")
	}
	t := &Trainer{
		cfg:    cfg,
		params: params,
		store:  store,
		tracer: telemetry.NewBusinessTracer(),
		logger: l,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// LabelThreshold is the realised return a trade must reach to count as a win.
func (t *Trainer) LabelThreshold(mode models.Mode) float64 {
	if mode == models.ModeAggressive {
		return t.cfg.AggressiveThreshold
	}
	return t.cfg.SafeThreshold
}

type dataset struct {
	X       [][]float64
	y       []float64
	returns []float64
	days    []time.Time
}

func (d dataset) slice(from, to int) dataset {
	return dataset{X: d.X[from:to], y: d.y[from:to], returns: d.returns[from:to], days: d.days[from:to]}
}

func (d dataset) singleClass() bool {
	for _, v := range d.y[1:] {
		if v != d.y[0] {
			return false
		}
	}
	return true
}

func buildDataset(rows []models.TradeOutcome, threshold float64) dataset {
	d := dataset{
		X:       make([][]float64, len(rows)),
		y:       make([]float64, len(rows)),
		returns: make([]float64, len(rows)),
		days:    make([]time.Time, len(rows)),
	}
	for i, o := range rows {
		d.X[i] = featureVector(FeatureOrder, o.Features)
		d.returns[i] = o.Return
		if o.Return >= threshold {
			d.y[i] = 1
		}
		d.days[i] = o.Timestamp
	}
	return d
}

// Train fits a calibrated model for mode on the trailing outcome window,
// publishes its artifacts and records it inactive. Samples that are too
// small or hold one class return ErrModelTrainingSkipped.
func (t *Trainer) Train(ctx context.Context, mode models.Mode) (*models.ModelMetrics, error) {
	ctx, span := t.tracer.TraceRetrain(ctx, mode)
	defer span.End()

	now := t.now().UTC()
	rows, err := t.store.LoadOutcomes(ctx, mode, now.AddDate(0, 0, -t.cfg.LookbackDays))
	if err != nil {
		t.tracer.RecordError(span, err)
		return nil, fmt.Errorf("failed to load training outcomes: %w", err)
	}
	if len(rows) < t.cfg.MinTrainSamples {
		return nil, fmt.Errorf("%s has %d samples, need %d: %w", mode, len(rows), t.cfg.MinTrainSamples, models.ErrModelTrainingSkipped)
	}
	sort.SliceStable(rows, func(a, b int) bool { return rows[a].Timestamp.Before(rows[b].Timestamp) })

	data := buildDataset(rows, t.LabelThreshold(mode))
	n := len(rows)
	k := max(1, int(float64(n)*(1-t.cfg.ValidationSplit)))
	if k >= n {
		return nil, fmt.Errorf("%s validation split is empty: %w", mode, models.ErrModelTrainingSkipped)
	}
	train, val := data.slice(0, k), data.slice(k, n)
	if train.singleClass() || val.singleClass() {
		return nil, fmt.Errorf("%s labels hold a single class: %w", mode, models.ErrModelTrainingSkipped)
	}

	booster := FitBooster(train.X, train.y, t.params)
	margins := make([]float64, len(val.y))
	for i, x := range val.X {
		margins[i] = booster.Margin(x)
	}
	platt := FitPlatt(margins, val.y)
	probs := make([]float64, len(margins))
	for i, m := range margins {
		probs[i] = platt.Apply(m)
	}

	curve := TopKEquity(val.days, val.returns, probs, topPicks)
	m := &models.ModelMetrics{
		ModelID:           newModelID(mode, now),
		Mode:              mode,
		AUC:               AUC(val.y, probs),
		PrecisionAtRecall: PrecisionAtRecall(val.y, probs, targetRecall),
		HitRate:           analytics.Mean(val.y),
		AvgReturn:         curve.AvgReturn,
		Sharpe:            curve.Sharpe,
		MaxDrawdown:       curve.MaxDrawdown,
		NTrain:            len(train.y),
		NVal:              len(val.y),
		CreatedAt:         now,
		PrecisionAt3:      PrecisionAtKByDay(val.days, val.y, probs, topPicks),
	}

	detector := NewDriftDetector(FeatureOrder, driftBins, t.cfg.DriftThreshold)
	detector.SetReference(train.X)
	drift := detector.Detect(val.X)
	if drift.Detected {
		t.logger.Warn("Feature drift between training and validation windows",
			"mode", mode, "max_psi", drift.MaxPSI, "drifted", drift.Drifted)
	}

	art := &Artifact{ModelID: m.ModelID, Mode: mode, Features: FeatureOrder, Booster: booster, Calibration: platt}
	manifest := &Manifest{
		ModelID:  m.ModelID,
		Mode:     mode,
		Exported: now,
		Features: FeatureOrder,
		Platt:    platt,
		Params:   t.params,
		Metrics:  *m,
		Drift:    &drift,
	}
	files, err := stageArtifacts(t.cfg.ArtifactDir, art, manifest)
	if err != nil {
		t.tracer.RecordError(span, err)
		return nil, err
	}
	defer files.cleanup()

	version := models.ModelVersion{
		ModelID:      m.ModelID,
		Mode:         mode,
		ArtifactPath: files.artifactPath(),
		FeatureNames: FeatureOrder,
		CreatedAt:    now,
	}
	if err := t.store.RecordModel(ctx, *m, version, files.publish); err != nil {
		files.unpublish()
		t.tracer.RecordError(span, err)
		return nil, fmt.Errorf("failed to record model %s: %w", m.ModelID, err)
	}

	t.tracer.RecordModelMetrics(span, m)
	t.logger.Info("Model trained",
		"mode", mode,
		"model_id", m.ModelID,
		"auc", m.AUC,
		"precision_at_3", m.PrecisionAt3,
		"sharpe", m.Sharpe,
		"max_drawdown", m.MaxDrawdown,
		"n_train", m.NTrain,
		"n_val", m.NVal)
	return m, nil
}

// PromoteIfBetter activates candidate when it clears the guardrails and
// beats the active model of its mode.
func (t *Trainer) PromoteIfBetter(ctx context.Context, candidate *models.ModelMetrics) (bool, error) {
	if candidate.AUC < t.cfg.PromotionMinAUC || candidate.PrecisionAt3 < t.cfg.PromotionMinP3 {
		t.logger.Info("Guardrails block promotion",
			"model_id", candidate.ModelID, "auc", candidate.AUC, "precision_at_3", candidate.PrecisionAt3)
		return false, nil
	}

	incumbent, version, err := t.store.ActiveModel(ctx, candidate.Mode)
	switch {
	case errors.Is(err, outcomes.ErrNoActiveModel):
	case err != nil:
		return false, err
	default:
		if manifest, err := LoadManifest(ManifestPath(version.ArtifactPath)); err == nil {
			incumbent.PrecisionAt3 = manifest.Metrics.PrecisionAt3
		} else {
			t.logger.Warn("Active model manifest unreadable", "model_id", incumbent.ModelID, "error", err)
		}
		if candidate.PromotionScore() <= incumbent.PromotionScore() {
			t.logger.Info("Not promoted, active model scores higher",
				"model_id", candidate.ModelID,
				"candidate_score", candidate.PromotionScore(),
				"active_id", incumbent.ModelID,
				"active_score", incumbent.PromotionScore())
			return false, nil
		}
	}

	if err := t.store.ActivateModel(ctx, candidate.ModelID); err != nil {
		return false, err
	}
	candidate.IsActive = true
	t.logger.Info("Model promoted", "mode", candidate.Mode, "model_id", candidate.ModelID)
	return true, nil
}

// RetrainIfNeeded trains and maybe promotes a model for mode when the
// cooldown has passed and enough new outcomes arrived.
func (t *Trainer) RetrainIfNeeded(ctx context.Context, mode models.Mode) (RetrainResult, error) {
	res := RetrainResult{Mode: mode}

	if t.locker != nil {
		lock, err := t.locker.Acquire(ctx, "retrain:"+strings.ToLower(string(mode)))
		if errors.Is(err, cache.ErrLockHeld) {
			return t.skip(res, SkipLocked), nil
		}
		if err != nil {
			t.metrics.IncRetrain(string(mode), "failed")
			return res, err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				t.logger.Warn("Failed to release retrain lock", "mode", mode, "error", err)
			}
		}()
	}

	latest, ok, err := t.store.LatestModelTime(ctx, mode)
	if err != nil {
		t.metrics.IncRetrain(string(mode), "failed")
		return res, err
	}
	cooldown := time.Duration(t.cfg.RetrainMinHours * float64(time.Hour))
	if ok && t.now().Sub(latest) < cooldown {
		return t.skip(res, SkipCooldown), nil
	}

	enough, err := t.store.ShouldRetrain(ctx, mode, time.Duration(t.cfg.RetrainLookbackDays)*24*time.Hour)
	if err != nil {
		t.metrics.IncRetrain(string(mode), "failed")
		return res, err
	}
	if !enough {
		return t.skip(res, SkipTooFewNew), nil
	}

	m, err := t.Train(ctx, mode)
	if errors.Is(err, models.ErrModelTrainingSkipped) {
		t.logger.Info("Training skipped", "mode", mode, "reason", err.Error())
		return t.skip(res, SkipTrainingSkipped), nil
	}
	if err != nil {
		t.metrics.IncRetrain(string(mode), "failed")
		return res, err
	}
	res.Trained = true
	res.Metrics = m

	promoted, err := t.PromoteIfBetter(ctx, m)
	if err != nil {
		t.metrics.IncRetrain(string(mode), "failed")
		return res, fmt.Errorf("failed to promote %s: %w", m.ModelID, err)
	}
	res.Promoted = promoted
	if promoted {
		t.metrics.IncRetrain(string(mode), "promoted")
	} else {
		t.metrics.IncRetrain(string(mode), "trained")
	}
	return res, nil
}

func (t *Trainer) skip(res RetrainResult, reason string) RetrainResult {
	res.SkipReason = reason
	t.metrics.IncRetrain(string(res.Mode), "skipped")
	t.metrics.IncSkipped("retrain", reason)
	return res
}

func newModelID(mode models.Mode, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s", strings.ToLower(string(mode)), now.Format("20060102_150405"), uuid.NewString()[:8])
}
