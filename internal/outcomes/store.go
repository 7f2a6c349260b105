// Package outcomes persists realised trade outcomes and trained model
// records, and decides when enough new evidence exists to retrain.
package outcomes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/irfndi/celebrum-quant/internal/database"
	"github.com/irfndi/celebrum-quant/internal/metrics"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/utils"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	// ErrStoreClosed is returned by every call made outside Open/Close.
	ErrStoreClosed = errors.New("outcome store is not open")
	// ErrModelNotFound is returned when activating an unknown model.
	ErrModelNotFound = errors.New("model not found")
	// ErrNoActiveModel is returned when a mode has no active model.
	ErrNoActiveModel = errors.New("no active model")
)

// DefaultRetrainThreshold is the number of new outcomes that make a retrain
// worthwhile.
const DefaultRetrainThreshold = 50

const (
	insertOutcomeSQL = `INSERT INTO trading_outcomes
		(trade_id, symbol, side, entry_price, exit_price, entry_time, exit_time, mode, outcome, features_json, score, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (trade_id) DO NOTHING`

	countOutcomesSQL = `SELECT COUNT(*) FROM trading_outcomes WHERE mode = $1 AND timestamp >= $2`

	selectOutcomesSQL = `SELECT trade_id, symbol, side, entry_price, exit_price, entry_time, exit_time, mode, outcome, features_json, score, timestamp
		FROM trading_outcomes WHERE mode = $1 AND timestamp >= $2
		ORDER BY exit_time, timestamp, id`

	insertMetricsSQL = `INSERT INTO model_metrics
		(model_id, mode, auc, precision_at_recall, hit_rate, avg_return, sharpe, max_drawdown, n_train, n_val, created_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE)`

	insertVersionSQL = `INSERT INTO model_versions
		(model_id, mode, artifact_path, feature_names_json, created_at, is_active)
		VALUES ($1, $2, $3, $4, $5, FALSE)`

	selectModeSQL = `SELECT mode FROM model_metrics WHERE model_id = $1`

	lockModeSQL = `SELECT model_id FROM model_metrics WHERE mode = $1 FOR UPDATE`

	activateMetricsSQL = `UPDATE model_metrics SET is_active = (model_id = $1) WHERE mode = $2`

	activateVersionsSQL = `UPDATE model_versions SET is_active = (model_id = $1) WHERE mode = $2`

	selectActiveSQL = `SELECT m.model_id, m.mode, m.auc, m.precision_at_recall, m.hit_rate, m.avg_return,
		m.sharpe, m.max_drawdown, m.n_train, m.n_val, m.created_at,
		v.artifact_path, v.feature_names_json
		FROM model_metrics m JOIN model_versions v ON v.model_id = m.model_id
		WHERE m.mode = $1 AND m.is_active`

	selectLatestModelSQL = `SELECT MAX(created_at) FROM model_metrics WHERE mode = $1`
)

// Store is the outcome and model registry. Call Open before use and Close
// when done.
type Store struct {
	pool    database.DatabasePool
	release func()
	logger  *logrus.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	minNewSamples int

	mu     sync.RWMutex
	opened bool
}

// Option configures a Store.
type Option func(*Store)

// WithRelease registers a function run by Close, typically closing the pool.
func WithRelease(fn func()) Option {
	return func(s *Store) { s.release = fn }
}

// WithMetrics records appended outcomes.
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Store) { s.metrics = m }
}

// WithRetrainThreshold sets how many new outcomes trigger a retrain.
func WithRetrainThreshold(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.minNewSamples = n
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store over pool.
func NewStore(pool database.DatabasePool, logger *logrus.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Store{pool: pool, logger: logger, now: time.Now, minNewSamples: DefaultRetrainThreshold}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open initialises the schema. Calling Open on an open store is a no-op.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	if err := database.EnsureSchema(ctx, s.pool); err != nil {
		return fmt.Errorf("failed to open outcome store: %w", err)
	}
	s.opened = true
	s.logger.Info("Outcome store opened")
	return nil
}

// Close releases the store. Later calls fail with ErrStoreClosed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return
	}
	s.opened = false
	if s.release != nil {
		s.release()
	}
	s.logger.Info("Outcome store closed")
}

func (s *Store) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.opened {
		return ErrStoreClosed
	}
	return nil
}

// LogOutcome appends one closed trade. The realised return is recomputed
// from the prices with the side's sign; rows are never updated. A trade id
// that is already stored leaves the table unchanged and returns
// models.ErrDuplicateOutcome.
func (s *Store) LogOutcome(ctx context.Context, o models.TradeOutcome) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := utils.ValidateStruct(o); err != nil {
		return err
	}
	if o.ExitTime.Before(o.EntryTime) {
		return utils.NewValidationError("exit_time before entry_time")
	}
	ret, err := models.SignedReturn(o.Side, o.EntryPrice, o.ExitPrice)
	if err != nil {
		return utils.NewValidationError(err.Error())
	}
	features, err := json.Marshal(nonNilFeatures(o.Features))
	if err != nil {
		return fmt.Errorf("failed to encode features: %w", err)
	}
	ts := o.Timestamp
	if ts.IsZero() {
		ts = s.now().UTC()
	}

	tag, err := s.pool.Exec(ctx, insertOutcomeSQL,
		o.TradeID, o.Symbol, string(o.Side), o.EntryPrice, o.ExitPrice,
		o.EntryTime.UTC(), o.ExitTime.UTC(), string(o.Mode), ret,
		string(features), o.Score, ts)
	if err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.WithFields(logrus.Fields{
			"trade_id": o.TradeID,
			"symbol":   o.Symbol,
		}).Debug("Outcome already logged")
		return fmt.Errorf("%w: %s", models.ErrDuplicateOutcome, o.TradeID)
	}

	s.metrics.IncOutcome(string(o.Mode))
	s.logger.WithFields(logrus.Fields{
		"trade_id": o.TradeID,
		"symbol":   o.Symbol,
		"mode":     o.Mode,
		"side":     o.Side,
		"return":   ret,
	}).Debug("Outcome logged")
	return nil
}

// CountOutcomes counts rows logged for mode since the given time.
func (s *Store) CountOutcomes(ctx context.Context, mode models.Mode, since time.Time) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int
	if err := s.pool.QueryRow(ctx, countOutcomesSQL, string(mode), since.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outcomes: %w", err)
	}
	return n, nil
}

// ShouldRetrain reports whether enough outcomes were logged for mode within
// the lookback window. It is a data sufficiency gate only.
func (s *Store) ShouldRetrain(ctx context.Context, mode models.Mode, lookback time.Duration) (bool, error) {
	n, err := s.CountOutcomes(ctx, mode, s.now().Add(-lookback))
	if err != nil {
		return false, err
	}
	return n >= s.minNewSamples, nil
}

// LoadOutcomes returns the outcomes of mode since the given time in
// chronological order of exit.
func (s *Store) LoadOutcomes(ctx context.Context, mode models.Mode, since time.Time) ([]models.TradeOutcome, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, selectOutcomesSQL, string(mode), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.TradeOutcome
	for rows.Next() {
		var (
			o             models.TradeOutcome
			side, rowMode string
			entry, exit   decimal.Decimal
			featuresJSON  string
			score         *float64
		)
		if err := rows.Scan(&o.TradeID, &o.Symbol, &side, &entry, &exit, &o.EntryTime, &o.ExitTime,
			&rowMode, &o.Return, &featuresJSON, &score, &o.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Side = models.Side(side)
		o.Mode = models.Mode(rowMode)
		o.EntryPrice, o.ExitPrice = entry, exit
		if score != nil {
			o.Score = *score
		}
		if featuresJSON != "" {
			if err := json.Unmarshal([]byte(featuresJSON), &o.Features); err != nil {
				return nil, &models.DataQualityError{Symbol: o.Symbol, Index: len(out), Reason: "malformed features_json"}
			}
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outcomes: %w", err)
	}
	return out, nil
}

// RecordModel inserts the metrics and version rows of a new, inactive model
// in one transaction. publish runs inside the transaction after the inserts;
// if it fails the rows are rolled back.
func (s *Store) RecordModel(ctx context.Context, m models.ModelMetrics, v models.ModelVersion, publish func() error) (err error) {
	if err := s.ready(); err != nil {
		return err
	}
	names, err := json.Marshal(v.FeatureNames)
	if err != nil {
		return fmt.Errorf("failed to encode feature names: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.WithError(rbErr).Error("Failed to roll back model record")
			}
		}
	}()

	if _, err = tx.Exec(ctx, insertMetricsSQL,
		m.ModelID, string(m.Mode), m.AUC, m.PrecisionAtRecall, m.HitRate, m.AvgReturn,
		m.Sharpe, m.MaxDrawdown, m.NTrain, m.NVal, m.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert model metrics: %w", err)
	}
	if _, err = tx.Exec(ctx, insertVersionSQL,
		v.ModelID, string(v.Mode), v.ArtifactPath, string(names), v.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert model version: %w", err)
	}
	if publish != nil {
		if err = publish(); err != nil {
			return fmt.Errorf("failed to publish model artifact: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit model record: %w", err)
	}
	return nil
}

// ActivateModel makes modelID the only active model of its mode. The mode's
// rows are locked for the duration so concurrent activations serialise.
func (s *Store) ActivateModel(ctx context.Context, modelID string) (err error) {
	if err := s.ready(); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.WithError(rbErr).Error("Failed to roll back activation")
			}
		}
	}()

	var mode string
	if err = tx.QueryRow(ctx, selectModeSQL, modelID).Scan(&mode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
		}
		return fmt.Errorf("failed to look up model: %w", err)
	}

	rows, err := tx.Query(ctx, lockModeSQL, mode)
	if err != nil {
		return fmt.Errorf("failed to lock mode %s: %w", mode, err)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return fmt.Errorf("failed to lock mode %s: %w", mode, err)
	}

	if _, err = tx.Exec(ctx, activateMetricsSQL, modelID, mode); err != nil {
		return fmt.Errorf("failed to activate model metrics: %w", err)
	}
	if _, err = tx.Exec(ctx, activateVersionsSQL, modelID, mode); err != nil {
		return fmt.Errorf("failed to activate model version: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit activation: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"model_id": modelID,
		"mode":     mode,
	}).Info("Model activated")
	return nil
}

// ActiveModel returns the active model of mode, or ErrNoActiveModel.
func (s *Store) ActiveModel(ctx context.Context, mode models.Mode) (*models.ModelMetrics, *models.ModelVersion, error) {
	if err := s.ready(); err != nil {
		return nil, nil, err
	}
	var (
		m        models.ModelMetrics
		v        models.ModelVersion
		rowMode  string
		namesRaw string
	)
	err := s.pool.QueryRow(ctx, selectActiveSQL, string(mode)).Scan(
		&m.ModelID, &rowMode, &m.AUC, &m.PrecisionAtRecall, &m.HitRate, &m.AvgReturn,
		&m.Sharpe, &m.MaxDrawdown, &m.NTrain, &m.NVal, &m.CreatedAt,
		&v.ArtifactPath, &namesRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNoActiveModel
		}
		return nil, nil, fmt.Errorf("failed to load active model: %w", err)
	}
	m.Mode = models.Mode(rowMode)
	m.IsActive = true
	v.ModelID, v.Mode, v.CreatedAt, v.IsActive = m.ModelID, m.Mode, m.CreatedAt, true
	if err := json.Unmarshal([]byte(namesRaw), &v.FeatureNames); err != nil {
		return nil, nil, fmt.Errorf("failed to decode feature names: %w", err)
	}
	return &m, &v, nil
}

// LatestModelTime returns when the newest model of mode was created.
func (s *Store) LatestModelTime(ctx context.Context, mode models.Mode) (time.Time, bool, error) {
	if err := s.ready(); err != nil {
		return time.Time{}, false, err
	}
	var latest *time.Time
	if err := s.pool.QueryRow(ctx, selectLatestModelSQL, string(mode)).Scan(&latest); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest model: %w", err)
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return *latest, true, nil
}

func nonNilFeatures(f map[string]float64) map[string]float64 {
	if f == nil {
		return map[string]float64{}
	}
	return f
}
