// Package ingest consumes closed-trade events from Kafka and appends them to
// the outcome store. Each worker owns one group reader, so messages of a
// partition are handled in order and committed only after they are stored.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/metrics"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/services"
	"github.com/irfndi/celebrum-quant/internal/utils"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutcomeSink stores a closed trade. A trade id that is already stored
// yields models.ErrDuplicateOutcome.
type OutcomeSink interface {
	LogOutcome(ctx context.Context, o models.TradeOutcome) error
}

// RewardSink feeds realised returns back to the mode bandit.
type RewardSink interface {
	Record(ctx context.Context, regime string, mode models.Mode, reward float64) error
}

// Event is the wire format of a closed trade.
type Event struct {
	TradeID    string             `json:"trade_id"`
	Symbol     string             `json:"symbol"`
	Side       string             `json:"side"`
	EntryPrice decimal.Decimal    `json:"entry_price"`
	ExitPrice  decimal.Decimal    `json:"exit_price"`
	EntryTime  time.Time          `json:"entry_time"`
	ExitTime   time.Time          `json:"exit_time"`
	Mode       string             `json:"mode"`
	Features   map[string]float64 `json:"features"`
	Score      float64            `json:"score"`
	Regime     string             `json:"regime,omitempty"`
}

// Outcome converts the event into a TradeOutcome.
func (e Event) Outcome() (models.TradeOutcome, error) {
	tradeID := strings.TrimSpace(e.TradeID)
	if tradeID == "" {
		return models.TradeOutcome{}, utils.NewValidationError("trade_id is required")
	}
	side, err := models.ParseSide(e.Side)
	if err != nil {
		return models.TradeOutcome{}, utils.NewValidationError(err.Error())
	}
	mode, err := models.ParseMode(e.Mode)
	if err != nil {
		return models.TradeOutcome{}, utils.NewValidationError(err.Error())
	}
	return models.TradeOutcome{
		TradeID:    tradeID,
		Symbol:     strings.ToUpper(strings.TrimSpace(e.Symbol)),
		Side:       side,
		EntryPrice: e.EntryPrice,
		ExitPrice:  e.ExitPrice,
		EntryTime:  e.EntryTime,
		ExitTime:   e.ExitTime,
		Mode:       mode,
		Features:   e.Features,
		Score:      e.Score,
	}, nil
}

// DecodeEvent parses a message value. Malformed payloads are validation errors.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, utils.NewValidationErrorf("malformed outcome event: %v", err)
	}
	return e, nil
}

// NewReaders opens one group reader per worker.
func NewReaders(cfg config.KafkaConfig) ([]Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	readers := make([]Reader, 0, workers)
	for i := 0; i < workers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.OutcomesTopic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}))
	}
	return readers, nil
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithRewards forwards each stored outcome to the bandit.
func WithRewards(r RewardSink) Option {
	return func(c *Consumer) { c.rewards = r }
}

// WithRetrier overrides the retry policy for store writes.
func WithRetrier(r *services.Retrier) Option {
	return func(c *Consumer) { c.retrier = r }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(m *metrics.Recorder) Option {
	return func(c *Consumer) { c.recorder = m }
}

// Consumer runs the ingestion workers.
type Consumer struct {
	readers  []Reader
	sink     OutcomeSink
	rewards  RewardSink
	retrier  *services.Retrier
	recorder *metrics.Recorder
	logger   *logrus.Logger
}

// NewConsumer creates a consumer over the given readers.
func NewConsumer(readers []Reader, sink OutcomeSink, logger *logrus.Logger, opts ...Option) *Consumer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Consumer{
		readers: readers,
		sink:    sink,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retrier == nil {
		c.retrier = services.NewRetrier(services.DefaultRetryPolicy(), logger)
	}
	return c
}

// Run blocks until ctx is cancelled or a worker hits an error it cannot get
// past. Readers are closed on return. Uncommitted messages are redelivered
// to the group after a restart.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.close()

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range c.readers {
		g.Go(func() error { return c.work(gctx, i, r) })
	}
	c.logger.WithField("workers", len(c.readers)).Info("Outcome consumer started")

	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = nil
	}
	c.logger.Info("Outcome consumer stopped")
	return err
}

func (c *Consumer) close() {
	for i, r := range c.readers {
		if err := r.Close(); err != nil {
			c.logger.WithFields(logrus.Fields{"worker": i, "error": err.Error()}).Warn("Failed to close reader")
		}
	}
}

func (c *Consumer) work(ctx context.Context, id int, r Reader) error {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("worker %d: failed to fetch message: %w", id, err)
		}

		if err := c.Handle(ctx, msg); err != nil {
			return fmt.Errorf("worker %d: %w", id, err)
		}
		if err := c.commit(ctx, r, msg); err != nil {
			return fmt.Errorf("worker %d: %w", id, err)
		}
	}
}

// Handle stores one message. Poison messages are logged and dropped so the
// offset can advance; only store failures that survive retries are returned.
// A redelivered trade is committed without rewarding the bandit again.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	fields := logrus.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	}

	event, err := DecodeEvent(msg.Value)
	if err == nil {
		var outcome models.TradeOutcome
		outcome, err = event.Outcome()
		if err == nil {
			err = c.store(ctx, outcome)
		}
		if err == nil {
			c.reward(ctx, event, outcome)
			return nil
		}
		if errors.Is(err, models.ErrDuplicateOutcome) {
			fields["trade_id"] = outcome.TradeID
			c.logger.WithFields(fields).Info("Skipping duplicate outcome event")
			c.recorder.IncSkipped("ingest", "duplicate_event")
			return nil
		}
	}

	if utils.IsValidationError(err) {
		fields["error"] = err.Error()
		c.logger.WithFields(fields).Warn("Dropping invalid outcome event")
		c.recorder.IncSkipped("ingest", "invalid_event")
		return nil
	}
	c.recorder.IncExternalError("outcome_store")
	return err
}

func (c *Consumer) store(ctx context.Context, o models.TradeOutcome) error {
	return c.retrier.Do(ctx, "log_outcome", func(ctx context.Context) error {
		err := c.sink.LogOutcome(ctx, o)
		if err == nil || utils.IsValidationError(err) || errors.Is(err, models.ErrDuplicateOutcome) {
			return err
		}
		return &models.ExternalServiceError{Service: "outcome_store", Operation: "log_outcome", Transient: true, Err: err}
	})
}

func (c *Consumer) reward(ctx context.Context, e Event, o models.TradeOutcome) {
	if c.rewards == nil || e.Regime == "" {
		return
	}
	ret, err := models.SignedReturn(o.Side, o.EntryPrice, o.ExitPrice)
	if err != nil {
		return
	}
	if err := c.rewards.Record(ctx, e.Regime, o.Mode, ret); err != nil {
		c.logger.WithFields(logrus.Fields{
			"regime": e.Regime,
			"mode":   o.Mode,
			"error":  err.Error(),
		}).Warn("Failed to record bandit reward")
	}
}

func (c *Consumer) commit(ctx context.Context, r Reader, msg kafka.Message) error {
	return c.retrier.Do(ctx, "commit_offset", func(ctx context.Context) error {
		if err := r.CommitMessages(ctx, msg); err != nil {
			return &models.ExternalServiceError{Service: "kafka", Operation: "commit", Transient: true, Err: err}
		}
		return nil
	})
}
