package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/services"
	"github.com/irfndi/celebrum-quant/internal/utils"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const validEvent = `{"trade_id":"T-1001","symbol":"aapl","side":"short","entry_price":"100","exit_price":"90",
	"entry_time":"2025-03-03T14:30:00Z","exit_time":"2025-03-04T14:30:00Z",
	"mode":"SAFE","features":{"momentum_15m":1.5},"score":0.8,"regime":"bull"}`

// fakeReader serves queued messages, then calls onDrained and blocks.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
	onDrained func()
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	drained := r.onDrained
	r.mu.Unlock()
	if drained != nil {
		drained()
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type mockSink struct{ mock.Mock }

func (m *mockSink) LogOutcome(ctx context.Context, o models.TradeOutcome) error {
	return m.Called(ctx, o).Error(0)
}

type mockRewards struct{ mock.Mock }

func (m *mockRewards) Record(ctx context.Context, regime string, mode models.Mode, reward float64) error {
	return m.Called(ctx, regime, mode, reward).Error(0)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func fastRetrier() *services.Retrier {
	return services.NewRetrier(services.RetryPolicy{
		MaxRetries:    2,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 1,
	}, quietLogger())
}

func message(offset int64, value string) kafka.Message {
	return kafka.Message{Topic: "trade-outcomes", Offset: offset, Value: []byte(value)}
}

func TestEvent_Outcome(t *testing.T) {
	e, err := DecodeEvent([]byte(validEvent))
	require.NoError(t, err)

	o, err := e.Outcome()
	require.NoError(t, err)
	assert.Equal(t, "T-1001", o.TradeID)
	assert.Equal(t, "AAPL", o.Symbol)
	assert.Equal(t, models.SideShort, o.Side)
	assert.Equal(t, models.ModeSafe, o.Mode)
	assert.Equal(t, "90", o.ExitPrice.String())
	assert.Equal(t, 1.5, o.Features["momentum_15m"])
	assert.Equal(t, "bull", e.Regime)
}

func TestEvent_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"symbol":`},
		{"missing trade id", `{"symbol":"AAPL","side":"LONG","mode":"SAFE"}`},
		{"unknown side", `{"trade_id":"T-1","symbol":"AAPL","side":"flat","mode":"SAFE"}`},
		{"unknown mode", `{"trade_id":"T-1","symbol":"AAPL","side":"LONG","mode":"yolo"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := DecodeEvent([]byte(tt.payload))
			if err == nil {
				_, err = e.Outcome()
			}
			require.Error(t, err)
			assert.True(t, utils.IsValidationError(err))
		})
	}
}

func TestNewReaders_RequiresBrokers(t *testing.T) {
	_, err := NewReaders(config.KafkaConfig{OutcomesTopic: "trade-outcomes"})
	assert.Error(t, err)
}

func TestConsumer_Run_StoresAndCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{
		queue: []kafka.Message{
			message(1, validEvent),
			message(2, `not json`),
			message(3, validEvent),
		},
		onDrained: cancel,
	}
	sink := new(mockSink)
	sink.On("LogOutcome", mock.Anything, mock.MatchedBy(func(o models.TradeOutcome) bool {
		return o.Symbol == "AAPL" && o.Mode == models.ModeSafe
	})).Return(nil).Twice()
	rewards := new(mockRewards)
	rewards.On("Record", mock.Anything, "bull", models.ModeSafe, mock.MatchedBy(func(r float64) bool {
		return r > 0.099 && r < 0.101
	})).Return(nil).Twice()

	c := NewConsumer([]Reader{reader}, sink, quietLogger(),
		WithRewards(rewards), WithRetrier(fastRetrier()))

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, []int64{1, 2, 3}, reader.committed)
	assert.True(t, reader.closed)
	sink.AssertExpectations(t)
	rewards.AssertExpectations(t)
}

func TestConsumer_Handle_RetriesStoreFailures(t *testing.T) {
	sink := new(mockSink)
	sink.On("LogOutcome", mock.Anything, mock.Anything).Return(errors.New("connection reset")).Once()
	sink.On("LogOutcome", mock.Anything, mock.Anything).Return(nil).Once()

	c := NewConsumer(nil, sink, quietLogger(), WithRetrier(fastRetrier()))

	require.NoError(t, c.Handle(context.Background(), message(7, validEvent)))
	sink.AssertNumberOfCalls(t, "LogOutcome", 2)
}

func TestConsumer_Handle_DropsRejectedOutcome(t *testing.T) {
	sink := new(mockSink)
	sink.On("LogOutcome", mock.Anything, mock.Anything).
		Return(utils.NewValidationError("exit_time before entry_time"))

	c := NewConsumer(nil, sink, quietLogger(), WithRetrier(fastRetrier()))

	require.NoError(t, c.Handle(context.Background(), message(7, validEvent)))
	sink.AssertNumberOfCalls(t, "LogOutcome", 1)
}

func TestConsumer_Run_StopsOnPersistentFailure(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{message(1, validEvent), message(2, validEvent)}}
	sink := new(mockSink)
	sink.On("LogOutcome", mock.Anything, mock.Anything).Return(errors.New("database is down"))

	c := NewConsumer([]Reader{reader}, sink, quietLogger(), WithRetrier(fastRetrier()))

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is down")
	assert.Empty(t, reader.committed)
	assert.True(t, reader.closed)
	sink.AssertNumberOfCalls(t, "LogOutcome", 3)
}

func TestConsumer_Handle_RewardFailureIsNotFatal(t *testing.T) {
	sink := new(mockSink)
	sink.On("LogOutcome", mock.Anything, mock.Anything).Return(nil)
	rewards := new(mockRewards)
	rewards.On("Record", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down"))

	c := NewConsumer(nil, sink, quietLogger(), WithRewards(rewards), WithRetrier(fastRetrier()))

	assert.NoError(t, c.Handle(context.Background(), message(1, validEvent)))
	rewards.AssertExpectations(t)
}

func TestConsumer_Handle_DuplicateDeliveryRewardsOnce(t *testing.T) {
	sink := new(mockSink)
	sink.On("LogOutcome", mock.Anything, mock.MatchedBy(func(o models.TradeOutcome) bool {
		return o.TradeID == "T-1001"
	})).Return(nil).Once()
	sink.On("LogOutcome", mock.Anything, mock.Anything).
		Return(fmt.Errorf("%w: T-1001", models.ErrDuplicateOutcome)).Once()
	rewards := new(mockRewards)
	rewards.On("Record", mock.Anything, "bull", models.ModeSafe, mock.Anything).Return(nil).Once()

	c := NewConsumer(nil, sink, quietLogger(), WithRewards(rewards), WithRetrier(fastRetrier()))

	require.NoError(t, c.Handle(context.Background(), message(1, validEvent)))
	require.NoError(t, c.Handle(context.Background(), message(1, validEvent)))

	sink.AssertNumberOfCalls(t, "LogOutcome", 2)
	rewards.AssertNumberOfCalls(t, "Record", 1)
	rewards.AssertExpectations(t)
}

func TestConsumer_Run_CommitsRedeliveredTrade(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{
		queue:     []kafka.Message{message(4, validEvent), message(5, validEvent)},
		onDrained: cancel,
	}
	sink := new(mockSink)
	sink.On("LogOutcome", mock.Anything, mock.Anything).Return(nil).Once()
	sink.On("LogOutcome", mock.Anything, mock.Anything).Return(models.ErrDuplicateOutcome).Once()
	rewards := new(mockRewards)
	rewards.On("Record", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	c := NewConsumer([]Reader{reader}, sink, quietLogger(),
		WithRewards(rewards), WithRetrier(fastRetrier()))

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, []int64{4, 5}, reader.committed)
	sink.AssertNumberOfCalls(t, "LogOutcome", 2)
	rewards.AssertNumberOfCalls(t, "Record", 1)
}
