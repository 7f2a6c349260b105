package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/creasty/defaults"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/sirupsen/logrus"
)

// RetryPolicy defines retry behavior for failed operations
type RetryPolicy struct {
	MaxRetries    int           `default:"3"`
	InitialDelay  time.Duration `default:"200ms"`
	MaxDelay      time.Duration `default:"5s"`
	BackoffFactor float64       `default:"2"`
	JitterEnabled bool          `default:"true"`
}

// DefaultRetryPolicy returns a policy populated from the default tags.
func DefaultRetryPolicy() RetryPolicy {
	var p RetryPolicy
	applyDefaults(&p)
	return p
}

func applyDefaults(v any) {
	if err := defaults.Set(v); err != nil {
		// tags are static, so this only fires on a programming error
		panic(fmt.Sprintf("invalid default tags: %v", err))
	}
}

// Retryable reports whether err is worth another attempt. Only transient
// external service failures qualify.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return models.IsTransient(err)
}

// Retrier executes operations with exponential backoff.
type Retrier struct {
	policy RetryPolicy
	logger *logrus.Logger
	sleep  func(context.Context, time.Duration) error
	rng    *rand.Rand
}

// NewRetrier creates a Retrier. A zero policy takes the defaults.
func NewRetrier(policy RetryPolicy, logger *logrus.Logger) *Retrier {
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Retrier{
		policy: policy,
		logger: logger,
		sleep:  sleepContext,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs operation until it succeeds, returns a non-retryable error, the
// attempts are exhausted, or ctx is done.
func (r *Retrier) Do(ctx context.Context, operationName string, operation func(context.Context) error) error {
	delay := r.policy.InitialDelay
	var err error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = operation(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.WithFields(logrus.Fields{
					"operation": operationName,
					"attempts":  attempt + 1,
				}).Info("Operation recovered after retry")
			}
			return nil
		}
		if !Retryable(err) || attempt == r.policy.MaxRetries {
			break
		}

		wait := r.jitter(delay)
		r.logger.WithFields(logrus.Fields{
			"operation": operationName,
			"attempt":   attempt + 1,
			"delay_ms":  wait.Milliseconds(),
			"error":     err.Error(),
		}).Warn("Operation failed, retrying")

		if sleepErr := r.sleep(ctx, wait); sleepErr != nil {
			return sleepErr
		}
		delay = time.Duration(float64(delay) * r.policy.BackoffFactor)
		if delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}
	return err
}

// jitter adds up to ±12.5% to the delay.
func (r *Retrier) jitter(d time.Duration) time.Duration {
	if !r.policy.JitterEnabled || d <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*0.25*(r.rng.Float64()-0.5))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
