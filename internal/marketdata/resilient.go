package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/irfndi/celebrum-quant/internal/metrics"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/services"
)

// ResilientSource adds a per-call timeout, retries of transient failures
// and a circuit breaker around another adapter.
type ResilientSource struct {
	inner   Adapter
	breaker *services.CircuitBreaker
	retrier *services.Retrier
	timeout time.Duration
	metrics *metrics.Recorder
}

// NewResilientSource wraps inner. A zero timeout disables the deadline.
func NewResilientSource(inner Adapter, breaker *services.CircuitBreaker, retrier *services.Retrier, timeout time.Duration, recorder *metrics.Recorder) *ResilientSource {
	return &ResilientSource{inner: inner, breaker: breaker, retrier: retrier, timeout: timeout, metrics: recorder}
}

func (r *ResilientSource) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	// data errors are answers, not outages: they bypass the breaker and retries
	var dataErr error
	err := r.retrier.Do(ctx, operation, func(ctx context.Context) error {
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		return r.breaker.Execute(ctx, func(ctx context.Context) error {
			err := fn(ctx)
			if isDataError(err) {
				dataErr = err
				return nil
			}
			return err
		})
	})
	if errors.Is(err, services.ErrCircuitOpen) {
		err = &models.ExternalServiceError{Service: r.breaker.Name(), Operation: operation, Err: err}
	}
	if err != nil {
		r.metrics.IncExternalError(r.breaker.Name())
		return err
	}
	return dataErr
}

func isDataError(err error) bool {
	var dq *models.DataQualityError
	return errors.Is(err, models.ErrInsufficientHistory) || errors.As(err, &dq)
}

func (r *ResilientSource) GetPriceHistory(ctx context.Context, symbols []string, start, end time.Time) (map[string]models.PriceSeries, error) {
	var out map[string]models.PriceSeries
	err := r.call(ctx, "get_price_history", func(ctx context.Context) error {
		var err error
		out, err = r.inner.GetPriceHistory(ctx, symbols, start, end)
		return err
	})
	return out, err
}

func (r *ResilientSource) GetBenchmarkAndVolatility(ctx context.Context, start, end time.Time) (models.PriceSeries, models.PriceSeries, error) {
	var bench, vol models.PriceSeries
	err := r.call(ctx, "get_benchmark", func(ctx context.Context) error {
		var err error
		bench, vol, err = r.inner.GetBenchmarkAndVolatility(ctx, start, end)
		return err
	})
	return bench, vol, err
}
