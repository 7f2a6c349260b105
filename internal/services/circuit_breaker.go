package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the current state of the circuit breaker
type CircuitBreakerState int

const (
	Closed CircuitBreakerState = iota
	Open
	HalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" default:"5"`
	SuccessThreshold int           `json:"success_threshold" default:"2"`
	Timeout          time.Duration `json:"timeout" default:"30s"`      // wait before trying half-open
	MaxRequests      int           `json:"max_requests" default:"3"`   // in-flight calls allowed while half-open
	ResetTimeout     time.Duration `json:"reset_timeout" default:"5m"` // quiet period that clears failures
}

// CircuitBreakerStats holds statistics for the circuit breaker
type CircuitBreakerStats struct {
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	RejectedRequests   int64     `json:"rejected_requests"`
	LastFailureTime    time.Time `json:"last_failure_time"`
	LastSuccessTime    time.Time `json:"last_success_time"`
	StateChanges       int64     `json:"state_changes"`
}

// CircuitBreaker guards calls to an external service. The protected
// function runs without holding the breaker's lock.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger *logrus.Logger
	now    func() time.Time

	mu              sync.Mutex
	state           CircuitBreakerState
	failureCount    int
	successCount    int
	inFlight        int
	lastFailureTime time.Time
	lastStateChange time.Time
	stats           CircuitBreakerStats
}

// NewCircuitBreaker creates a new circuit breaker. Zero config fields take
// their default tag values.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *logrus.Logger) *CircuitBreaker {
	applyDefaults(&config)
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          logger,
		now:             time.Now,
		state:           Closed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn with circuit breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"state":           cb.GetState().String(),
		}).Warn("Circuit breaker is open, rejecting request")
		return ErrCircuitOpen
	}

	start := cb.now()
	err := fn(ctx)
	cb.record(err, cb.now().Sub(start))
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalRequests++
	now := cb.now()

	switch cb.state {
	case Closed:
		if !cb.lastFailureTime.IsZero() && now.Sub(cb.lastFailureTime) > cb.config.ResetTimeout {
			cb.failureCount = 0
		}
		return true
	case Open:
		if now.Sub(cb.lastStateChange) >= cb.config.Timeout {
			cb.setState(HalfOpen)
			cb.successCount = 0
			cb.inFlight = 1
			return true
		}
	case HalfOpen:
		if cb.inFlight < cb.config.MaxRequests {
			cb.inFlight++
			return true
		}
	}
	cb.stats.RejectedRequests++
	return false
}

func (cb *CircuitBreaker) record(err error, duration time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == HalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}

	if err == nil {
		cb.stats.SuccessfulRequests++
		cb.stats.LastSuccessTime = cb.now()
		switch cb.state {
		case Closed:
			cb.failureCount = 0
		case HalfOpen:
			cb.successCount++
			if cb.successCount >= cb.config.SuccessThreshold {
				cb.setState(Closed)
				cb.failureCount = 0
				cb.successCount = 0
			}
		}
		return
	}

	cb.stats.FailedRequests++
	cb.stats.LastFailureTime = cb.now()
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case Closed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(Open)
		}
	case HalfOpen:
		cb.failureCount++
		cb.successCount = 0
		cb.setState(Open)
	}

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"state":           cb.state.String(),
		"error":           err.Error(),
		"duration_ms":     duration.Milliseconds(),
		"failure_count":   cb.failureCount,
	}).Warn("Circuit breaker: failed execution")
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.stats.StateChanges++
	if newState != HalfOpen {
		cb.inFlight = 0
	}

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"old_state":       oldState.String(),
		"new_state":       newState.String(),
		"failure_count":   cb.failureCount,
	}).Info("Circuit breaker state changed")
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns the current statistics
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(Closed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.inFlight = 0
}
