package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientHistory is returned when a computation lacks enough bars.
	// Callers skip the instrument or window; it is never fatal to a run.
	ErrInsufficientHistory = errors.New("insufficient history")

	// ErrModelTrainingSkipped is returned when a training sample is too small
	// or single-class. The previously active model stays active.
	ErrModelTrainingSkipped = errors.New("model training skipped")

	// ErrAllocationDegenerate marks allocations with fewer than two eligible names.
	// It is reported as a diagnostic, not returned to callers.
	ErrAllocationDegenerate = errors.New("allocation degenerate")

	// ErrDuplicateOutcome is returned when a trade id was already logged.
	ErrDuplicateOutcome = errors.New("duplicate trade outcome")
)

// InsufficientHistoryError carries the required and available bar counts.
type InsufficientHistoryError struct {
	Symbol    string
	Required  int
	Available int
}

func (e *InsufficientHistoryError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("insufficient history: need %d bars, have %d", e.Required, e.Available)
	}
	return fmt.Sprintf("insufficient history for %s: need %d bars, have %d", e.Symbol, e.Required, e.Available)
}

func (e *InsufficientHistoryError) Unwrap() error {
	return ErrInsufficientHistory
}

// NewInsufficientHistory builds an InsufficientHistoryError.
func NewInsufficientHistory(symbol string, required, available int) error {
	return &InsufficientHistoryError{Symbol: symbol, Required: required, Available: available}
}

// DataQualityError reports missing or contradictory bars.
type DataQualityError struct {
	Symbol string
	Index  int
	Reason string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality error for %s at bar %d: %s", e.Symbol, e.Index, e.Reason)
}

// ExternalServiceError wraps failures of market data or quote providers.
// Transient reports whether a retry may succeed.
type ExternalServiceError struct {
	Service   string
	Operation string
	Transient bool
	Err       error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Operation, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is an ExternalServiceError worth retrying.
func IsTransient(err error) bool {
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return ext.Transient
	}
	return false
}
