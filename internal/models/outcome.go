package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a closed trade.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ParseSide normalises a side string.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideLong:
		return SideLong, nil
	case SideShort:
		return SideShort, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// Mode is a strategy risk mode.
type Mode string

const (
	ModeSafe       Mode = "SAFE"
	ModeAggressive Mode = "AGGRESSIVE"
)

// AllModes lists the strategy modes in a stable order.
var AllModes = []Mode{ModeSafe, ModeAggressive}

// ParseMode normalises a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeSafe:
		return ModeSafe, nil
	case ModeAggressive, "AGG":
		return ModeAggressive, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// TradeOutcome is an immutable record of one closed trade.
type TradeOutcome struct {
	// TradeID identifies the closed trade; redelivered events reuse it.
	TradeID    string             `json:"trade_id" validate:"required"`
	Symbol     string             `json:"symbol" validate:"required"`
	Side       Side               `json:"side" validate:"required,oneof=LONG SHORT"`
	EntryPrice decimal.Decimal    `json:"entry_price"`
	ExitPrice  decimal.Decimal    `json:"exit_price"`
	EntryTime  time.Time          `json:"entry_time" validate:"required"`
	ExitTime   time.Time          `json:"exit_time" validate:"required"`
	Mode       Mode               `json:"mode" validate:"required,oneof=SAFE AGGRESSIVE"`
	Return     float64            `json:"outcome"`
	Features   map[string]float64 `json:"features"`
	Score      float64            `json:"score"`
	Timestamp  time.Time          `json:"timestamp"`
}

// SignedReturn computes the realised return of the trade, negated for shorts.
func SignedReturn(side Side, entry, exit decimal.Decimal) (float64, error) {
	if !entry.IsPositive() {
		return 0, fmt.Errorf("entry price must be positive, got %s", entry)
	}
	r := exit.Sub(entry).Div(entry)
	if side == SideShort {
		r = r.Neg()
	}
	f, _ := r.Float64()
	return f, nil
}

// ModelMetrics is the evaluation record of one trained model.
type ModelMetrics struct {
	ModelID           string    `json:"model_id"`
	Mode              Mode      `json:"mode"`
	AUC               float64   `json:"auc"`
	PrecisionAtRecall float64   `json:"precision_at_recall"`
	HitRate           float64   `json:"hit_rate"`
	AvgReturn         float64   `json:"avg_return"`
	Sharpe            float64   `json:"sharpe"`
	MaxDrawdown       float64   `json:"max_drawdown"`
	NTrain            int       `json:"n_train"`
	NVal              int       `json:"n_val"`
	CreatedAt         time.Time `json:"created_at"`
	IsActive          bool      `json:"is_active"`

	// PrecisionAt3 is the daily top-3 precision; it is stored in the manifest only.
	PrecisionAt3 float64 `json:"precision_at_3"`
}

// PromotionScore ranks candidate models against the incumbent.
func (m ModelMetrics) PromotionScore() float64 {
	return 0.5*m.AUC + 0.4*m.PrecisionAt3 + 0.1*m.Sharpe
}

// ModelVersion points at a model artifact on disk.
type ModelVersion struct {
	ModelID      string    `json:"model_id"`
	Mode         Mode      `json:"mode"`
	ArtifactPath string    `json:"artifact_path"`
	FeatureNames []string  `json:"feature_names"`
	CreatedAt    time.Time `json:"created_at"`
	IsActive     bool      `json:"is_active"`
}
