package governance

import (
	"time"

	"github.com/irfndi/celebrum-quant/internal/models"
)

// LifecycleState is the persisted status of one strategy mode.
type LifecycleState struct {
	Mode         models.Mode           `json:"mode"`
	Status       models.StrategyStatus `json:"status"`
	ReviewStreak int                   `json:"review_streak"`
	PausedStreak int                   `json:"paused_streak"`
	LastScore    float64               `json:"last_score"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// NewLifecycleState is the state of a strategy never evaluated before.
func NewLifecycleState(mode models.Mode) LifecycleState {
	return LifecycleState{Mode: mode, Status: models.StatusActive}
}

// Policy pauses strategies that stay in REVIEW and retires strategies that
// stay paused.
type Policy struct {
	PauseAfter  int
	RetireAfter int
}

// Apply folds one evaluation into the lifecycle state.
//
// RETIRED is terminal. A paused strategy resumes on an ACTIVE evaluation
// and otherwise counts towards retirement. Evaluations without enough data
// leave the state untouched.
func (p Policy) Apply(state LifecycleState, health models.StrategyHealth) LifecycleState {
	next := state
	next.UpdatedAt = health.EvaluatedAt

	if state.Status == models.StatusRetired || health.InsufficientData {
		return next
	}
	next.LastScore = health.Score

	if state.Status == models.StatusPaused {
		if health.Status == models.StatusActive {
			next.Status = models.StatusActive
			next.ReviewStreak, next.PausedStreak = 0, 0
			return next
		}
		next.PausedStreak++
		if next.PausedStreak >= p.RetireAfter {
			next.Status = models.StatusRetired
		}
		return next
	}

	if health.Status != models.StatusReview {
		next.Status = health.Status
		next.ReviewStreak = 0
		return next
	}

	next.ReviewStreak++
	next.Status = models.StatusReview
	if next.ReviewStreak >= p.PauseAfter {
		next.Status = models.StatusPaused
		next.PausedStreak = 0
	}
	return next
}
