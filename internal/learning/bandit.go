package learning

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/redis/go-redis/v9"
)

// Arm is a Beta(Alpha, Beta) posterior over the win probability of a mode.
type Arm struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

// ArmStats is a read-only view of an arm.
type ArmStats struct {
	Alpha      float64 `json:"alpha"`
	Beta       float64 `json:"beta"`
	WinRate    float64 `json:"win_rate"`
	Confidence float64 `json:"confidence"`
}

// Bandit chooses a strategy mode per market context by Thompson sampling.
type Bandit struct {
	mu    sync.Mutex
	modes []models.Mode
	arms  map[string]map[models.Mode]*Arm
	rng   *rand.Rand
}

// NewBandit creates a bandit over modes with uniform priors. Sampling is
// reproducible for a given seed.
func NewBandit(seed uint64, modes ...models.Mode) *Bandit {
	if len(modes) == 0 {
		modes = models.AllModes
	}
	sorted := append([]models.Mode(nil), modes...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })
	return &Bandit{
		modes: sorted,
		arms:  make(map[string]map[models.Mode]*Arm),
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (b *Bandit) context(ctx string) map[models.Mode]*Arm {
	arms, ok := b.arms[ctx]
	if !ok {
		arms = make(map[models.Mode]*Arm, len(b.modes))
		for _, m := range b.modes {
			arms[m] = &Arm{Alpha: 1, Beta: 1}
		}
		b.arms[ctx] = arms
	}
	return arms
}

// Select samples every arm of the context and returns the best mode.
func (b *Bandit) Select(ctx string) models.Mode {
	b.mu.Lock()
	defer b.mu.Unlock()

	arms := b.context(ctx)
	best, bestDraw := b.modes[0], -1.0
	for _, m := range b.modes {
		draw := sampleBeta(b.rng, arms[m].Alpha, arms[m].Beta)
		if draw > bestDraw {
			best, bestDraw = m, draw
		}
	}
	return best
}

// Update credits a positive reward as a win and anything else as a loss.
func (b *Bandit) Update(ctx string, mode models.Mode, reward float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	arm, ok := b.context(ctx)[mode]
	if !ok {
		return
	}
	if reward > 0 {
		arm.Alpha++
	} else {
		arm.Beta++
	}
}

// Snapshot returns the posterior of every arm.
func (b *Bandit) Snapshot() map[string]map[models.Mode]ArmStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]map[models.Mode]ArmStats, len(b.arms))
	for ctx, arms := range b.arms {
		out[ctx] = make(map[models.Mode]ArmStats, len(arms))
		for m, a := range arms {
			total := a.Alpha + a.Beta
			out[ctx][m] = ArmStats{Alpha: a.Alpha, Beta: a.Beta, WinRate: a.Alpha / total, Confidence: total}
		}
	}
	return out
}

func (b *Bandit) set(ctx string, mode models.Mode, arm Arm) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.context(ctx)[mode]; ok {
		*a = arm
	}
}

// sampleBeta draws from Beta(a, b) through two gamma variates.
func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	x := sampleGamma(rng, a)
	y := sampleGamma(rng, b)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma uses Marsaglia and Tsang; shapes below one are boosted.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x || math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// BanditStore keeps arm counts in a Redis hash so that several processes
// can credit outcomes without overwriting each other.
type BanditStore struct {
	redis *redis.Client
	key   string
}

// NewBanditStore creates a store under key.
func NewBanditStore(client *redis.Client, key string) *BanditStore {
	return &BanditStore{redis: client, key: key}
}

func armField(ctx string, mode models.Mode, param string) string {
	return ctx + "|" + string(mode) + "|" + param
}

// Record credits one outcome to the persisted arm.
func (s *BanditStore) Record(ctx context.Context, regime string, mode models.Mode, reward float64) error {
	param := "beta"
	if reward > 0 {
		param = "alpha"
	}
	if err := s.redis.HIncrByFloat(ctx, s.key, armField(regime, mode, param), 1).Err(); err != nil {
		return fmt.Errorf("failed to record bandit reward: %w", err)
	}
	return nil
}

// Load rebuilds a bandit from the persisted counts on top of uniform priors.
func (s *BanditStore) Load(ctx context.Context, seed uint64, modes ...models.Mode) (*Bandit, error) {
	fields, err := s.redis.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load bandit state: %w", err)
	}

	b := NewBandit(seed, modes...)
	type armKey struct {
		ctx  string
		mode models.Mode
	}
	counts := make(map[armKey]*Arm)
	for field, raw := range fields {
		parts := strings.Split(field, "|")
		if len(parts) != 3 {
			continue
		}
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		k := armKey{ctx: parts[0], mode: models.Mode(parts[1])}
		a, ok := counts[k]
		if !ok {
			a = &Arm{Alpha: 1, Beta: 1}
			counts[k] = a
		}
		switch parts[2] {
		case "alpha":
			a.Alpha += n
		case "beta":
			a.Beta += n
		}
	}
	for k, a := range counts {
		b.set(k.ctx, k.mode, *a)
	}
	return b, nil
}
