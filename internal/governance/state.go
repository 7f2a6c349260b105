package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/redis/go-redis/v9"
)

// StateStore persists lifecycle states.
type StateStore interface {
	Load(ctx context.Context, mode models.Mode) (LifecycleState, error)
	Save(ctx context.Context, state LifecycleState) error
}

// RedisStateStore keeps one JSON document per mode.
type RedisStateStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStateStore creates a store writing keys under prefix.
func NewRedisStateStore(client *redis.Client, prefix string) *RedisStateStore {
	return &RedisStateStore{redis: client, prefix: prefix}
}

func (s *RedisStateStore) key(mode models.Mode) string {
	return s.prefix + string(mode)
}

// Load returns the stored state, or a fresh ACTIVE state when none exists.
func (s *RedisStateStore) Load(ctx context.Context, mode models.Mode) (LifecycleState, error) {
	raw, err := s.redis.Get(ctx, s.key(mode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewLifecycleState(mode), nil
	}
	if err != nil {
		return LifecycleState{}, fmt.Errorf("failed to load lifecycle state: %w", err)
	}
	var st LifecycleState
	if err := json.Unmarshal(raw, &st); err != nil {
		return LifecycleState{}, fmt.Errorf("failed to decode lifecycle state for %s: %w", mode, err)
	}
	return st, nil
}

// Save overwrites the state of its mode.
func (s *RedisStateStore) Save(ctx context.Context, state LifecycleState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode lifecycle state: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(state.Mode), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to save lifecycle state: %w", err)
	}
	return nil
}
