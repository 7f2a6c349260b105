package database

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/services"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisPingTimeout = 5 * time.Second

// RedisClient backs the price cache, retrain locks, bandit arms and
// governance lifecycle state.
type RedisClient struct {
	Client *redis.Client
}

// RedisOptions maps the configuration onto client options.
func RedisOptions(cfg config.RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  redisPingTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	return opts
}

// NewRedisConnection connects and pings Redis. With a non-nil retrier the
// ping is retried as a transient failure.
func NewRedisConnection(ctx context.Context, cfg config.RedisConfig, retrier *services.Retrier) (*RedisClient, error) {
	opts := RedisOptions(cfg)
	rdb := redis.NewClient(opts)

	ping := func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return &models.ExternalServiceError{Service: "redis", Operation: "ping", Transient: true, Err: err}
		}
		return nil
	}

	var err error
	if retrier != nil {
		err = retrier.Do(ctx, "redis_connect", ping)
	} else {
		err = ping(ctx)
	}
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logrus.WithFields(logrus.Fields{"addr": opts.Addr, "db": opts.DB}).Info("Successfully connected to Redis")
	return &RedisClient{Client: rdb}, nil
}

func (r *RedisClient) Close() {
	if r.Client != nil {
		_ = r.Client.Close()
		logrus.Info("Redis connection closed")
	}
}

func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return fmt.Errorf("redis client not initialized")
	}
	return r.Client.Ping(ctx).Err()
}
