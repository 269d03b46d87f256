// Package storage adapts the bridge's two narrow, deliberately small
// persistence needs: a transient online-worker set in Redis, and a
// blocks-found audit ledger in Postgres. Neither shares nor payouts are
// persisted here; that bookkeeping belongs to a pool accounting system
// downstream of the bridge, not the bridge itself.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kaspa-stratum/bridge/internal/config"
)

// RedisClient wraps the bridge's two Redis-backed concerns: tracking
// which workers are currently online, and an optional second dedup
// check shared across bridge instances.
type RedisClient struct {
	client    *redis.Client
	cfg       config.RedisConfig
	logger    *zap.Logger
	keyPrefix string
}

// NewRedisClient creates a new Redis client and verifies connectivity.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to Redis", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))

	return &RedisClient{
		client:    client,
		cfg:       cfg,
		logger:    logger.Named("redis"),
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) key(parts ...string) string {
	key := r.keyPrefix
	for _, part := range parts {
		key += part + ":"
	}
	return key[:len(key)-1]
}

// AddOnlineWorker marks workerName online with a TTL-bound heartbeat;
// the set is advisory (for dashboards/metrics), never authoritative.
func (r *RedisClient) AddOnlineWorker(ctx context.Context, workerName string) error {
	key := r.key("workers", "online")
	if _, err := r.client.SAdd(ctx, key, workerName).Result(); err != nil {
		return fmt.Errorf("failed to add online worker: %w", err)
	}

	heartbeatKey := r.key("worker", workerName, "heartbeat")
	_, err := r.client.Set(ctx, heartbeatKey, time.Now().Unix(), r.cfg.WorkerTTL).Result()
	return err
}

// RemoveOnlineWorker removes a worker from the online set.
func (r *RedisClient) RemoveOnlineWorker(ctx context.Context, workerName string) error {
	key := r.key("workers", "online")
	if _, err := r.client.SRem(ctx, key, workerName).Result(); err != nil {
		return fmt.Errorf("failed to remove online worker: %w", err)
	}
	r.client.Del(ctx, r.key("worker", workerName, "heartbeat"))
	return nil
}

// GetOnlineWorkerCount returns the number of workers currently marked online.
func (r *RedisClient) GetOnlineWorkerCount(ctx context.Context) (int64, error) {
	count, err := r.client.SCard(ctx, r.key("workers", "online")).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get online worker count: %w", err)
	}
	return count, nil
}

// CheckAndMark implements share.DistributedDedup: it atomically checks
// whether key has been seen within ttl and marks it seen if not. Used
// as a cross-instance backstop behind each instance's in-memory LRU.
func (r *RedisClient) CheckAndMark(key string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	set, err := r.client.SetNX(ctx, r.key("dedup", key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate share: %w", err)
	}
	return !set, nil
}
