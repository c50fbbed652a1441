package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/BaSui01/notegen/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 Redis 使用记录存储
// =============================================================================

// RedisUsageStore 把使用记录存为 Redis 有序集合（score 为纳秒时间戳），
// 多个客户端实例共享同一个频率统计。
type RedisUsageStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewRedisUsageStore 连接 Redis 并创建存储
func NewRedisUsageStore(cfg config.RedisConfig, logger *zap.Logger) (*RedisUsageStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis usage store initialized", zap.String("addr", cfg.Addr))
	return NewRedisUsageStoreWithClient(client, cfg.KeyPrefix, logger), nil
}

// NewRedisUsageStoreWithClient 使用已有客户端创建存储
func NewRedisUsageStoreWithClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisUsageStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisUsageStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "usage_redis")),
	}
}

// Record 实现 UsageStore
func (s *RedisUsageStore) Record(ctx context.Context, key string, at time.Time, window time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("usage store is closed")
	}

	k := s.keyPrefix + key
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", score(at.Add(-window)))
	pipe.ZAdd(ctx, k, redis.Z{
		Score:  float64(at.UnixNano()),
		Member: uuid.NewString(),
	})
	pipe.PExpire(ctx, k, 2*window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Count 实现 UsageStore
func (s *RedisUsageStore) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("usage store is closed")
	}

	k := s.keyPrefix + key
	// 窗口左开右闭
	n, err := s.client.ZCount(ctx, k, "("+score(now.Add(-window)), score(now)).Result()
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return int(n), nil
}

// Close 关闭 Redis 连接
func (s *RedisUsageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}
