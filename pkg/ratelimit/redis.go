package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tokmz/beacon/pkg/logger"
)

// RedisConfig 固定窗口限流配置
type RedisConfig struct {
	// Limit 每个窗口允许的次数
	Limit int64
	// Window 窗口长度
	Window time.Duration
	// Prefix key 前缀
	Prefix string
	// Timeout 单次检查的超时，超时按放行处理
	Timeout time.Duration
	// Logger 日志
	Logger logger.Logger
}

// RedisLimiter 基于 Redis INCR 的固定窗口限流器，多实例共享计数
type RedisLimiter struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

// NewRedisLimiter 创建 Redis 限流器
func NewRedisLimiter(client redis.UniversalClient, cfg RedisConfig) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is nil")
	}
	if cfg.Limit <= 0 {
		return nil, errors.New("ratelimit: limit must be positive")
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "beacon:ratelimit:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &RedisLimiter{client: client, cfg: cfg}, nil
}

// Check 实现 Limiter，Redis 不可用时放行并记录告警
func (l *RedisLimiter) Check(key string) Decision {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.Timeout)
	defer cancel()

	k := l.cfg.Prefix + key
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, l.cfg.Window)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		l.cfg.Logger.Warn("rate limiter backend unavailable, allowing",
			zap.String("key", key),
			zap.Error(err),
		)
		return Decision{Allowed: true}
	}

	if incr.Val() <= l.cfg.Limit {
		return Decision{Allowed: true}
	}
	wait := ttl.Val()
	if wait <= 0 {
		wait = l.cfg.Window
	}
	return Decision{Allowed: false, RetryAfter: wait}
}
