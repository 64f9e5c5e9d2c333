package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"
)

// Config 令牌桶配置
type Config struct {
	// Rate 每秒补充的令牌数
	Rate float64
	// Burst 桶容量
	Burst int
	// CleanupInterval 过期桶清理间隔，<=0 时不启动清理
	CleanupInterval time.Duration
	// BucketExpiry 桶闲置多久后清理
	BucketExpiry time.Duration
	// Now 时钟，测试用
	Now func() time.Time
}

// DefaultConfig 默认配置：每秒 10 条，突发 20 条
func DefaultConfig() Config {
	return Config{
		Rate:            10,
		Burst:           20,
		CleanupInterval: 10 * time.Minute,
		BucketExpiry:    30 * time.Minute,
	}
}

// tokenBucket 令牌桶
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// take 取一个令牌，不足时返回还需等待的时间
func (t *tokenBucket) take(now time.Time, rate, burst float64) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := now.Sub(t.lastRefill).Seconds()
	if elapsed > 0 {
		t.tokens = math.Min(burst, t.tokens+elapsed*rate)
		t.lastRefill = now
	}

	if t.tokens >= 1 {
		t.tokens--
		return true, 0
	}
	wait := time.Duration((1 - t.tokens) / rate * float64(time.Second))
	return false, wait
}

// TokenBucket 进程内按 key 的令牌桶限流器
type TokenBucket struct {
	cfg     Config
	buckets map[string]*tokenBucket
	mu      sync.RWMutex
	done    chan struct{}
	once    sync.Once
}

// NewTokenBucket 创建令牌桶限流器
func NewTokenBucket(cfg Config) (*TokenBucket, error) {
	if cfg.Rate <= 0 {
		return nil, errors.New("ratelimit: rate must be positive")
	}
	if cfg.Burst <= 0 {
		return nil, errors.New("ratelimit: burst must be positive")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BucketExpiry <= 0 {
		cfg.BucketExpiry = 30 * time.Minute
	}

	l := &TokenBucket{
		cfg:     cfg,
		buckets: make(map[string]*tokenBucket),
		done:    make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l, nil
}

// Check 实现 Limiter
func (l *TokenBucket) Check(key string) Decision {
	now := l.cfg.Now()
	ok, wait := l.bucket(key, now).take(now, l.cfg.Rate, float64(l.cfg.Burst))
	return Decision{Allowed: ok, RetryAfter: wait}
}

// Len 当前桶数量
func (l *TokenBucket) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Close 停止后台清理
func (l *TokenBucket) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *TokenBucket) bucket(key string, now time.Time) *tokenBucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// 双重检查
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = &tokenBucket{tokens: float64(l.cfg.Burst), lastRefill: now}
	l.buckets[key] = b
	return b
}

func (l *TokenBucket) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.done:
			return
		}
	}
}

// cleanup 清理闲置的令牌桶
func (l *TokenBucket) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Now()
	for key, b := range l.buckets {
		b.mu.Lock()
		expired := now.Sub(b.lastRefill) > l.cfg.BucketExpiry
		b.mu.Unlock()
		if expired {
			delete(l.buckets, key)
		}
	}
}
