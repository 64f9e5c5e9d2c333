// Package ratelimit 提供按 key 限流的检查器
//
// 检查是同步的，不会阻塞等待令牌：被拒绝时返回建议的重试间隔。
package ratelimit

import "time"

// Decision 单次检查结果
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter 限流检查器
type Limiter interface {
	Check(key string) Decision
}

// LimiterFunc 函数适配器
type LimiterFunc func(key string) Decision

// Check 实现 Limiter
func (f LimiterFunc) Check(key string) Decision {
	return f(key)
}

// Unlimited 始终放行
var Unlimited Limiter = LimiterFunc(func(string) Decision {
	return Decision{Allowed: true}
})
