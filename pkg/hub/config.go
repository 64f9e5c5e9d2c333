package hub

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokmz/beacon/pkg/logger"
	"github.com/tokmz/beacon/pkg/ratelimit"
)

// Config Hub 配置
type Config struct {
	// 连接配置
	MaxConnections int           // 最大连接数，0 表示不限制
	MaxMessageSize int64         // 单帧最大字节数
	WriteWait      time.Duration // 单次写超时

	// 心跳配置
	HeartbeatInterval time.Duration // 探测周期
	HeartbeatTimeout  time.Duration // 探测后的应答宽限期

	// 事件桥配置
	EventWorkers   int // 监听器 worker 数
	EventQueueSize int // 监听器任务队列长度

	// Upgrader 配置
	UpgraderConfig UpgraderConfig

	// 协作者
	RateLimiter    ratelimit.Limiter
	IDGenerator    IDGenerator
	Metrics        Metrics
	Logger         logger.Logger
	TracerProvider trace.TracerProvider

	// Clock 时钟，测试用
	Clock func() time.Time
}

// UpgraderConfig Upgrader 配置
type UpgraderConfig struct {
	ReadBufferSize    int                      // 读缓冲区大小
	WriteBufferSize   int                      // 写缓冲区大小
	HandshakeTimeout  time.Duration            // 握手超时
	CheckOrigin       func(*http.Request) bool // Origin 检查函数
	EnableCompression bool                     // 是否启用压缩
	AllowedOrigins    []string                 // 允许的 Origin 白名单
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:    10000,
		MaxMessageSize:    64 * 1024,
		WriteWait:         10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		EventWorkers:      4,
		EventQueueSize:    1024,
		UpgraderConfig: UpgraderConfig{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
		RateLimiter: ratelimit.Unlimited,
		IDGenerator: UUIDGenerator(),
		Metrics:     &NoopMetrics{},
		Clock:       time.Now,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.MaxConnections < 0 {
		return fmt.Errorf("MaxConnections must not be negative, got %d", c.MaxConnections)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("MaxMessageSize must be positive, got %d", c.MaxMessageSize)
	}
	if c.WriteWait <= 0 {
		return fmt.Errorf("WriteWait must be positive, got %v", c.WriteWait)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HeartbeatInterval must be positive, got %v", c.HeartbeatInterval)
	}
	// 宽限期必须在下一次探测之前结束
	if c.HeartbeatTimeout <= 0 || c.HeartbeatTimeout >= c.HeartbeatInterval {
		return fmt.Errorf("HeartbeatTimeout (%v) must be positive and shorter than HeartbeatInterval (%v)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.EventWorkers <= 0 {
		return fmt.Errorf("EventWorkers must be positive, got %d", c.EventWorkers)
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("EventQueueSize must be positive, got %d", c.EventQueueSize)
	}
	if c.UpgraderConfig.ReadBufferSize <= 0 {
		return fmt.Errorf("UpgraderConfig.ReadBufferSize must be positive, got %d", c.UpgraderConfig.ReadBufferSize)
	}
	if c.UpgraderConfig.WriteBufferSize <= 0 {
		return fmt.Errorf("UpgraderConfig.WriteBufferSize must be positive, got %d", c.UpgraderConfig.WriteBufferSize)
	}
	if c.RateLimiter == nil {
		return fmt.Errorf("RateLimiter must not be nil")
	}
	if c.IDGenerator == nil {
		return fmt.Errorf("IDGenerator must not be nil")
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithMaxConnections 设置最大连接数
func WithMaxConnections(max int) Option {
	return func(c *Config) {
		c.MaxConnections = max
	}
}

// WithHeartbeatInterval 设置探测周期
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
	}
}

// WithHeartbeatTimeout 设置应答宽限期
func WithHeartbeatTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatTimeout = timeout
	}
}

// WithWriteWait 设置单次写超时
func WithWriteWait(d time.Duration) Option {
	return func(c *Config) {
		c.WriteWait = d
	}
}

// WithMessageSizeLimit 设置消息大小限制
func WithMessageSizeLimit(size int64) Option {
	return func(c *Config) {
		c.MaxMessageSize = size
	}
}

// WithEventWorkers 设置事件监听 worker 数和队列长度
func WithEventWorkers(workers, queueSize int) Option {
	return func(c *Config) {
		c.EventWorkers = workers
		c.EventQueueSize = queueSize
	}
}

// WithRateLimiter 设置入站限流器
func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(c *Config) {
		c.RateLimiter = l
	}
}

// WithIDGenerator 设置连接标识生成器
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Config) {
		c.IDGenerator = g
	}
}

// WithMetrics 设置监控
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithTracerProvider 设置 TracerProvider，默认使用全局
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) {
		c.TracerProvider = tp
	}
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Clock = now
	}
}

// WithCheckOrigin 设置 Origin 检查函数
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(c *Config) {
		c.UpgraderConfig.CheckOrigin = fn
	}
}

// WithCheckOriginWhitelist 设置 Origin 白名单
// 示例：WithCheckOriginWhitelist([]string{"https://console.example.com"})
func WithCheckOriginWhitelist(allowedOrigins []string) Option {
	return func(c *Config) {
		c.UpgraderConfig.AllowedOrigins = allowedOrigins
		c.UpgraderConfig.CheckOrigin = createWhitelistChecker(allowedOrigins)
	}
}

// WithAllowAllOrigins 允许所有来源（仅用于开发环境）
func WithAllowAllOrigins() Option {
	return func(c *Config) {
		c.UpgraderConfig.CheckOrigin = func(r *http.Request) bool {
			return true
		}
	}
}

// WithEnableCompression 启用压缩
func WithEnableCompression(enable bool) Option {
	return func(c *Config) {
		c.UpgraderConfig.EnableCompression = enable
	}
}

// defaultCheckOrigin 同源检查，没有 Origin 头的非浏览器客户端放行
func defaultCheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// createWhitelistChecker 创建白名单检查器
func createWhitelistChecker(allowedOrigins []string) func(*http.Request) bool {
	whitelist := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		whitelist[origin] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// 白名单模式下拒绝空 Origin
			return false
		}
		_, ok := whitelist[origin]
		return ok
	}
}

// Upgrader WebSocket 升级器
type Upgrader struct {
	upgrader websocket.Upgrader
}

// NewUpgrader 创建升级器
func NewUpgrader(config UpgraderConfig) *Upgrader {
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		if len(config.AllowedOrigins) > 0 {
			checkOrigin = createWhitelistChecker(config.AllowedOrigins)
		} else {
			checkOrigin = defaultCheckOrigin
		}
	}

	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			HandshakeTimeout:  config.HandshakeTimeout,
			CheckOrigin:       checkOrigin,
			EnableCompression: config.EnableCompression,
		},
	}
}

// Upgrade 升级 HTTP 连接为 WebSocket
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return u.upgrader.Upgrade(w, r, nil)
}
