package beacon

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tokmz/beacon/pkg/hub"
	"github.com/tokmz/beacon/pkg/logger"
	"github.com/tokmz/beacon/pkg/ratelimit"
	"github.com/tokmz/beacon/pkg/tracing"
)

// Server HTTP 入口：websocket 升级、发布接口、统计、指标
type Server struct {
	cfg    ServerConfig
	engine *gin.Engine
	hub    *hub.Hub
	log    logger.Logger

	gatherer       prometheus.Gatherer
	publishLimiter ratelimit.Limiter
	tracing        bool

	srv *http.Server
}

// ServerOption 服务选项
type ServerOption func(*Server)

// WithGatherer 暴露 /metrics
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithPublishLimiter 发布接口限流
func WithPublishLimiter(l ratelimit.Limiter) ServerOption {
	return func(s *Server) {
		s.publishLimiter = l
	}
}

// WithTracing 启用链路追踪中间件
func WithTracing(enabled bool) ServerOption {
	return func(s *Server) {
		s.tracing = enabled
	}
}

// NewServer 创建 HTTP 服务
func NewServer(cfg ServerConfig, h *hub.Hub, log logger.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{cfg: cfg, hub: h, log: log.Named("http")}
	for _, opt := range opts {
		opt(s)
	}

	// gin.SetMode 是全局状态，只在显式配置时修改
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	silenceGin()

	engine := gin.New()
	if cfg.TrustedProxies != nil {
		if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
			s.log.Warn("invalid trusted proxies", zap.Error(err))
		}
	}
	engine.Use(Recovery(s.log))
	if len(cfg.CORSOrigins) > 0 {
		engine.Use(CORS(cfg.CORSOrigins))
	}
	if s.tracing {
		engine.Use(tracing.Middleware(tracing.WithFilter(func(c *gin.Context) bool {
			p := c.Request.URL.Path
			return p != "/healthz" && p != "/metrics"
		})))
	}
	engine.Use(Logger(s.log, "/healthz", "/metrics"))
	s.engine = engine

	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/ws", s.upgrade)

	api := s.engine.Group("/api/v1")
	publish := []gin.HandlerFunc{s.publish}
	if s.publishLimiter != nil {
		publish = append([]gin.HandlerFunc{RateLimit(s.publishLimiter, s.log)}, publish...)
	}
	api.POST("/publish", publish...)
	api.GET("/stats", s.stats)

	if s.gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler 返回 http.Handler，测试用
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Routes 已注册的路由
func (s *Server) Routes() gin.RoutesInfo {
	return s.engine.Routes()
}

// Run 监听配置的地址直到 ctx 取消，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定监听器上服务直到 ctx 取消
// 被劫持的 websocket 连接不受 http.Server.Shutdown 管理，由 Hub.Shutdown 关闭
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv = &http.Server{
		Handler:        s.engine,
		ReadTimeout:    s.cfg.ReadTimeout,
		WriteTimeout:   s.cfg.WriteTimeout,
		IdleTimeout:    s.cfg.IdleTimeout,
		MaxHeaderBytes: s.cfg.MaxHeaderBytes,
	}
	if s.cfg.Banner {
		printBanner(bannerOutput, ln.Addr().String(), s.engine.Routes(), gin.Mode())
	}
	s.log.Info("http server listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("http server forced to close", zap.Error(err))
		return err
	}
	s.log.Info("http server stopped")
	return nil
}
