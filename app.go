package beacon

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokmz/beacon/pkg/broker"
	"github.com/tokmz/beacon/pkg/hub"
	"github.com/tokmz/beacon/pkg/logger"
	"github.com/tokmz/beacon/pkg/monitor"
	"github.com/tokmz/beacon/pkg/ratelimit"
	"github.com/tokmz/beacon/pkg/tracing"
)

// App 按配置组装的完整进程：hub、HTTP 服务、快照、broker 适配器
type App struct {
	cfg *AppConfig
	log logger.Logger

	tp          *sdktrace.TracerProvider
	registry    *prometheus.Registry
	metrics     *monitor.PromMetrics
	hub         *hub.Hub
	server      *Server
	snapshotter *monitor.Snapshotter
	ingress     *broker.AMQPIngress
	producer    sarama.SyncProducer
	redis       redis.UniversalClient

	closers []func() error
}

// NewLogger 按日志配置创建 Logger，始终输出到控制台
func NewLogger(cfg LogConfig) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logger.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	opts := []logger.Option{
		logger.WithLevel(level),
		logger.WithFormat(format),
		logger.WithConsoleOutput(),
		logger.WithStacktrace(true),
	}
	if cfg.File != "" {
		opts = append(opts, logger.WithFileOutput(cfg.File))
	}
	if cfg.RotateFile != "" {
		opts = append(opts, logger.WithRotateOutput(&logger.RotateConfig{
			Filename:   cfg.RotateFile,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}))
	}
	if cfg.Sampling {
		opts = append(opts, logger.WithSampling(&logger.SamplingConfig{}))
	}
	return logger.NewWithOptions(opts...)
}

// NewApp 组装各组件，失败时释放已创建的资源
func NewApp(ctx context.Context, cfg *AppConfig, log logger.Logger) (app *App, err error) {
	if log == nil {
		log = logger.NewNop()
	}
	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.tp, err = tracing.NewTracerProvider(ctx, &cfg.Tracing)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.tp.Shutdown(shutdownCtx)
	})

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics, err = monitor.NewPromMetrics(a.registry, cfg.Monitor.Namespace)
	if err != nil {
		return nil, err
	}

	if cfg.RateLimit.Backend == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, a.redis.Close)
	}
	frameLimiter, err := a.newLimiter(cfg.RateLimit.Frames, "beacon:ratelimit:frames:")
	if err != nil {
		return nil, err
	}
	publishLimiter, err := a.newLimiter(cfg.RateLimit.Publish, "beacon:ratelimit:publish:")
	if err != nil {
		return nil, err
	}

	a.hub, err = hub.New(a.hubOptions(frameLimiter)...)
	if err != nil {
		return nil, err
	}

	a.server = NewServer(cfg.Server, a.hub, log,
		WithGatherer(a.registry),
		WithPublishLimiter(publishLimiter),
		WithTracing(cfg.Tracing.Enabled),
	)

	if cfg.Monitor.SnapshotInterval > 0 {
		a.snapshotter = monitor.NewSnapshotter(a.hub, a.metrics, a.hub, monitor.SnapshotterConfig{
			Interval: cfg.Monitor.SnapshotInterval,
			Topic:    cfg.Monitor.SnapshotTopic,
			Logger:   log.Named("snapshot"),
		})
	}

	if cfg.AMQP.Enabled {
		a.ingress = broker.NewAMQPIngress(cfg.AMQP.AMQPConfig, a.hub, log)
	}

	if cfg.Kafka.Enabled {
		a.producer, err = broker.NewSyncProducer(cfg.Kafka.KafkaConfig)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.producer.Close)
		broker.NewKafkaAuditSink(a.producer, cfg.Kafka.Topic, log).Attach(a.hub)
	}

	return a, nil
}

func (a *App) hubOptions(limiter ratelimit.Limiter) []hub.Option {
	hc := a.cfg.Hub
	opts := []hub.Option{
		hub.WithMaxConnections(hc.MaxConnections),
		hub.WithHeartbeatInterval(hc.HeartbeatInterval),
		hub.WithHeartbeatTimeout(hc.HeartbeatTimeout),
		hub.WithWriteWait(hc.WriteWait),
		hub.WithMessageSizeLimit(hc.MaxMessageSize),
		hub.WithEventWorkers(hc.EventWorkers, hc.EventQueueSize),
		hub.WithRateLimiter(limiter),
		hub.WithMetrics(a.metrics),
		hub.WithLogger(a.log),
		hub.WithTracerProvider(a.tp),
	}
	switch {
	case hc.AllowAllOrigins:
		opts = append(opts, hub.WithAllowAllOrigins())
	case len(hc.AllowedOrigins) > 0:
		opts = append(opts, hub.WithCheckOriginWhitelist(hc.AllowedOrigins))
	}
	return opts
}

// newLimiter 未启用时返回 Unlimited
func (a *App) newLimiter(lc LimitConfig, prefix string) (ratelimit.Limiter, error) {
	if !lc.Enabled {
		return ratelimit.Unlimited, nil
	}
	if a.redis != nil {
		return ratelimit.NewRedisLimiter(a.redis, ratelimit.RedisConfig{
			Limit:  int64(lc.Burst),
			Window: lc.Window,
			Prefix: prefix,
			Logger: a.log.Named("ratelimit"),
		})
	}

	bc := ratelimit.DefaultConfig()
	bc.Rate = lc.Rate
	bc.Burst = lc.Burst
	tb, err := ratelimit.NewTokenBucket(bc)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		tb.Close()
		return nil
	})
	return tb, nil
}

// Hub 实时通道
func (a *App) Hub() *hub.Hub { return a.hub }

// Server HTTP 服务
func (a *App) Server() *Server { return a.server }

// Logger 应用日志
func (a *App) Logger() logger.Logger { return a.log }

// Run 监听配置地址并运行所有组件，直到 ctx 取消或任一组件失败
func (a *App) Run(ctx context.Context) error {
	return a.run(ctx, a.server.Run)
}

// Serve 同 Run，使用给定的监听器
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	return a.run(ctx, func(ctx context.Context) error {
		return a.server.Serve(ctx, ln)
	})
}

// run 停止顺序：HTTP 服务、后台任务、hub、外部资源
func (a *App) run(ctx context.Context, serve func(context.Context) error) error {
	if err := a.hub.Run(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(gctx) })
	if a.snapshotter != nil {
		g.Go(func() error { return a.snapshotter.Run(gctx) })
	}
	if a.ingress != nil {
		g.Go(func() error { return a.ingress.Run(gctx) })
	}
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.hub.Shutdown(shutdownCtx); err != nil {
		a.log.Error("hub shutdown incomplete", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}
	return errors.Join(runErr, a.Close())
}

// Close 逆序释放资源
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// SetLogLevel 运行时调整日志级别，配置热更新时调用
func (a *App) SetLogLevel(name string) error {
	level, err := logger.ParseLevel(name)
	if err != nil {
		return err
	}
	if level != a.log.Level() {
		a.log.SetLevel(level)
		a.log.Info("log level changed", zap.String("level", name))
	}
	return nil
}
