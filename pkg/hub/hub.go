package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokmz/beacon/pkg/logger"
)

const tracerName = "github.com/tokmz/beacon/pkg/hub"

// Hub 实时通道：连接注册、心跳探测、订阅索引、消息路由和事件桥
type Hub struct {
	// 核心组件
	registry *Registry
	monitor  *Monitor
	router   *Router
	bridge   *Bridge

	// 配置
	config   *Config
	upgrader *Upgrader

	// 生命周期；lifeMu 保证 wg.Add 都发生在 closed 置位之前
	ctx      context.Context
	cancel   context.CancelFunc
	lifeMu   sync.RWMutex
	wg       sync.WaitGroup
	runOnce  sync.Once
	stopOnce sync.Once
	closed   atomic.Bool

	// 观测
	metrics Metrics
	log     logger.Logger
	tracer  trace.Tracer
}

// New 创建 Hub
func New(opts ...Option) (*Hub, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}

	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		registry: NewRegistry(config.IDGenerator, config.MaxConnections, config.Clock),
		config:   config,
		upgrader: NewUpgrader(config.UpgraderConfig),
		ctx:      ctx,
		cancel:   cancel,
		metrics:  config.Metrics,
		log:      config.Logger.Named("hub"),
		tracer:   config.TracerProvider.Tracer(tracerName),
	}
	h.bridge = NewBridge(config.EventWorkers, config.EventQueueSize, h.log.Named("bridge"))
	h.monitor = newMonitor(h)
	h.router = newRouter(h)

	h.registry.hooks = registryHooks{
		onRegister:   h.entryRegistered,
		onUnregister: h.entryUnregistered,
	}

	// 内置处理器
	_ = h.router.Register(KindSubscribe, h.handleSubscribe)
	_ = h.router.Register(KindUnsubscribe, h.handleUnsubscribe)
	_ = h.router.Register(KindPong, h.handlePong)

	return h, nil
}

// Run 启动心跳探测，重复调用无副作用
func (h *Hub) Run() error {
	h.lifeMu.RLock()
	defer h.lifeMu.RUnlock()

	if h.closed.Load() {
		return ErrHubClosed
	}
	h.runOnce.Do(func() {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.monitor.Run(h.ctx)
		}()
	})
	return nil
}

// Shutdown 关闭所有连接，停止探测并等待监听器执行完
func (h *Hub) Shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.lifeMu.Lock()
		h.closed.Store(true)
		h.lifeMu.Unlock()
		h.cancel()

		ids := h.registry.close()
		var closeWg sync.WaitGroup
		for _, id := range ids {
			closeWg.Add(1)
			go func(id string) {
				defer closeWg.Done()
				h.registry.Unregister(id, ReasonShutdown)
			}(id)
		}
		closeWg.Wait()
		h.log.Info("hub shut down", zap.Int("closed", len(ids)))
	})

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		h.bridge.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleUpgrade 升级 HTTP 连接并接入，元数据取自请求
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) error {
	_, err := h.Upgrade(w, r, Metadata{
		RemoteAddr: remoteHost(r.RemoteAddr),
		UserAgent:  r.UserAgent(),
	})
	return err
}

// Upgrade 升级 HTTP 连接并接入，返回连接标识
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, meta Metadata) (string, error) {
	if h.closed.Load() {
		http.Error(w, "hub closed", http.StatusServiceUnavailable)
		return "", ErrHubClosed
	}
	// 升级前拒绝，此时还能返回 HTTP 状态码
	if limit := h.config.MaxConnections; limit > 0 && h.registry.Count() >= limit {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return "", ErrTooManyConnections
	}

	conn, err := h.upgrader.Upgrade(w, r)
	if err != nil {
		return "", err
	}
	return h.Accept(NewWebsocketTransport(conn, h.config.WriteWait, h.config.MaxMessageSize), meta)
}

// Accept 接入一个已建立的传输：登记、发送 connected 帧并启动读协程
func (h *Hub) Accept(t Transport, meta Metadata) (string, error) {
	h.lifeMu.RLock()
	if h.closed.Load() {
		h.lifeMu.RUnlock()
		_ = t.Close()
		return "", ErrHubClosed
	}
	h.wg.Add(1)
	h.lifeMu.RUnlock()

	// Shutdown 可能在此之后开始，registry 关闭后 Register 返回 ErrHubClosed
	id, err := h.registry.Register(t, meta)
	if err != nil {
		h.wg.Done()
		_ = t.Close()
		switch {
		case errors.Is(err, ErrHubClosed):
		case errors.Is(err, ErrTooManyConnections):
			h.log.Warn("connection rejected", zap.String("remote_addr", meta.RemoteAddr), zap.Error(err))
		default:
			h.log.Error("connection registration failed", zap.String("remote_addr", meta.RemoteAddr), zap.Error(err))
		}
		return "", err
	}

	h.SendTo(id, connectedFrame{Type: KindConnected, ID: id})

	go func() {
		defer h.wg.Done()
		h.readLoop(&Session{ID: id, RemoteAddr: meta.RemoteAddr, hub: h}, t)
	}()

	return id, nil
}

// readLoop 连接的读协程，读失败即移除条目
func (h *Hub) readLoop(s *Session, t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			reason := ReasonTransportError
			if errors.Is(err, ErrTransportClosed) {
				reason = ReasonClosed
			}
			if h.registry.Unregister(s.ID, reason) && reason == ReasonTransportError {
				h.log.Debug("connection read failed", zap.String("conn_id", s.ID), zap.Error(err))
			}
			return
		}
		h.router.Route(s, data)
	}
}

// Disconnect 主动关闭连接
func (h *Hub) Disconnect(id string) bool {
	return h.registry.Unregister(id, ReasonClosed)
}

// SendTo 向单个连接发送一帧；未知或正在关闭的连接静默丢弃
func (h *Hub) SendTo(id string, v any) bool {
	var data []byte
	switch m := v.(type) {
	case []byte:
		data = m
	case json.RawMessage:
		data = m
	default:
		b, err := json.Marshal(v)
		if err != nil {
			h.log.Error("encode frame failed", zap.String("conn_id", id), zap.Error(err))
			return false
		}
		data = b
	}

	t, ok := h.registry.lookup(id)
	if !ok {
		return false
	}
	return h.write(id, t, data)
}

// write 单次写，失败时以 transport_error 移除条目
func (h *Hub) write(id string, t Transport, data []byte) bool {
	err := t.WriteMessage(data)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrTransportClosed) {
		return false
	}
	h.metrics.IncrementWriteErrors()
	if h.registry.Unregister(id, ReasonTransportError) {
		h.log.Debug("connection write failed", zap.String("conn_id", id), zap.Error(err))
	}
	return false
}

// fanout 每个目标一个写协程，不等待写完成
//
// 单个写受 WriteWait 约束，同一传输上的并发写由传输自身串行化；
// 阻塞的对端只占住自己的写协程，不影响其他目标和后续广播。
func (h *Hub) fanout(targets []target, data []byte) {
	for _, t := range targets {
		go func(t target) {
			if !h.write(t.id, t.transport, data) {
				h.metrics.IncrementDroppedMessages()
			}
		}(t)
	}
}

// Broadcast 向 topic 的当前订阅者发送载荷，返回目标数；未知 topic 返回 0
//
// 写入异步进行，返回时消息可能尚未送达。
func (h *Hub) Broadcast(topic string, payload any) (int, error) {
	if topic == "" {
		return 0, ErrEmptyTopic
	}
	data, err := EncodeBroadcast(topic, payload)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	targets := h.registry.targets(topic)
	h.fanout(targets, data)
	h.metrics.RecordBroadcast(topic, len(targets), time.Since(start))
	return len(targets), nil
}

// Publish 生产者入口，等价于 Broadcast 并记录链路
func (h *Hub) Publish(ctx context.Context, topic string, payload any) (int, error) {
	ctx, span := h.tracer.Start(ctx, "hub.publish",
		trace.WithAttributes(attribute.String("hub.topic", topic)),
	)
	defer span.End()

	if h.closed.Load() {
		span.SetStatus(codes.Error, ErrHubClosed.Error())
		return 0, ErrHubClosed
	}

	n, err := h.Broadcast(topic, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.log.WarnContext(ctx, "publish failed", zap.String("topic", topic), zap.Error(err))
		return 0, err
	}
	span.SetAttributes(attribute.Int("hub.recipients", n))
	h.log.DebugContext(ctx, "published", zap.String("topic", topic), zap.Int("recipients", n))
	return n, nil
}

// Handle 注册自定义入站帧处理器
func (h *Hub) Handle(kind string, handler Handler) error {
	return h.router.Register(kind, handler)
}

// Use 添加入站中间件
func (h *Hub) Use(middleware ...MiddlewareFunc) {
	h.router.Use(middleware...)
}

// OnConnect 注册连接建立监听器
func (h *Hub) OnConnect(fn func(ConnectEvent)) {
	h.bridge.OnConnect(fn)
}

// OnDisconnect 注册连接移除监听器
func (h *Hub) OnDisconnect(fn func(DisconnectEvent)) {
	h.bridge.OnDisconnect(fn)
}

// OnClientEvent 注册自定义入站帧监听器
func (h *Hub) OnClientEvent(fn func(ClientEvent)) {
	h.bridge.OnClientEvent(fn)
}

// Get 获取连接快照
func (h *Hub) Get(id string) (EntrySnapshot, bool) {
	return h.registry.Get(id)
}

// SubscribersOf 当前订阅者
func (h *Hub) SubscribersOf(topic string) []string {
	return h.registry.SubscribersOf(topic)
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	return h.registry.Count()
}

// SubscriptionCount 订阅总数
func (h *Hub) SubscriptionCount() int {
	return h.registry.SubscriptionCount()
}

// TopicCount 活跃 topic 数
func (h *Hub) TopicCount() int {
	return h.registry.TopicCount()
}

// DroppedEvents 事件桥丢弃的事件数
func (h *Hub) DroppedEvents() int64 {
	return h.bridge.Dropped()
}

// Registry 底层注册表
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Monitor 心跳探测器
func (h *Hub) Monitor() *Monitor {
	return h.monitor
}

func (h *Hub) entryRegistered(snap EntrySnapshot) {
	h.metrics.IncrementConnections()
	h.metrics.SetConnectionCount(h.registry.Count())
	h.log.Info("connection registered",
		zap.String("conn_id", snap.ID),
		zap.String("remote_addr", snap.RemoteAddr),
	)
	h.bridge.emitConnect(ConnectEvent{Entry: snap, Time: h.config.Clock()})
}

func (h *Hub) entryUnregistered(snap EntrySnapshot, reason DisconnectReason) {
	h.metrics.DecrementConnections()
	h.metrics.SetConnectionCount(h.registry.Count())
	h.metrics.SetSubscriptionCount(h.registry.SubscriptionCount())
	h.log.Info("connection unregistered",
		zap.String("conn_id", snap.ID),
		zap.String("reason", string(reason)),
		zap.Duration("lifetime", h.config.Clock().Sub(snap.ConnectedAt)),
	)
	h.bridge.emitDisconnect(DisconnectEvent{Entry: snap, Reason: reason, Time: h.config.Clock()})
}

// remoteHost 去掉端口
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
