package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Session 处理器可见的连接上下文
type Session struct {
	ID         string
	RemoteAddr string
	hub        *Hub
}

// Send 向当前连接发送一帧
func (s *Session) Send(v any) bool {
	return s.hub.SendTo(s.ID, v)
}

// Hub 所属 Hub
func (s *Session) Hub() *Hub {
	return s.hub
}

// Handler 入站帧处理器，返回的错误以错误帧发回给该连接
type Handler func(*Session, *Frame) error

// NextFunc 中间件下一步函数
type NextFunc func() error

// MiddlewareFunc 中间件函数
type MiddlewareFunc func(*Session, *Frame, NextFunc) error

// Router 入站帧路由器：限流 -> 解析 -> 按类型分发
type Router struct {
	handlers   map[string]Handler
	middleware []MiddlewareFunc
	mu         sync.RWMutex

	hub *Hub
}

func newRouter(h *Hub) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		hub:      h,
	}
}

// Register 注册处理器，类型不区分大小写
func (r *Router) Register(kind string, handler Handler) error {
	k := (&Frame{Type: kind}).Kind()
	if k == "" {
		return ErrInvalidMessage
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[k]; exists {
		return ErrHandlerExists
	}
	r.handlers[k] = handler
	return nil
}

// Use 添加中间件
func (r *Router) Use(middleware ...MiddlewareFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, middleware...)
}

// Route 处理一帧入站数据，任何错误都只影响当前连接
func (r *Router) Route(s *Session, data []byte) {
	h := r.hub

	if d := h.config.RateLimiter.Check(s.RemoteAddr); !d.Allowed {
		h.metrics.IncrementRateLimited()
		h.log.Debug("inbound frame rate limited",
			zap.String("conn_id", s.ID),
			zap.String("remote_addr", s.RemoteAddr),
			zap.Duration("retry_after", d.RetryAfter),
		)
		h.SendTo(s.ID, errorFrame{Type: KindError, Error: errTextRateLimited, RetryAfter: retryMillis(d.RetryAfter)})
		return
	}

	f, err := ParseFrame(data)
	if err != nil {
		h.metrics.IncrementInvalidMessages()
		h.SendTo(s.ID, errorFrame{Type: KindError, Error: errTextInvalidFormat})
		return
	}

	kind := f.Kind()
	h.metrics.IncrementMessageCount(kind)

	r.mu.RLock()
	handler, ok := r.handlers[kind]
	middleware := r.middleware
	r.mu.RUnlock()

	if !ok {
		r.unhandled(s, f)
		return
	}

	if err := chain(handler, middleware)(s, f); err != nil {
		h.SendTo(s.ID, errorFrame{Type: KindError, Error: err.Error()})
	}
}

// unhandled 未注册的类型交给自定义帧监听器，没有监听器时忽略
func (r *Router) unhandled(s *Session, f *Frame) {
	h := r.hub
	if h.bridge.hasClientListeners() {
		h.bridge.emitClientEvent(ClientEvent{
			ConnID: s.ID,
			Kind:   f.Kind(),
			Raw:    f.Raw,
			Time:   h.config.Clock(),
		})
		return
	}
	h.log.Debug("unhandled frame kind",
		zap.String("conn_id", s.ID),
		zap.String("kind", f.Kind()),
	)
}

// chain 从后向前组装中间件
func chain(handler Handler, middleware []MiddlewareFunc) Handler {
	final := handler
	for i := len(middleware) - 1; i >= 0; i-- {
		mw, next := middleware[i], final
		final = func(s *Session, f *Frame) error {
			return mw(s, f, func() error { return next(s, f) })
		}
	}
	return final
}

// retryMillis 向上取整到毫秒
func retryMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

// errBadPayload 帧可以解析但字段类型不符
var errBadPayload = errors.New(errTextInvalidFormat)

// HandleJSON 注册一个把整帧解码为 Req 的处理器
func HandleJSON[Req any](h *Hub, kind string, fn func(*Session, *Req) error) error {
	return h.router.Register(kind, func(s *Session, f *Frame) error {
		var req Req
		if err := json.Unmarshal(f.Raw, &req); err != nil {
			return errBadPayload
		}
		return fn(s, &req)
	})
}

// 内置处理器

func (h *Hub) handleSubscribe(s *Session, f *Frame) error {
	topics, ok := h.registry.Subscribe(s.ID, f.Events)
	if !ok {
		return nil
	}
	h.metrics.SetSubscriptionCount(h.registry.SubscriptionCount())
	h.SendTo(s.ID, newChannelsFrame(KindSubscribed, topics))
	return nil
}

func (h *Hub) handleUnsubscribe(s *Session, f *Frame) error {
	topics, ok := h.registry.Unsubscribe(s.ID, f.Events)
	if !ok {
		return nil
	}
	h.metrics.SetSubscriptionCount(h.registry.SubscriptionCount())
	h.SendTo(s.ID, newChannelsFrame(KindUnsubscribed, topics))
	return nil
}

func (h *Hub) handlePong(s *Session, _ *Frame) error {
	h.monitor.Acknowledge(s.ID)
	return nil
}
