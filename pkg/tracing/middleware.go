package tracing

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokmz/beacon/pkg/logger"
)

const (
	httpTracerName = "github.com/tokmz/beacon/http"

	// TraceIDKey gin.Context 中保存 TraceID 的键
	TraceIDKey = "trace_id"
)

type middlewareConfig struct {
	tracerName string
	filter     func(*gin.Context) bool
}

// MiddlewareOption 中间件选项
type MiddlewareOption func(*middlewareConfig)

// WithTracerName 设置 Tracer 名称
func WithTracerName(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.tracerName = name
	}
}

// WithFilter 返回 false 的请求不创建 Span（如健康检查）
func WithFilter(fn func(*gin.Context) bool) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.filter = fn
	}
}

// Middleware 链路追踪中间件
// 从请求头提取 TraceContext，创建 Server Span，并把 TraceID 写入 gin.Context 与请求上下文
func Middleware(opts ...MiddlewareOption) gin.HandlerFunc {
	cfg := &middlewareConfig{
		tracerName: httpTracerName,
		filter:     func(*gin.Context) bool { return true },
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		if !cfg.filter(c) {
			c.Next()
			return
		}

		// 每次请求获取 tracer，Provider 晚于中间件初始化时仍然生效
		tracer := otel.Tracer(cfg.tracerName)
		propagator := otel.GetTextMapPropagator()

		req := c.Request
		ctx := propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))

		route := c.FullPath()
		if route == "" {
			route = req.URL.Path
		}
		ctx, span := tracer.Start(ctx, req.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(req.Method),
				semconv.HTTPRoute(route),
				semconv.URLPath(req.URL.Path),
				semconv.ClientAddress(c.ClientIP()),
				semconv.UserAgentOriginal(req.UserAgent()),
			),
		)
		defer span.End()

		if sc := span.SpanContext(); sc.HasTraceID() {
			traceID := sc.TraceID().String()
			c.Set(TraceIDKey, traceID)
			ctx = logger.ContextWithTraceID(ctx, traceID)
		}
		c.Request = req.WithContext(ctx)

		// 响应头在 Next 之后可能已写出
		propagator.Inject(ctx, propagation.HeaderCarrier(c.Writer.Header()))

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last().Err)
		}
	}
}
