package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return rec
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "beacon", cfg.ServiceName)

	cfg.Exporter = "jaeger"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SamplingRate = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ServiceName = ""
	var ce *ConfigError
	assert.ErrorAs(t, cfg.Validate(), &ce)
}

func TestNewTracerProviderDisabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := DefaultConfig()
	cfg.Exporter = ExporterOTLPGRPC
	cfg.Endpoint = "127.0.0.1:1"

	tp, err := NewTracerProvider(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	// 调用方配置不被修改
	assert.Equal(t, ExporterOTLPGRPC, cfg.Exporter)

	_, span := StartSpan(context.Background(), "unit")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestNewTracerProviderOTLPGRPC(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = ExporterOTLPGRPC
	cfg.Endpoint = "127.0.0.1:1"
	cfg.Insecure = true

	// gRPC 连接惰性建立，不可达的端点不影响创建
	tp, err := NewTracerProvider(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = tp.Shutdown(ctx)
}

func TestNewTracerProviderRejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exporter = "zipkin"
	_, err := NewTracerProvider(context.Background(), cfg)
	assert.Error(t, err)
}

func TestSampler(t *testing.T) {
	cases := map[string]string{
		"always": "AlwaysOnSampler",
		"never":  "AlwaysOffSampler",
		"ratio":  "TraceIDRatioBased{0.5}",
	}
	for typ, want := range cases {
		cfg := DefaultConfig()
		cfg.SamplingType = typ
		cfg.SamplingRate = 0.5
		assert.Equal(t, want, newSampler(cfg).Description(), typ)
	}

	cfg := DefaultConfig()
	assert.Contains(t, newSampler(cfg).Description(), "ParentBased")
}

func TestSamplerFromEnv(t *testing.T) {
	t.Setenv("OTEL_TRACES_SAMPLER", "always_off")
	cfg := DefaultConfig()
	cfg.SamplingType = "always"
	assert.Equal(t, "AlwaysOffSampler", newSampler(cfg).Description())

	t.Setenv("OTEL_TRACES_SAMPLER", "traceidratio")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "bogus")
	// 比例为 1 时退化为 AlwaysOn
	assert.Equal(t, "AlwaysOnSampler", newSampler(cfg).Description())
}

func TestRecordError(t *testing.T) {
	rec := installRecorder(t)

	_, span := StartSpan(context.Background(), "op")
	RecordError(span, nil)
	RecordError(span, assert.AnError)
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1)
}

func TestTraceID(t *testing.T) {
	installRecorder(t)
	assert.Empty(t, TraceID(context.Background()))

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	assert.Equal(t, span.SpanContext().TraceID().String(), TraceID(ctx))
}

func TestMiddleware(t *testing.T) {
	rec := installRecorder(t)

	var seen string
	r := gin.New()
	r.Use(Middleware(WithFilter(func(c *gin.Context) bool {
		return c.Request.URL.Path != "/healthz"
	})))
	r.GET("/api/v1/stats/:id", func(c *gin.Context) {
		seen = c.GetString(TraceIDKey)
		assert.Equal(t, seen, TraceID(c.Request.Context()))
		c.Status(http.StatusOK)
	})
	r.GET("/boom", func(c *gin.Context) {
		c.Status(http.StatusInternalServerError)
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stats/7", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, seen)
	assert.Contains(t, w.Header().Get("traceparent"), seen)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	spans := rec.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "GET /api/v1/stats/:id", spans[0].Name())
	status, ok := attrValue(spans[0].Attributes(), "http.response.status_code")
	require.True(t, ok)
	assert.Equal(t, int64(200), status.AsInt64())

	assert.Equal(t, "GET /boom", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestMiddlewareContinuesRemoteTrace(t *testing.T) {
	rec := installRecorder(t)

	r := gin.New()
	r.Use(Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("traceparent", parent)
	r.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent().SpanID().String())
}
