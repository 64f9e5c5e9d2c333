package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// NewTracerProvider 创建 TracerProvider 并设置为全局 Provider
// 禁用时使用 noop 导出器，调用方负责 Shutdown
func NewTracerProvider(ctx context.Context, cfg *Config) (*trace.TracerProvider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	effective := *cfg
	if !effective.Enabled {
		effective.Exporter = ExporterNoop
	}

	exporter, err := newExporter(ctx, &effective)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := newResource(ctx, &effective)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithSampler(newSampler(&effective)),
		trace.WithBatcher(exporter,
			trace.WithBatchTimeout(effective.BatchTimeout),
			trace.WithMaxQueueSize(effective.MaxQueueSize),
		),
		trace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// newResource 服务信息，OTEL_RESOURCE_ATTRIBUTES 由 WithFromEnv 合并
func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	attrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, resource.WithAttributes(
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		))
	}
	return resource.New(ctx, attrs...)
}
