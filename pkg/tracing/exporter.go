package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// newExporter 根据配置创建导出器
func newExporter(ctx context.Context, cfg *Config) (trace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP:
		return newOTLPHTTPExporter(ctx, cfg)
	case ExporterOTLPGRPC:
		return newOTLPGRPCExporter(ctx, cfg)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterNoop:
		return noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Exporter)
	}
}

// endpoint 配置优先，环境变量次之
func endpoint(cfg *Config) string {
	if cfg.Endpoint != "" {
		return cfg.Endpoint
	}
	return os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
}

// newOTLPHTTPExporter 创建 OTLP HTTP 导出器
func newOTLPHTTPExporter(ctx context.Context, cfg *Config) (trace.SpanExporter, error) {
	var opts []otlptracehttp.Option
	if ep := endpoint(cfg); ep != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(ep))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

// newOTLPGRPCExporter 创建 OTLP gRPC 导出器，连接惰性建立
func newOTLPGRPCExporter(ctx context.Context, cfg *Config) (trace.SpanExporter, error) {
	var opts []otlptracegrpc.Option
	if ep := endpoint(cfg); ep != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(ep))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		))
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// noopExporter 丢弃所有 Span
type noopExporter struct{}

func (noopExporter) ExportSpans(context.Context, []trace.ReadOnlySpan) error { return nil }
func (noopExporter) Shutdown(context.Context) error                         { return nil }
