package tracing

import (
	"time"
)

// 导出器类型
const (
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterNoop     = "noop"
)

// Config 链路追踪配置
type Config struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// 服务名称（必填）
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`

	// 服务版本
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version"`

	// 环境（dev/staging/prod）
	Environment string `mapstructure:"environment" yaml:"environment"`

	// 导出器类型（stdout/otlp-http/otlp-grpc/noop）
	Exporter string `mapstructure:"exporter" yaml:"exporter"`

	// 导出器端点，host:port
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// 导出器请求头（用于认证）
	Headers map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`

	// 是否使用非 TLS 连接
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// 采样类型（always/never/ratio/parent_based）与采样率
	SamplingType string  `mapstructure:"sampling_type" yaml:"sampling_type"`
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`

	// 批处理配置
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	MaxQueueSize int           `mapstructure:"max_queue_size" yaml:"max_queue_size"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		ServiceName:    "beacon",
		ServiceVersion: "dev",
		Environment:    "development",
		Exporter:       ExporterStdout,
		SamplingType:   "parent_based",
		SamplingRate:   1.0,
		BatchTimeout:   5 * time.Second,
		MaxQueueSize:   2048,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return ErrInvalidConfig("service name is required")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return ErrInvalidConfig("sampling rate must be between 0.0 and 1.0")
	}
	switch c.Exporter {
	case ExporterStdout, ExporterOTLPHTTP, ExporterOTLPGRPC, ExporterNoop:
	default:
		return ErrInvalidConfig("invalid exporter type: " + c.Exporter)
	}
	return nil
}

// ConfigError 配置错误
type ConfigError struct {
	message string
}

func (e *ConfigError) Error() string {
	return "tracing config error: " + e.message
}

// ErrInvalidConfig 创建配置错误
func ErrInvalidConfig(message string) error {
	return &ConfigError{message: message}
}
