package logger

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// contextKey 日志上下文键
type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	connIDKey  contextKey = "conn_id"
)

// ContextWithTraceID 将 TraceID 注入 context
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// ContextWithConnID 将连接 ID 注入 context
func ContextWithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey, connID)
}

// Logger 日志接口
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Fatal(msg string, fields ...zap.Field)

	// 带 Context 的日志方法（自动提取 TraceID、SpanID、连接 ID）
	DebugContext(ctx context.Context, msg string, fields ...zap.Field)
	InfoContext(ctx context.Context, msg string, fields ...zap.Field)
	WarnContext(ctx context.Context, msg string, fields ...zap.Field)
	ErrorContext(ctx context.Context, msg string, fields ...zap.Field)

	With(fields ...zap.Field) Logger // 创建子 Logger
	Named(name string) Logger        // 创建命名子 Logger
	Sync() error                     // 刷新缓冲区
	SetLevel(level Level)            // 动态调整级别
	Level() Level                    // 获取当前级别
}

// logger 日志实现
type logger struct {
	zap   *zap.Logger
	level zap.AtomicLevel
}

// New 创建 Logger（使用 Config）
func New(config *Config) (Logger, error) {
	if config == nil {
		config = &Config{}
	}
	config.setDefaults()

	encoder := buildEncoder(config)

	writers, err := buildWriters(config)
	if err != nil {
		return nil, err
	}
	if len(writers) == 0 {
		return nil, fmt.Errorf("no output configured")
	}

	// AtomicLevel 使 SetLevel 对已创建的 core 生效
	level := zap.NewAtomicLevelAt(config.Level.toZapLevel())
	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level)

	if config.Sampling != nil {
		config.Sampling.setDefaults()
		core = zapcore.NewSamplerWithOptions(core, time.Second, config.Sampling.Initial, config.Sampling.Thereafter)
	}

	if len(config.Hooks) > 0 {
		core = &hookCore{Core: core, hooks: config.Hooks}
	}

	opts := []zap.Option{}
	if config.EnableCaller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if config.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return &logger{
		zap:   zap.New(core, opts...),
		level: level,
	}, nil
}

// NewWithOptions 创建 Logger（使用 Options 模式）
func NewWithOptions(opts ...Option) (Logger, error) {
	config := &Config{}
	for _, opt := range opts {
		opt(config)
	}
	return New(config)
}

// NewNop 创建不输出任何内容的 Logger（库默认值）
func NewNop() Logger {
	return &logger{
		zap:   zap.NewNop(),
		level: zap.NewAtomicLevelAt(zapcore.FatalLevel),
	}
}

// NewProduction 创建生产环境 Logger
func NewProduction() (Logger, error) {
	return NewWithOptions(
		WithLevel(InfoLevel),
		WithFormat(JSONFormat),
		WithConsoleOutput(),
		WithCaller(false),
		WithStacktrace(true),
	)
}

// NewDevelopment 创建开发环境 Logger
func NewDevelopment() (Logger, error) {
	return NewWithOptions(
		WithLevel(DebugLevel),
		WithFormat(ConsoleFormat),
		WithConsoleOutput(),
		WithCaller(true),
		WithStacktrace(true),
	)
}

// buildEncoder 构建 Encoder
func buildEncoder(config *Config) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if config.Format == ConsoleFormat {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// buildWriters 构建 WriteSyncer
func buildWriters(config *Config) ([]zapcore.WriteSyncer, error) {
	var writers []zapcore.WriteSyncer

	if config.Console {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}

	if config.File != "" {
		writer, _, err := zap.Open(config.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.File, err)
		}
		writers = append(writers, writer)
	}

	if config.Rotate != nil {
		config.Rotate.setDefaults()
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.Rotate.Filename,
			MaxSize:    config.Rotate.MaxSize,
			MaxAge:     config.Rotate.MaxAge,
			MaxBackups: config.Rotate.MaxBackups,
			LocalTime:  true,
			Compress:   config.Rotate.Compress,
		}))
	}

	return writers, nil
}

func (l *logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

func (l *logger) DebugContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Debug(msg, contextFields(ctx, fields)...)
}

func (l *logger) InfoContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Info(msg, contextFields(ctx, fields)...)
}

func (l *logger) WarnContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Warn(msg, contextFields(ctx, fields)...)
}

func (l *logger) ErrorContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Error(msg, contextFields(ctx, fields)...)
}

// contextFields 从 context.Context 提取字段
func contextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	out := make([]zap.Field, 0, len(fields)+3)

	if traceID, ok := ctx.Value(traceIDKey).(string); ok && traceID != "" {
		out = append(out, zap.String("trace_id", traceID))
	} else if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		out = append(out, zap.String("trace_id", sc.TraceID().String()))
	}

	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		out = append(out, zap.String("span_id", sc.SpanID().String()))
	}

	if connID, ok := ctx.Value(connIDKey).(string); ok && connID != "" {
		out = append(out, zap.String("conn_id", connID))
	}

	return append(out, fields...)
}

// With 创建子 Logger
func (l *logger) With(fields ...zap.Field) Logger {
	return &logger{zap: l.zap.With(fields...), level: l.level}
}

// Named 创建命名子 Logger
func (l *logger) Named(name string) Logger {
	return &logger{zap: l.zap.Named(name), level: l.level}
}

// Sync 刷新缓冲区
func (l *logger) Sync() error {
	return l.zap.Sync()
}

// SetLevel 动态调整级别
func (l *logger) SetLevel(level Level) {
	l.level.SetLevel(level.toZapLevel())
}

// Level 获取当前级别
func (l *logger) Level() Level {
	return fromZapLevel(l.level.Level())
}

// hookCore 实现 Hook 机制的 Core
type hookCore struct {
	zapcore.Core
	hooks []Hook
}

// Write 写入日志前依次调用 Hooks
func (c *hookCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	for _, hook := range c.hooks {
		if err := hook.OnWrite(entry, fields); err != nil {
			return err
		}
	}
	return c.Core.Write(entry, fields)
}

// With 创建带字段的 Core
func (c *hookCore) With(fields []zapcore.Field) zapcore.Core {
	return &hookCore{Core: c.Core.With(fields), hooks: c.hooks}
}

// Check 交给内层 Core 决定，采样器丢弃的条目不触发 Hook
func (c *hookCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Core.Check(entry, nil) != nil {
		return ce.AddCore(entry, c)
	}
	return ce
}
