package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Format 日志格式
type Format string

const (
	// JSONFormat JSON 格式
	JSONFormat Format = "json"
	// ConsoleFormat 控制台格式
	ConsoleFormat Format = "console"
)

func (f Format) String() string { return string(f) }

// ParseFormat 解析格式名称，空串视为 json
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case "", JSONFormat:
		return JSONFormat, nil
	case ConsoleFormat:
		return f, nil
	default:
		return "", fmt.Errorf("unknown log format %q", name)
	}
}

// RotateConfig 按大小轮转的文件输出，由 lumberjack 实现
type RotateConfig struct {
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // 天
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // 个
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

func (r *RotateConfig) setDefaults() {
	if r.MaxSize <= 0 {
		r.MaxSize = 100
	}
	if r.MaxAge <= 0 {
		r.MaxAge = 7
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = 10
	}
}

// SamplingConfig 每秒前 Initial 条必定输出，之后每 Thereafter 条输出 1 条
// 心跳回收、写失败这类日志在大量连接同时掉线时会刷屏
type SamplingConfig struct {
	Initial    int `mapstructure:"initial" yaml:"initial"`
	Thereafter int `mapstructure:"thereafter" yaml:"thereafter"`
}

func (s *SamplingConfig) setDefaults() {
	if s.Initial <= 0 {
		s.Initial = 100
	}
	if s.Thereafter <= 0 {
		s.Thereafter = 100
	}
}

// Hook 日志写入钩子
type Hook interface {
	OnWrite(entry zapcore.Entry, fields []zapcore.Field) error
}

// Config 日志配置
type Config struct {
	Level  Level
	Format Format

	Console bool          // 未配置任何输出时默认 true
	File    string        // 普通文件输出
	Rotate  *RotateConfig // 轮转文件输出

	Sampling *SamplingConfig

	EnableCaller     bool
	EnableStacktrace bool // Error 及以上记录堆栈

	Hooks []Hook
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	if c.Format == "" {
		c.Format = JSONFormat
	}
	if !c.Console && c.File == "" && c.Rotate == nil {
		c.Console = true
	}
}
