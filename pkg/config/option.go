package config

import "strings"

// Option 配置选项函数
type Option func(*Config)

// WithConfigFile 指定配置文件完整路径
func WithConfigFile(path string) Option {
	return func(c *Config) {
		c.configFile = path
	}
}

// WithConfigName 设置配置文件名（不含扩展名）
func WithConfigName(name string) Option {
	return func(c *Config) {
		c.configName = name
	}
}

// WithConfigType 设置配置文件类型（如 yaml, json, toml）
func WithConfigType(typ string) Option {
	return func(c *Config) {
		c.configType = typ
	}
}

// WithConfigPaths 设置配置文件搜索路径
func WithConfigPaths(paths ...string) Option {
	return func(c *Config) {
		c.configPaths = paths
	}
}

// WithOptional 找不到配置文件时不报错，只使用默认值和环境变量
func WithOptional(optional bool) Option {
	return func(c *Config) {
		c.optional = optional
	}
}

// WithAutoWatch 设置是否自动开启文件监控
func WithAutoWatch(watch bool) Option {
	return func(c *Config) {
		c.autoWatch = watch
	}
}

// WithOnChange 设置配置变更回调函数，文件变更并重新读取后触发
func WithOnChange(fn func()) Option {
	return func(c *Config) {
		c.onChange = fn
	}
}

// WithOnError 设置错误回调函数
// 回调中处理新配置失败时由调用方通过 ReportError 上报
func WithOnError(fn func(error)) Option {
	return func(c *Config) {
		c.onError = fn
	}
}

// WithDefaults 设置默认配置值
func WithDefaults(defaults map[string]any) Option {
	return func(c *Config) {
		c.defaults = defaults
	}
}

// WithEnvPrefix 设置环境变量前缀
func WithEnvPrefix(prefix string) Option {
	return func(c *Config) {
		c.envPrefix = prefix
	}
}

// WithEnvKeyReplacer 设置环境变量键名替换器
func WithEnvKeyReplacer(r *strings.Replacer) Option {
	return func(c *Config) {
		c.envKeyReplacer = r
	}
}
