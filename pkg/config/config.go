package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 配置管理器
type Config struct {
	viper *viper.Viper // viper 实例
	mu    sync.RWMutex // 并发保护锁

	// 配置文件相关
	configFile  string   // 配置文件完整路径
	configName  string   // 配置文件名（不含扩展名）
	configType  string   // 配置文件类型
	configPaths []string // 配置文件搜索路径
	optional    bool     // 找不到配置文件时仅使用默认值和环境变量

	// 监控相关
	autoWatch bool        // 是否自动开启文件监控
	watching  bool        // 是否正在监控
	hooked    bool        // 底层 watcher 是否已启动
	onChange  func()      // 配置变更回调
	onError   func(error) // 错误回调

	// 其他选项
	defaults       map[string]any    // 默认配置值
	envPrefix      string            // 环境变量前缀
	envKeyReplacer *strings.Replacer // 环境变量键名替换器
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// New 创建新的配置管理器
func New(opts ...Option) *Config {
	c := &Config{
		viper: viper.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load 加载配置文件
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.defaults {
		c.viper.SetDefault(k, v)
	}

	if c.envPrefix != "" {
		c.viper.SetEnvPrefix(c.envPrefix)
		c.viper.AutomaticEnv()
	}
	if c.envKeyReplacer != nil {
		c.viper.SetEnvKeyReplacer(c.envKeyReplacer)
	}

	if c.configFile != "" {
		c.viper.SetConfigFile(c.configFile)
	} else {
		if c.configName == "" {
			// 没有任何文件线索
			if c.optional {
				return nil
			}
			return ErrConfigNotFound
		}
		c.viper.SetConfigName(c.configName)
		if c.configType != "" {
			c.viper.SetConfigType(c.configType)
		}
		for _, path := range c.configPaths {
			c.viper.AddConfigPath(path)
		}
	}

	if err := c.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			if c.optional {
				return nil
			}
			return ErrConfigNotFound.WithError(err)
		}
		return ErrConfigReadFailed.WithError(err)
	}

	if c.autoWatch {
		c.startWatch()
	}
	return nil
}

// Get 泛型获取配置值
func Get[T any](c *Config, key string) T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.viper.Get(key).(T); ok {
		return v
	}
	var zero T
	return zero
}

// GetString 获取字符串配置值
func (c *Config) GetString(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.GetString(key)
}

// GetInt 获取整数配置值
func (c *Config) GetInt(key string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.GetInt(key)
}

// GetBool 获取布尔配置值
func (c *Config) GetBool(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.GetBool(key)
}

// GetDuration 获取时间间隔配置值
func (c *Config) GetDuration(key string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.GetDuration(key)
}

// Set 设置配置值，优先级高于文件和环境变量
func (c *Config) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viper.Set(key, value)
}

// IsSet 检查配置键是否存在
func (c *Config) IsSet(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.IsSet(key)
}

// AllSettings 获取所有配置
func (c *Config) AllSettings() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.AllSettings()
}

// ConfigFileUsed 实际加载的配置文件
func (c *Config) ConfigFileUsed() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.ConfigFileUsed()
}

// Unmarshal 将配置反序列化到结构体
func (c *Config) Unmarshal(rawVal any) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.Unmarshal(rawVal)
}

// Decode 反序列化并按 validate 标签校验
func (c *Config) Decode(rawVal any) error {
	if err := c.Unmarshal(rawVal); err != nil {
		return ErrConfigInvalid.WithError(err)
	}
	return Validate(rawVal)
}

// Validate 按 validate 标签校验结构体
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
			}
			return ErrConfigInvalid.WithError(fmt.Errorf("invalid fields: %s", strings.Join(fields, ", ")))
		}
		return ErrConfigInvalid.WithError(err)
	}
	return nil
}

// Close 关闭配置管理器，停止监控
func (c *Config) Close() {
	c.StopWatch()
}
