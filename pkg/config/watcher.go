package config

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
)

// startWatch 开始监控配置文件变更，调用方持有 mu
func (c *Config) startWatch() {
	if c.hooked {
		c.watching = true
		return
	}
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		c.mu.RLock()
		watching := c.watching
		onChange := c.onChange
		c.mu.RUnlock()

		if !watching || onChange == nil {
			return
		}
		// viper 在回调前已重新读取文件
		onChange()
	})
	c.viper.WatchConfig()
	c.hooked = true
	c.watching = true
}

// StartWatch 开始监控配置文件变更，已在监控时不重复启动
func (c *Config) StartWatch() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.viper.ConfigFileUsed() == "" {
		return ErrConfigNotFound
	}
	c.startWatch()
	return nil
}

// StopWatch 停止监控配置文件
// viper 未提供停止底层 fsnotify watcher 的方法，这里仅让回调失效
func (c *Config) StopWatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watching = false
}

// IsWatching 是否正在监控
func (c *Config) IsWatching() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.watching
}

// ReportError 报告错误，优先使用 onError 回调，否则输出到 stderr
func (c *Config) ReportError(err error) {
	c.mu.RLock()
	onError := c.onError
	c.mu.RUnlock()

	if onError != nil {
		onError(err)
	} else {
		fmt.Fprintf(os.Stderr, "[config] %v\n", err)
	}
}
