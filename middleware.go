package beacon

import (
	"errors"
	"math"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	bizerr "github.com/tokmz/beacon/pkg/errors"
	"github.com/tokmz/beacon/pkg/logger"
	"github.com/tokmz/beacon/pkg/ratelimit"
)

// Logger 请求日志中间件，按状态码选择日志级别
// excludePaths 中的路径不记录（如 /healthz、/metrics）
func Logger(log logger.Logger, excludePaths ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(excludePaths))
	for _, p := range excludePaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skip[path] {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		ctx := c.Request.Context()
		switch {
		case status >= http.StatusInternalServerError:
			log.ErrorContext(ctx, "request", fields...)
		case status >= http.StatusBadRequest:
			log.WarnContext(ctx, "request", fields...)
		default:
			log.InfoContext(ctx, "request", fields...)
		}
	}
}

// Recovery panic 恢复中间件，返回统一的 500 响应
func Recovery(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			if isBrokenPipe(err) {
				log.Warn("broken pipe", zap.Any("error", err), zap.String("path", c.Request.URL.Path))
				c.Abort()
				return
			}
			log.Error("panic recovered",
				zap.Any("error", err),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
				zap.String("stack", string(debug.Stack())),
			)
			RespondError(c, bizerr.ErrServer)
			c.Abort()
		}()
		c.Next()
	}
}

// isBrokenPipe 客户端主动断开
func isBrokenPipe(err any) bool {
	e, ok := err.(error)
	if !ok {
		return false
	}
	var ne *net.OpError
	if !errors.As(e, &ne) {
		return false
	}
	var se *os.SyscallError
	if !errors.As(ne.Err, &se) {
		return false
	}
	msg := strings.ToLower(se.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}

// RateLimit 按客户端 IP 限流，拒绝时返回 429 和 Retry-After（秒）
func RateLimit(limiter ratelimit.Limiter, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		d := limiter.Check(key)
		if d.Allowed {
			c.Next()
			return
		}

		secs := int(math.Ceil(d.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		log.Warn("rate limit exceeded",
			zap.String("client_ip", key),
			zap.String("path", c.Request.URL.Path),
			zap.Duration("retry_after", d.RetryAfter),
		)
		AbortWithError(c, bizerr.ErrTooManyRequests)
	}
}
