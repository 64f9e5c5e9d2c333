package beacon

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsAllowMethods = "GET, POST, OPTIONS"
	corsAllowHeaders = "Origin, Content-Type, Accept, Authorization, traceparent"
	corsMaxAge       = "43200"
)

// CORS 允许浏览器控制台跨域调用 /api 接口
// origins 支持精确匹配和 "https://*.example.org" 形式的通配符，"*" 允许所有来源
func CORS(origins []string) gin.HandlerFunc {
	allowAll := false
	exact := make(map[string]bool, len(origins))
	var wildcards []string
	for _, o := range origins {
		switch {
		case o == "*":
			allowAll = true
		case strings.Contains(o, "*"):
			wildcards = append(wildcards, o)
		default:
			exact[o] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || !strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Next()
			return
		}
		if !allowAll && !exact[origin] && !matchAnyWildcard(origin, wildcards) {
			c.Next()
			return
		}

		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", corsAllowMethods)
			c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
			c.Header("Access-Control-Max-Age", corsMaxAge)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func matchAnyWildcard(origin string, patterns []string) bool {
	for _, p := range patterns {
		prefix, suffix, _ := strings.Cut(p, "*")
		if len(origin) > len(prefix)+len(suffix) &&
			strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
			return true
		}
	}
	return false
}
