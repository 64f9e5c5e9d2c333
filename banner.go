package beacon

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
)

// Version 版本号，构建时通过 -ldflags 覆盖
var Version = "0.1.0"

var bannerOutput io.Writer = os.Stdout

const banner = `
 _                                
| |__   ___  __ _  ___ ___  _ __  
| '_ \ / _ \/ _' |/ __/ _ \| '_ \ 
| |_) |  __/ (_| | (_| (_) | | | |
|_.__/ \___|\__,_|\___\___/|_| |_|  realtime hub %s
`

// printBanner 打印 banner、路由表和运行环境
func printBanner(out io.Writer, addr string, routes gin.RoutesInfo, mode string) {
	fPrint(out, banner, Version)
	fPrint(out, "\n")

	if len(routes) > 0 {
		printRoutes(out, routes, mode)
		fPrint(out, "\n")
	}

	fPrint(out, "[beacon] mode=%s go=%s os=%s/%s\n", mode, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fPrint(out, "[beacon] listening on %s\n", openURL(addr))
}

// openURL 把监听地址转换为可访问的 URL
func openURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, ":"):
		return "http://127.0.0.1" + addr
	case strings.HasPrefix(addr, "[::]:"):
		return "http://127.0.0.1:" + strings.TrimPrefix(addr, "[::]:")
	case strings.HasPrefix(addr, "0.0.0.0:"):
		return "http://127.0.0.1:" + strings.TrimPrefix(addr, "0.0.0.0:")
	default:
		return "http://" + addr
	}
}

func methodColor(method string) string {
	switch method {
	case "GET":
		return "\033[34m"
	case "POST":
		return "\033[32m"
	case "PUT":
		return "\033[33m"
	case "DELETE":
		return "\033[31m"
	default:
		return "\033[0m"
	}
}

const resetColor = "\033[0m"

// printRoutes 对齐打印路由表
func printRoutes(out io.Writer, routes gin.RoutesInfo, mode string) {
	width := 0
	for _, r := range routes {
		if len(r.Path) > width {
			width = len(r.Path)
		}
	}
	for _, r := range routes {
		fPrint(out, "[beacon-%s] %s%-7s%s %-*s --> %s\n",
			mode, methodColor(r.Method), r.Method, resetColor, width, r.Path, r.Handler)
	}
}

// silenceGin gin 的调试输出由 banner 和请求日志代替
func silenceGin() {
	gin.DefaultWriter = io.Discard
	gin.DefaultErrorWriter = io.Discard
}

func fPrint(out io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(out, format, a...)
}
