package beacon

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tokmz/beacon/pkg/errors"
	"github.com/tokmz/beacon/pkg/tracing"
)

// Response 统一响应结构
type Response struct {
	Code    int    `json:"code"`
	Data    any    `json:"data"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// Success 成功响应
func Success(c *gin.Context, data any) {
	respond(c, http.StatusOK, &Response{Code: http.StatusOK, Data: data, Message: "success"})
}

// RespondError 业务错误按其错误码和 HTTP 状态码响应，其他错误按 ErrServer 处理
func RespondError(c *gin.Context, err error) {
	var bizErr *errors.Error
	if errors.As(err, &bizErr) {
		respond(c, bizErr.HttpCode, &Response{Code: bizErr.Code, Message: bizErr.Message})
		return
	}

	message := errors.ErrServer.Message
	if err != nil {
		message = err.Error()
	}
	respond(c, errors.ErrServer.HttpCode, &Response{Code: errors.ErrServer.Code, Message: message})
}

// AbortWithError 记录错误并终止后续处理
func AbortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	RespondError(c, err)
	c.Abort()
}

// respond 附带 TraceID 输出
func respond(c *gin.Context, status int, resp *Response) {
	if traceID := c.GetString(tracing.TraceIDKey); traceID != "" {
		resp.TraceID = traceID
	}
	c.JSON(status, resp)
}
