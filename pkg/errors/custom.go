package errors

/*
	内置错误码
	1xxx 通用错误
	2xxx 实时通道错误
*/

var (
	// ErrServer 服务器错误
	ErrServer = New(1000, "服务器异常", 500)
	// ErrBadRequest 客户端请求错误
	ErrBadRequest = New(1001, "请求异常", 400)
	// ErrNotFound 资源不存在
	ErrNotFound = New(1004, "资源不存在", 404)
	// ErrTooManyRequests 请求过于频繁
	ErrTooManyRequests = New(1029, "请求过于频繁", 429)

	// ErrHubUnavailable 实时通道不可用（已关闭或未启动）
	ErrHubUnavailable = New(2001, "实时通道不可用", 503)
	// ErrHubCapacity 连接数已达上限
	ErrHubCapacity = New(2002, "连接数已达上限", 503)
	// ErrInvalidTopic 主题不合法
	ErrInvalidTopic = New(2003, "主题不合法", 400)
)
