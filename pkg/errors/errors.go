package errors

import "errors"

// Error 业务错误，携带错误码与 HTTP 状态码
type Error struct {
	Code     int    `json:"code"`    // 错误码
	Message  string `json:"message"` // 错误信息
	HttpCode int    `json:"-"`       // http状态码
	Err      error  `json:"-"`       // 原始错误
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap 实现 errors.Unwrap 接口
func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建新的错误
// httpCode 可选，默认 200
func New(code int, message string, httpCode ...int) *Error {
	hc := 200
	if len(httpCode) > 0 {
		hc = httpCode[0]
	}
	return &Error{
		Code:     code,
		HttpCode: hc,
		Message:  message,
	}
}

// WithError 添加原始错误（返回新实例，不修改预定义错误）
func (e *Error) WithError(err error) *Error {
	return &Error{
		Code:     e.Code,
		HttpCode: e.HttpCode,
		Message:  e.Message,
		Err:      err,
	}
}

// WithMessage 替换错误信息（返回新实例）
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		Code:     e.Code,
		HttpCode: e.HttpCode,
		Message:  message,
		Err:      e.Err,
	}
}

// Is 当 target 也是 *Error 时比较 Code，否则比较原始错误
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return errors.Is(e.Err, target)
}

// As 转换为指定类型的错误
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is 检查错误链中是否包含 target
func Is(err error, target error) bool {
	return errors.Is(err, target)
}
