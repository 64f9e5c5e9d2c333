package hub

import "errors"

// 错误定义
var (
	// 连接相关错误
	ErrTooManyConnections = errors.New("hub: too many connections")
	ErrTransportClosed    = errors.New("hub: transport closed")
	ErrIdentityExhausted  = errors.New("hub: identity generator returned a duplicate id")

	// 消息相关错误
	ErrHandlerExists  = errors.New("hub: handler already exists")
	ErrInvalidMessage = errors.New("hub: invalid message format")
	ErrEmptyTopic     = errors.New("hub: topic must not be empty")

	// 生命周期错误
	ErrHubClosed = errors.New("hub: closed")
)
