package hub

import "time"

// Metrics 监控接口
type Metrics interface {
	// 连接指标
	IncrementConnections()
	DecrementConnections()
	SetConnectionCount(count int)
	IncrementReaped()

	// 入站消息指标
	IncrementMessageCount(kind string)
	IncrementInvalidMessages()
	IncrementRateLimited()

	// 出站指标
	RecordBroadcast(topic string, recipients int, duration time.Duration)
	IncrementDroppedMessages()
	IncrementWriteErrors()

	// 订阅指标
	SetSubscriptionCount(count int)
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (m *NoopMetrics) IncrementConnections()                            {}
func (m *NoopMetrics) DecrementConnections()                            {}
func (m *NoopMetrics) SetConnectionCount(count int)                     {}
func (m *NoopMetrics) IncrementReaped()                                 {}
func (m *NoopMetrics) IncrementMessageCount(kind string)                {}
func (m *NoopMetrics) IncrementInvalidMessages()                        {}
func (m *NoopMetrics) IncrementRateLimited()                            {}
func (m *NoopMetrics) RecordBroadcast(string, int, time.Duration)       {}
func (m *NoopMetrics) IncrementDroppedMessages()                        {}
func (m *NoopMetrics) IncrementWriteErrors()                            {}
func (m *NoopMetrics) SetSubscriptionCount(count int)                   {}
