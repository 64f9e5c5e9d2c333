package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/beacon/pkg/logger"
)

// Monitor 心跳探测器
//
// 每个 interval 向所有连接发送 PING 并记录探测时间；探测后 timeout 到期时，
// 仍未收到该轮之后 PONG 的连接被移除。只有探测时已接入满一个 interval 的连接
// 才会被判定，因此任何连接都不会在接入后 interval+timeout 之内被移除。
type Monitor struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	// send 把探测帧写给一批连接
	send    func(targets []target, frame []byte)
	metrics Metrics
	log     logger.Logger
}

func newMonitor(h *Hub) *Monitor {
	return &Monitor{
		registry: h.registry,
		interval: h.config.HeartbeatInterval,
		timeout:  h.config.HeartbeatTimeout,
		now:      h.config.Clock,
		send: func(targets []target, frame []byte) {
			h.fanout(targets, frame)
		},
		metrics: h.metrics,
		log:     h.log.Named("liveness"),
	}
}

// Run 运行探测循环直到 ctx 结束，退出时停止 ticker 和宽限定时器
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var (
		grace   *time.Timer
		graceC  <-chan time.Time
		probeAt time.Time
	)
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			probeAt = m.Probe()
			if grace == nil {
				grace = time.NewTimer(m.timeout)
			} else {
				grace.Reset(m.timeout)
			}
			graceC = grace.C

		case <-graceC:
			graceC = nil
			m.Sweep(probeAt)
		}
	}
}

// Probe 向当前所有连接发送探测帧，返回本轮探测时间
func (m *Monitor) Probe() time.Time {
	at := m.now()
	targets := m.registry.markProbed(at)
	if len(targets) > 0 {
		m.send(targets, pingFrame)
	}
	m.log.Debug("liveness probe sent", zap.Int("targets", len(targets)))
	return at
}

// Sweep 移除在 probeAt 被探测但没有应答的连接，返回被移除的标识
func (m *Monitor) Sweep(probeAt time.Time) []string {
	stale := m.registry.unanswered(probeAt, m.interval)
	reaped := make([]string, 0, len(stale))
	for _, id := range stale {
		// 期间可能已被其他原因移除
		if m.registry.Unregister(id, ReasonTimeout) {
			m.metrics.IncrementReaped()
			reaped = append(reaped, id)
		}
	}
	if len(reaped) > 0 {
		m.log.Info("reaped unresponsive connections", zap.Strings("ids", reaped))
	}
	return reaped
}

// Acknowledge 记录一次心跳应答
func (m *Monitor) Acknowledge(id string) bool {
	return m.registry.Touch(id, m.now())
}
