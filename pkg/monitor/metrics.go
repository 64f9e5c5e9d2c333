// Package monitor 提供实时通道的 Prometheus 指标和系统快照推送
package monitor

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tokmz/beacon/pkg/hub"
)

var _ hub.Metrics = (*PromMetrics)(nil)

// PromMetrics 基于 Prometheus 的 hub.Metrics 实现
type PromMetrics struct {
	connections      prometheus.Gauge
	connectionsTotal prometheus.Counter
	disconnects      prometheus.Counter
	reaped           prometheus.Counter
	messages         *prometheus.CounterVec
	invalid          prometheus.Counter
	rateLimited      prometheus.Counter
	dropped          prometheus.Counter
	writeErrors      prometheus.Counter
	subscriptions    prometheus.Gauge
	fanout           prometheus.Histogram
	broadcastLatency prometheus.Histogram

	// 快照用的累计值
	attempted    atomic.Int64
	droppedTotal atomic.Int64
}

// NewPromMetrics 创建并注册指标，reg 为 nil 时使用默认注册表
func NewPromMetrics(reg prometheus.Registerer, namespace string) (*PromMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "beacon"
	}
	const subsystem = "hub"

	m := &PromMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "connections",
			Help: "Currently registered connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "connections_total",
			Help: "Connections accepted since start",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "disconnects_total",
			Help: "Connections removed since start",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "reaped_total",
			Help: "Connections removed by the liveness monitor",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "inbound_frames_total",
			Help: "Parsed inbound frames by kind",
		}, []string{"kind"}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "invalid_frames_total",
			Help: "Inbound frames that failed to parse",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "rate_limited_frames_total",
			Help: "Inbound frames rejected by the rate limiter",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "dropped_sends_total",
			Help: "Outbound frames that were not delivered",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "write_errors_total",
			Help: "Transport write failures",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "subscriptions",
			Help: "Total topic memberships",
		}),
		fanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "broadcast_recipients",
			Help:    "Recipients targeted per broadcast",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		}),
		broadcastLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "broadcast_duration_seconds",
			Help:    "Time to fan a broadcast out to all recipients",
			Buckets: prometheus.DefBuckets,
		}),
	}

	for _, c := range []prometheus.Collector{
		m.connections, m.connectionsTotal, m.disconnects, m.reaped,
		m.messages, m.invalid, m.rateLimited, m.dropped, m.writeErrors,
		m.subscriptions, m.fanout, m.broadcastLatency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PromMetrics) IncrementConnections() {
	m.connectionsTotal.Inc()
}

func (m *PromMetrics) DecrementConnections() {
	m.disconnects.Inc()
}

func (m *PromMetrics) SetConnectionCount(count int) {
	m.connections.Set(float64(count))
}

func (m *PromMetrics) IncrementReaped() {
	m.reaped.Inc()
}

func (m *PromMetrics) IncrementMessageCount(kind string) {
	m.messages.WithLabelValues(kind).Inc()
}

func (m *PromMetrics) IncrementInvalidMessages() {
	m.invalid.Inc()
}

func (m *PromMetrics) IncrementRateLimited() {
	m.rateLimited.Inc()
}

func (m *PromMetrics) RecordBroadcast(topic string, recipients int, duration time.Duration) {
	m.attempted.Add(int64(recipients))
	m.fanout.Observe(float64(recipients))
	m.broadcastLatency.Observe(duration.Seconds())
}

func (m *PromMetrics) IncrementDroppedMessages() {
	m.droppedTotal.Add(1)
	m.dropped.Inc()
}

func (m *PromMetrics) IncrementWriteErrors() {
	m.writeErrors.Inc()
}

func (m *PromMetrics) SetSubscriptionCount(count int) {
	m.subscriptions.Set(float64(count))
}

// Totals 累计的广播目标数和丢弃数
func (m *PromMetrics) Totals() (attempted, dropped int64) {
	return m.attempted.Load(), m.droppedTotal.Load()
}
