package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/beacon/pkg/hub"
)

func TestPromMetricsRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPromMetrics(reg, "test")
	require.NoError(t, err)

	m.IncrementConnections()
	m.IncrementConnections()
	m.SetConnectionCount(2)
	m.DecrementConnections()
	m.IncrementMessageCount("SUBSCRIBE")
	m.IncrementMessageCount("SUBSCRIBE")
	m.IncrementMessageCount("PONG")
	m.IncrementRateLimited()
	m.IncrementReaped()
	m.RecordBroadcast("system", 4, 3*time.Millisecond)
	m.IncrementDroppedMessages()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.connectionsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.connections))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.disconnects))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.messages.WithLabelValues("SUBSCRIBE")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.rateLimited))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.reaped))
	assert.Equal(t, 1, testutil.CollectAndCount(m.fanout))

	attempted, dropped := m.Totals()
	assert.Equal(t, int64(4), attempted)
	assert.Equal(t, int64(1), dropped)
}

func TestPromMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPromMetrics(reg, "dup")
	require.NoError(t, err)
	_, err = NewPromMetrics(reg, "dup")
	assert.Error(t, err)
}

func TestPromMetricsWiredIntoHub(t *testing.T) {
	m, err := NewPromMetrics(prometheus.NewRegistry(), "wired")
	require.NoError(t, err)

	h, err := hub.New(hub.WithMetrics(m))
	require.NoError(t, err)
	defer func() { _ = h.Shutdown(context.Background()) }()

	_, err = h.Publish(context.Background(), "system", map[string]any{"cpu": 0.1})
	require.NoError(t, err)
	assert.Equal(t, 1, testutil.CollectAndCount(m.broadcastLatency))
}

type staticSource struct{ clients, subs, topics int }

func (s staticSource) ClientCount() int       { return s.clients }
func (s staticSource) SubscriptionCount() int { return s.subs }
func (s staticSource) TopicCount() int        { return s.topics }

type fakeCounters struct {
	mu                 sync.Mutex
	attempted, dropped int64
}

func (c *fakeCounters) set(attempted, dropped int64) {
	c.mu.Lock()
	c.attempted, c.dropped = attempted, dropped
	c.mu.Unlock()
}

func (c *fakeCounters) Totals() (int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempted, c.dropped
}

type published struct {
	topic   string
	payload any
}

type recordingPublisher struct {
	ch chan published
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload any) (int, error) {
	select {
	case p.ch <- published{topic: topic, payload: payload}:
	default:
	}
	return 1, nil
}

func TestSnapshotDropRateUsesPreviousSnapshot(t *testing.T) {
	counters := &fakeCounters{}
	s := NewSnapshotter(staticSource{clients: 3, subs: 5, topics: 2}, counters, nil, SnapshotterConfig{})

	_, ok := s.Last()
	assert.False(t, ok)

	counters.set(100, 10)
	first := s.Collect()
	assert.Equal(t, 3, first.Clients)
	assert.Equal(t, 5, first.Subscriptions)
	assert.Equal(t, 2, first.Topics)
	assert.InDelta(t, 0.1, first.DropRate, 1e-9)

	counters.set(300, 15)
	second := s.Collect()
	assert.InDelta(t, 0.025, second.DropRate, 1e-9)

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, second, last)

	// 期间没有广播
	third := s.Collect()
	assert.Zero(t, third.DropRate)
}

func TestSnapshotterRunPublishes(t *testing.T) {
	pub := &recordingPublisher{ch: make(chan published, 4)}
	s := NewSnapshotter(staticSource{clients: 1}, nil, pub, SnapshotterConfig{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case got := <-pub.ch:
		assert.Equal(t, DefaultTopic, got.topic)
		snap, ok := got.payload.(Snapshot)
		require.True(t, ok)
		assert.Equal(t, "snapshot", snap.Kind)
		assert.Equal(t, 1, snap.Clients)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}

	cancel()
	assert.NoError(t, <-done)
}
