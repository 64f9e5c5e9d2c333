package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/beacon/pkg/logger"
)

// DefaultTopic 快照默认推送的 topic
const DefaultTopic = "system"

// Source 快照需要的计数
type Source interface {
	ClientCount() int
	SubscriptionCount() int
	TopicCount() int
}

// Publisher 快照推送目标
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (int, error)
}

// Counters 累计发送计数
type Counters interface {
	Totals() (attempted, dropped int64)
}

// Snapshot 系统快照
type Snapshot struct {
	Kind          string    `json:"kind"`
	Clients       int       `json:"clients"`
	Subscriptions int       `json:"subscriptions"`
	Topics        int       `json:"topics"`
	Attempted     int64     `json:"attempted"`
	Dropped       int64     `json:"dropped"`
	DropRate      float64   `json:"dropRate"`
	Timestamp     time.Time `json:"timestamp"`
}

// SnapshotterConfig 快照配置
type SnapshotterConfig struct {
	Interval time.Duration
	Topic    string
	Logger   logger.Logger
	Now      func() time.Time
}

// Snapshotter 定期采集快照并推送到实时通道
//
// 丢弃率按两次快照之间的增量计算，上一次快照在每次采集后保存。
type Snapshotter struct {
	source    Source
	counters  Counters
	publisher Publisher
	cfg       SnapshotterConfig

	mu   sync.Mutex
	prev *Snapshot
}

// NewSnapshotter 创建快照器，counters 可以为 nil
func NewSnapshotter(source Source, counters Counters, publisher Publisher, cfg SnapshotterConfig) *Snapshotter {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Snapshotter{
		source:    source,
		counters:  counters,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Collect 采集一次快照并记为上一次
func (s *Snapshotter) Collect() Snapshot {
	snap := Snapshot{
		Kind:          "snapshot",
		Clients:       s.source.ClientCount(),
		Subscriptions: s.source.SubscriptionCount(),
		Topics:        s.source.TopicCount(),
		Timestamp:     s.cfg.Now(),
	}
	if s.counters != nil {
		snap.Attempted, snap.Dropped = s.counters.Totals()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prevAttempted, prevDropped int64
	if s.prev != nil {
		prevAttempted, prevDropped = s.prev.Attempted, s.prev.Dropped
	}
	if delta := snap.Attempted - prevAttempted; delta > 0 {
		snap.DropRate = float64(snap.Dropped-prevDropped) / float64(delta)
	}
	stored := snap
	s.prev = &stored
	return snap
}

// Last 上一次快照
func (s *Snapshotter) Last() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prev == nil {
		return Snapshot{}, false
	}
	return *s.prev, true
}

// Run 按周期推送快照直到 ctx 结束
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := s.Collect()
			n, err := s.publisher.Publish(ctx, s.cfg.Topic, snap)
			if err != nil {
				s.cfg.Logger.Warn("publish snapshot failed", zap.Error(err))
				continue
			}
			s.cfg.Logger.Debug("snapshot published",
				zap.Int("recipients", n),
				zap.Int("clients", snap.Clients),
				zap.Float64("drop_rate", snap.DropRate),
			)
		}
	}
}
