package hub

import (
	"fmt"
	"sync"
	"time"
)

// DisconnectReason 连接移除原因
type DisconnectReason string

const (
	ReasonClosed         DisconnectReason = "closed"
	ReasonTimeout        DisconnectReason = "timeout"
	ReasonTransportError DisconnectReason = "transport_error"
	ReasonShutdown       DisconnectReason = "shutdown"
)

// Metadata 连接建立时采集的元数据
type Metadata struct {
	RemoteAddr string
	UserAgent  string
}

// EntrySnapshot 连接条目的只读副本
type EntrySnapshot struct {
	ID              string    `json:"id"`
	RemoteAddr      string    `json:"remote_addr"`
	UserAgent       string    `json:"user_agent"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	Topics          []string  `json:"topics"`
}

// entry 连接条目，除 id/transport/meta 外的字段都受 Registry.mu 保护
type entry struct {
	id          string
	transport   Transport
	meta        Metadata
	connectedAt time.Time

	lastHeartbeatAt time.Time
	lastProbeAt     time.Time
	topics          map[string]struct{}
}

func (e *entry) snapshot() EntrySnapshot {
	return EntrySnapshot{
		ID:              e.id,
		RemoteAddr:      e.meta.RemoteAddr,
		UserAgent:       e.meta.UserAgent,
		ConnectedAt:     e.connectedAt,
		LastHeartbeatAt: e.lastHeartbeatAt,
		Topics:          sortedKeys(e.topics),
	}
}

// target 扇出目标
type target struct {
	id        string
	transport Transport
}

// registryHooks 条目生命周期回调，在锁外调用
type registryHooks struct {
	onRegister   func(EntrySnapshot)
	onUnregister func(EntrySnapshot, DisconnectReason)
}

// Registry 连接注册表与订阅索引
//
// 正向索引（entry.topics）与反向索引（index）由同一把锁保护，任何时刻都一致。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	index   topicIndex

	ids      IDGenerator
	maxConns int
	now      func() time.Time
	hooks    registryHooks
	closed   bool
}

// NewRegistry 创建注册表，maxConns <= 0 表示不限制
func NewRegistry(ids IDGenerator, maxConns int, now func() time.Time) *Registry {
	if ids == nil {
		ids = UUIDGenerator()
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		entries:  make(map[string]*entry),
		index:    make(topicIndex),
		ids:      ids,
		maxConns: maxConns,
		now:      now,
	}
}

// Register 为传输分配新标识并登记
func (r *Registry) Register(t Transport, meta Metadata) (string, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("hub: generate identity: %w", err)
	}

	now := r.now()
	e := &entry{
		id:              id,
		transport:       t,
		meta:            meta,
		connectedAt:     now,
		lastHeartbeatAt: now,
		topics:          make(map[string]struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrHubClosed
	}
	if r.maxConns > 0 && len(r.entries) >= r.maxConns {
		r.mu.Unlock()
		return "", ErrTooManyConnections
	}
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return "", ErrIdentityExhausted
	}
	r.entries[id] = e
	snap := e.snapshot()
	r.mu.Unlock()

	if r.hooks.onRegister != nil {
		r.hooks.onRegister(snap)
	}
	return id, nil
}

// Unregister 移除条目并关闭其传输，重复调用返回 false
func (r *Registry) Unregister(id string, reason DisconnectReason) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	snap := e.snapshot()
	for topic := range e.topics {
		r.index.remove(topic, id)
	}
	delete(r.entries, id)
	r.mu.Unlock()

	_ = e.transport.Close()

	if r.hooks.onUnregister != nil {
		r.hooks.onUnregister(snap, reason)
	}
	return true
}

// Get 获取条目快照
func (r *Registry) Get(id string) (EntrySnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return EntrySnapshot{}, false
	}
	return e.snapshot(), true
}

// Count 当前连接数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs 当前所有连接标识
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// close 拒绝后续登记，并返回此刻所有连接标识
//
// 关闭标记与快照在同一次加锁内完成，之后不会再有条目漏出快照。
func (r *Registry) close() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe 追加订阅，返回订阅后的完整 topic 集合；空字符串被忽略
func (r *Registry) Subscribe(id string, topics []string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		e.topics[topic] = struct{}{}
		r.index.add(topic, id)
	}
	return sortedKeys(e.topics), true
}

// Unsubscribe 取消订阅，返回剩余的 topic 集合
func (r *Registry) Unsubscribe(id string, topics []string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	for _, topic := range topics {
		delete(e.topics, topic)
		r.index.remove(topic, id)
	}
	return sortedKeys(e.topics), true
}

// SubscribersOf 当前订阅某 topic 的连接标识
func (r *Registry) SubscribersOf(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.members(topic)
}

// SubscriptionCount 所有 topic 的订阅总数
func (r *Registry) SubscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.memberships()
}

// TopicCount 至少有一个订阅者的 topic 数
func (r *Registry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

// Touch 记录心跳应答时间
func (r *Registry) Touch(id string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}
	if at.After(e.lastHeartbeatAt) {
		e.lastHeartbeatAt = at
	}
	return true
}

// lookup 获取单个连接的传输
func (r *Registry) lookup(id string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.transport, true
}

// targets 在锁内复制订阅者，调用方在锁外写
func (r *Registry) targets(topic string) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.index[topic]
	out := make([]target, 0, len(set))
	for id := range set {
		if e, ok := r.entries[id]; ok {
			out = append(out, target{id: id, transport: e.transport})
		}
	}
	return out
}

// markProbed 记录探测时间并返回本轮探测目标
func (r *Registry) markProbed(at time.Time) []target {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]target, 0, len(r.entries))
	for id, e := range r.entries {
		e.lastProbeAt = at
		out = append(out, target{id: id, transport: e.transport})
	}
	return out
}

// unanswered 在 probeAt 被探测、之后没有应答且在探测前已存活至少 minAge 的连接
//
// minAge 取探测周期，刚接入就赶上探测的连接要等下一轮才会被判定。
func (r *Registry) unanswered(probeAt time.Time, minAge time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, e := range r.entries {
		if probeAt.Sub(e.connectedAt) < minAge {
			continue
		}
		if e.lastProbeAt.Equal(probeAt) && e.lastHeartbeatAt.Before(probeAt) {
			out = append(out, id)
		}
	}
	return out
}
