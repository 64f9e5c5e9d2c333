package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/beacon/pkg/logger"
)

// ConnectEvent 连接建立事件
type ConnectEvent struct {
	Entry EntrySnapshot
	Time  time.Time
}

// DisconnectEvent 连接移除事件，Entry 为移除前的最后状态
type DisconnectEvent struct {
	Entry  EntrySnapshot
	Reason DisconnectReason
	Time   time.Time
}

// ClientEvent 未被内置处理器识别的入站帧
type ClientEvent struct {
	ConnID string
	Kind   string
	Raw    json.RawMessage
	Time   time.Time
}

// Bridge 事件桥，监听器在固定数量的 worker 上异步执行
//
// 连接建立与移除事件从不丢弃：队列满时进入 backlog，由 pump 按序送入队列，
// Close 会先把 backlog 送完。自定义帧事件在队列满时丢弃。
type Bridge struct {
	mu           sync.RWMutex
	onConnect    []func(ConnectEvent)
	onDisconnect []func(DisconnectEvent)
	onClient     []func(ClientEvent)

	workerCh chan func()
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	once     sync.Once
	dropped  atomic.Int64

	backlogMu sync.Mutex
	backlog   []func()
	backlogCh chan struct{}
	pumpStop  chan struct{}
	pumpDone  chan struct{}

	log logger.Logger
}

// NewBridge 创建事件桥
func NewBridge(workers, queueSize int, log logger.Logger) *Bridge {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	b := &Bridge{
		workerCh:  make(chan func(), queueSize),
		stopCh:    make(chan struct{}),
		backlogCh: make(chan struct{}, 1),
		pumpStop:  make(chan struct{}),
		pumpDone:  make(chan struct{}),
		log:       log,
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	go b.pump()
	return b
}

// pump 把 backlog 中的生命周期事件按序送入队列
func (b *Bridge) pump() {
	defer close(b.pumpDone)
	for {
		select {
		case <-b.backlogCh:
			b.flushBacklog()
		case <-b.pumpStop:
			b.flushBacklog()
			return
		}
	}
}

func (b *Bridge) flushBacklog() {
	for {
		b.backlogMu.Lock()
		if len(b.backlog) == 0 {
			b.backlogMu.Unlock()
			return
		}
		task := b.backlog[0]
		b.backlog[0] = nil
		b.backlog = b.backlog[1:]
		b.backlogMu.Unlock()

		b.workerCh <- task
	}
}

func (b *Bridge) worker() {
	defer b.wg.Done()
	for {
		select {
		case task := <-b.workerCh:
			b.run(task)
		case <-b.stopCh:
			// 执行已入队的任务后退出
			for {
				select {
				case task := <-b.workerCh:
					b.run(task)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event listener panic", zap.Any("panic", r))
		}
	}()
	task()
}

// OnConnect 注册连接建立监听器
func (b *Bridge) OnConnect(fn func(ConnectEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnect = append(b.onConnect, fn)
}

// OnDisconnect 注册连接移除监听器
func (b *Bridge) OnDisconnect(fn func(DisconnectEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDisconnect = append(b.onDisconnect, fn)
}

// OnClientEvent 注册自定义入站帧监听器
func (b *Bridge) OnClientEvent(fn func(ClientEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onClient = append(b.onClient, fn)
}

// hasClientListeners 是否有自定义帧监听器
func (b *Bridge) hasClientListeners() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.onClient) > 0
}

func (b *Bridge) emitConnect(ev ConnectEvent) {
	b.mu.RLock()
	listeners := b.onConnect
	b.mu.RUnlock()
	for _, fn := range listeners {
		fn := fn
		b.submit(func() { fn(ev) }, true)
	}
}

func (b *Bridge) emitDisconnect(ev DisconnectEvent) {
	b.mu.RLock()
	listeners := b.onDisconnect
	b.mu.RUnlock()
	for _, fn := range listeners {
		fn := fn
		b.submit(func() { fn(ev) }, true)
	}
}

func (b *Bridge) emitClientEvent(ev ClientEvent) {
	b.mu.RLock()
	listeners := b.onClient
	b.mu.RUnlock()
	for _, fn := range listeners {
		fn := fn
		b.submit(func() { fn(ev) }, false)
	}
}

// submit 提交任务，从不阻塞调用方；critical 任务在队列满时进入 backlog
func (b *Bridge) submit(task func(), critical bool) {
	if critical {
		b.submitCritical(task)
		return
	}
	if b.closed.Load() {
		b.dropped.Add(1)
		return
	}
	select {
	case b.workerCh <- task:
	default:
		b.dropped.Add(1)
	}
}

func (b *Bridge) submitCritical(task func()) {
	b.backlogMu.Lock()
	if b.closed.Load() {
		b.backlogMu.Unlock()
		b.dropped.Add(1)
		return
	}
	// backlog 非空时直接排在其后，保持先后顺序
	if len(b.backlog) == 0 {
		select {
		case b.workerCh <- task:
			b.backlogMu.Unlock()
			return
		default:
		}
	}
	b.backlog = append(b.backlog, task)
	b.backlogMu.Unlock()

	select {
	case b.backlogCh <- struct{}{}:
	default:
	}
}

// Backlog 等待入队的生命周期事件数
func (b *Bridge) Backlog() int {
	b.backlogMu.Lock()
	defer b.backlogMu.Unlock()
	return len(b.backlog)
}

// Dropped 被丢弃的事件数
func (b *Bridge) Dropped() int64 {
	return b.dropped.Load()
}

// Close 停止接收新事件，送完 backlog 并等待已入队的监听器执行完
func (b *Bridge) Close() {
	b.once.Do(func() {
		b.backlogMu.Lock()
		b.closed.Store(true)
		b.backlogMu.Unlock()

		close(b.pumpStop)
		<-b.pumpDone
		close(b.stopCh)
		b.wg.Wait()
	})
}
