package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type readResult struct {
	data []byte
	err  error
}

// fakeTransport 内存传输，记录所有写入的帧
type fakeTransport struct {
	in     chan readResult
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	out      [][]byte
	writeErr error
	gate     chan struct{}
	autoPong bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan readResult, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case r := <-f.in:
		return r.data, r.err
	case <-f.closed:
		return nil, ErrTransportClosed
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-f.closed:
		}
	}

	if f.isClosed() {
		return ErrTransportClosed
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.out = append(f.out, append([]byte(nil), data...))
	if f.autoPong && string(data) == string(pingFrame) {
		select {
		case f.in <- readResult{data: []byte(`{"type":"PONG"}`)}:
		default:
		}
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) setGate(gate chan struct{}) {
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
}

// push 模拟对端发来一帧
func (f *fakeTransport) push(t *testing.T, v any) {
	t.Helper()
	var data []byte
	switch m := v.(type) {
	case string:
		data = []byte(m)
	default:
		b, err := json.Marshal(v)
		require.NoError(t, err)
		data = b
	}
	f.in <- readResult{data: data}
}

// fail 模拟读错误
func (f *fakeTransport) fail(err error) {
	f.in <- readResult{err: err}
}

func (f *fakeTransport) frames(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]map[string]any, 0, len(f.out))
	for _, raw := range f.out {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m), string(raw))
		out = append(out, m)
	}
	return out
}

func (f *fakeTransport) framesOf(t *testing.T, kind string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range f.frames(t) {
		if m["type"] == kind {
			out = append(out, m)
		}
	}
	return out
}

// waitFrame 等待第 n 个（从 1 开始）指定类型的帧
func (f *fakeTransport) waitFrame(t *testing.T, kind string, n int) map[string]any {
	t.Helper()
	var got []map[string]any
	require.Eventually(t, func() bool {
		got = f.framesOf(t, kind)
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %q frames", n, kind)
	return got[n-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestHub 创建未启动探测循环的 Hub，时钟可控
func newTestHub(t *testing.T, opts ...Option) (*Hub, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	h, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h, clock
}

func contextWithTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// accept 接入一个假连接并等待 connected 帧
func accept(t *testing.T, h *Hub, addr string) (string, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	id, err := h.Accept(ft, Metadata{RemoteAddr: addr, UserAgent: "test-agent"})
	require.NoError(t, err)
	ft.waitFrame(t, KindConnected, 1)
	return id, ft
}

// session 构造同步路由用的会话
func session(h *Hub, id, addr string) *Session {
	return &Session{ID: id, RemoteAddr: addr, hub: h}
}

// eventSink 收集事件桥回调
type eventSink[T any] struct {
	ch chan T
}

func newEventSink[T any]() *eventSink[T] {
	return &eventSink[T]{ch: make(chan T, 64)}
}

func (s *eventSink[T]) add(ev T) {
	s.ch <- ev
}

func (s *eventSink[T]) next(t *testing.T) T {
	t.Helper()
	select {
	case ev := <-s.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}
