package hub

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Transport 单个连接的双向帧通道
//
// ReadMessage 只会被该连接的读协程调用；WriteMessage 与 Close 可以被任意协程并发调用。
// 关闭后 ReadMessage 和 WriteMessage 都返回 ErrTransportClosed。
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// wsTransport gorilla/websocket 实现
type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration

	mu     sync.Mutex // gorilla 同一时刻只允许一个写者
	closed atomic.Bool
	once   sync.Once
}

// NewWebsocketTransport 包装已升级的连接，readLimit 为单帧读取上限
func NewWebsocketTransport(conn *websocket.Conn, writeWait time.Duration, readLimit int64) Transport {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &wsTransport{conn: conn, writeWait: writeWait}
}

// ReadMessage 读取下一个文本或二进制帧
func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if t.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}
		return nil, err
	}
	return data, nil
}

// WriteMessage 写入文本帧，每次写都带写超时
func (t *wsTransport) WriteMessage(data []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeWait)); err != nil {
		return err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if t.closed.Load() || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
			return ErrTransportClosed
		}
		return err
	}
	return nil
}

// Close 发送关闭帧并关闭底层连接，可重复调用
func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		// WriteControl 可与 WriteMessage 并发
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = t.conn.Close()
	})
	return err
}
