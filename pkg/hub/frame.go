package hub

import (
	"bytes"
	"encoding/json"
	"strings"
)

// 客户端 -> 服务端帧类型
const (
	KindSubscribe   = "SUBSCRIBE"
	KindUnsubscribe = "UNSUBSCRIBE"
	KindPong        = "PONG"
)

// 服务端 -> 客户端帧类型
const (
	KindConnected    = "connected"
	KindPing         = "PING"
	KindSubscribed   = "subscribed"
	KindUnsubscribed = "unsubscribed"
	KindError        = "error"
)

// 错误帧文案
const (
	errTextRateLimited   = "rate limit exceeded"
	errTextInvalidFormat = "invalid message format"
)

// Frame 入站帧
type Frame struct {
	Type   string   `json:"type"`
	Events []string `json:"events,omitempty"`

	// Raw 原始帧，供自定义处理器读取额外字段
	Raw json.RawMessage `json:"-"`
}

// Kind 归一化后的帧类型（大写）
func (f *Frame) Kind() string {
	return strings.ToUpper(strings.TrimSpace(f.Type))
}

// ParseFrame 解析入站帧，缺少 type 视为格式错误
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, ErrInvalidMessage
	}
	if f.Kind() == "" {
		return nil, ErrInvalidMessage
	}
	f.Raw = json.RawMessage(data)
	return &f, nil
}

// connectedFrame 连接建立通知
type connectedFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// channelsFrame 订阅变更回执
type channelsFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// errorFrame 错误通知，RetryAfter 单位毫秒
type errorFrame struct {
	Type       string `json:"type"`
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

// pingFrame 探测帧，内容固定
var pingFrame = []byte(`{"type":"PING"}`)

func newChannelsFrame(kind string, topics []string) channelsFrame {
	if topics == nil {
		topics = []string{}
	}
	return channelsFrame{Type: kind, Channels: topics}
}

// EncodeBroadcast 把载荷编码为广播帧
//
// JSON 对象载荷直接在其上设置 type 字段；其他载荷包装为 {"type":topic,"data":payload}。
// json.RawMessage 和 []byte 视为已编码的 JSON。
func EncodeBroadcast(topic string, payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return json.Marshal(map[string]string{"type": topic})
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, err
		}
		typ, _ := json.Marshal(topic)
		obj["type"] = typ
		return json.Marshal(obj)
	}

	if !json.Valid(trimmed) {
		return nil, ErrInvalidMessage
	}
	return json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: topic, Data: trimmed})
}
