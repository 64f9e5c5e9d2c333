package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/beacon/pkg/ratelimit"
)

func TestSubscribeReplyListsCurrentTopics(t *testing.T) {
	h, _ := newTestHub(t)
	id, ft := accept(t, h, "10.0.0.1")
	s := session(h, id, "10.0.0.1")

	h.router.Route(s, []byte(`{"type":"SUBSCRIBE","events":["system","emergency"]}`))
	reply := ft.waitFrame(t, KindSubscribed, 1)
	assert.Equal(t, []any{"emergency", "system"}, reply["channels"])

	// 类型不区分大小写
	h.router.Route(s, []byte(`{"type":"subscribe","events":["alerts"]}`))
	reply = ft.waitFrame(t, KindSubscribed, 2)
	assert.Equal(t, []any{"alerts", "emergency", "system"}, reply["channels"])
}

func TestUnsubscribeReplyListsRemainingTopics(t *testing.T) {
	h, _ := newTestHub(t)
	id, ft := accept(t, h, "10.0.0.1")
	s := session(h, id, "10.0.0.1")

	h.router.Route(s, []byte(`{"type":"SUBSCRIBE","events":["system"]}`))
	h.router.Route(s, []byte(`{"type":"UNSUBSCRIBE","events":["system"]}`))

	reply := ft.waitFrame(t, KindUnsubscribed, 1)
	assert.Equal(t, []any{}, reply["channels"], "empty set is encoded as []")
	assert.Empty(t, h.SubscribersOf("system"))
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "definitely not json"},
		{"missing type", `{"events":["system"]}`},
		{"blank type", `{"type":"  "}`},
		{"wrong events type", `{"type":"SUBSCRIBE","events":"system"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHub(t)
			id, ft := accept(t, h, "10.0.0.1")
			s := session(h, id, "10.0.0.1")

			h.router.Route(s, []byte(tt.data))
			errFrame := ft.waitFrame(t, KindError, 1)
			assert.Equal(t, "invalid message format", errFrame["error"])
			assert.NotContains(t, errFrame, "retryAfter")

			h.router.Route(s, []byte(`{"type":"SUBSCRIBE","events":["system"]}`))
			ft.waitFrame(t, KindSubscribed, 1)
			assert.False(t, ft.isClosed())
		})
	}
}

func TestRateLimitRejectionKeepsConnection(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	calls := 0
	limiter := ratelimit.LimiterFunc(func(key string) ratelimit.Decision {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, key)
		calls++
		if calls == 1 {
			return ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}
		}
		return ratelimit.Decision{Allowed: true}
	})

	h, _ := newTestHub(t, WithRateLimiter(limiter))
	id, ft := accept(t, h, "10.0.0.9")
	s := session(h, id, "10.0.0.9")

	h.router.Route(s, []byte(`{"type":"SUBSCRIBE","events":["system"]}`))
	errFrame := ft.waitFrame(t, KindError, 1)
	assert.Equal(t, "rate limit exceeded", errFrame["error"])
	assert.Equal(t, float64(1500), errFrame["retryAfter"])
	assert.Empty(t, h.SubscribersOf("system"), "rejected frame is dropped")

	h.router.Route(s, []byte(`{"type":"SUBSCRIBE","events":["system"]}`))
	ft.waitFrame(t, KindSubscribed, 1)
	assert.Equal(t, []string{id}, h.SubscribersOf("system"))
	assert.False(t, ft.isClosed())

	mu.Lock()
	assert.Equal(t, []string{"10.0.0.9", "10.0.0.9"}, keys)
	mu.Unlock()
}

func TestRateLimitWithTokenBucket(t *testing.T) {
	clock := newFakeClock()
	limiter, err := ratelimit.NewTokenBucket(ratelimit.Config{Rate: 1, Burst: 2, Now: clock.Now})
	require.NoError(t, err)
	defer limiter.Close()

	h, _ := newTestHub(t, WithRateLimiter(limiter))
	id, ft := accept(t, h, "10.0.0.1")
	s := session(h, id, "10.0.0.1")

	for i := 0; i < 3; i++ {
		h.router.Route(s, []byte(`{"type":"PONG"}`))
	}
	errFrame := ft.waitFrame(t, KindError, 1)
	assert.Equal(t, float64(1000), errFrame["retryAfter"])

	clock.Advance(time.Second)
	h.router.Route(s, []byte(`{"type":"SUBSCRIBE","events":["system"]}`))
	ft.waitFrame(t, KindSubscribed, 1)
}

func TestUnknownKindDeliveredToClientListeners(t *testing.T) {
	h, _ := newTestHub(t)
	events := newEventSink[ClientEvent]()
	h.OnClientEvent(events.add)

	id, ft := accept(t, h, "10.0.0.1")
	ft.push(t, `{"type":"location.update","lat":31.2,"lng":121.5}`)

	ev := events.next(t)
	assert.Equal(t, id, ev.ConnID)
	assert.Equal(t, "LOCATION.UPDATE", ev.Kind)
	assert.JSONEq(t, `{"type":"location.update","lat":31.2,"lng":121.5}`, string(ev.Raw))
	assert.Empty(t, ft.framesOf(t, KindError))
}

func TestUnknownKindIgnoredWithoutListeners(t *testing.T) {
	h, _ := newTestHub(t)
	id, ft := accept(t, h, "10.0.0.1")

	h.router.Route(session(h, id, "10.0.0.1"), []byte(`{"type":"HELLO"}`))

	assert.Len(t, ft.frames(t), 1, "only the connected frame")
	assert.False(t, ft.isClosed())
}

func TestCustomHandlerAndMiddleware(t *testing.T) {
	h, _ := newTestHub(t)

	var order []string
	h.Use(func(s *Session, f *Frame, next NextFunc) error {
		order = append(order, "outer:"+f.Kind())
		return next()
	}, func(s *Session, f *Frame, next NextFunc) error {
		order = append(order, "inner")
		return next()
	})

	type ackReq struct {
		AlertID string `json:"alertId"`
	}
	require.NoError(t, HandleJSON(h, "ack", func(s *Session, req *ackReq) error {
		if req.AlertID == "" {
			return errors.New("alertId required")
		}
		s.Send(map[string]string{"type": "acked", "alertId": req.AlertID})
		return nil
	}))

	id, ft := accept(t, h, "10.0.0.1")
	s := session(h, id, "10.0.0.1")

	h.router.Route(s, []byte(`{"type":"ACK","alertId":"a-17"}`))
	acked := ft.waitFrame(t, "acked", 1)
	assert.Equal(t, "a-17", acked["alertId"])
	assert.Equal(t, []string{"outer:ACK", "inner"}, order)

	h.router.Route(s, []byte(`{"type":"ack"}`))
	assert.Equal(t, "alertId required", ft.waitFrame(t, KindError, 1)["error"])

	h.router.Route(s, []byte(`{"type":"ack","alertId":42}`))
	assert.Equal(t, "invalid message format", ft.waitFrame(t, KindError, 2)["error"])
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	h, _ := newTestHub(t)
	noop := func(*Session, *Frame) error { return nil }

	assert.ErrorIs(t, h.Handle("pong", noop), ErrHandlerExists)
	assert.ErrorIs(t, h.Handle(" ", noop), ErrInvalidMessage)
	require.NoError(t, h.Handle("custom", noop))
	assert.ErrorIs(t, h.Handle("CUSTOM", noop), ErrHandlerExists)
}

func TestInboundFramesThroughTransport(t *testing.T) {
	h, _ := newTestHub(t)
	id, ft := accept(t, h, "10.0.0.1")

	ft.push(t, map[string]any{"type": "SUBSCRIBE", "events": []string{"emergency"}})
	ft.waitFrame(t, KindSubscribed, 1)
	assert.Equal(t, []string{id}, h.SubscribersOf("emergency"))
}

func TestRetryMillis(t *testing.T) {
	assert.Equal(t, int64(0), retryMillis(0))
	assert.Equal(t, int64(1), retryMillis(time.Microsecond))
	assert.Equal(t, int64(1500), retryMillis(1500*time.Millisecond))
	assert.Equal(t, int64(2), retryMillis(1001*time.Microsecond))
}
