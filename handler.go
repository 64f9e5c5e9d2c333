package beacon

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	bizerr "github.com/tokmz/beacon/pkg/errors"
	"github.com/tokmz/beacon/pkg/hub"
)

// PublishRequest 内部生产者发布请求
type PublishRequest struct {
	Topic   string          `json:"topic" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// PublishResponse 发布结果
type PublishResponse struct {
	Recipients int `json:"recipients"`
}

// StatsResponse 实时通道统计
type StatsResponse struct {
	Clients       int   `json:"clients"`
	Subscriptions int   `json:"subscriptions"`
	Topics        int   `json:"topics"`
	DroppedEvents int64 `json:"dropped_events"`
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// upgrade 升级失败时 Hub 或 gorilla 已写出 HTTP 错误
func (s *Server) upgrade(c *gin.Context) {
	id, err := s.hub.Upgrade(c.Writer, c.Request, hub.Metadata{
		RemoteAddr: c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		_ = c.Error(err)
		s.log.DebugContext(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	c.Set("conn_id", id)
}

func (s *Server) publish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bizerr.ErrBadRequest.WithError(err))
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	n, err := s.hub.Publish(c.Request.Context(), req.Topic, payload)
	switch {
	case errors.Is(err, hub.ErrEmptyTopic):
		AbortWithError(c, bizerr.ErrInvalidTopic.WithError(err))
	case errors.Is(err, hub.ErrHubClosed):
		AbortWithError(c, bizerr.ErrHubUnavailable.WithError(err))
	case err != nil:
		AbortWithError(c, bizerr.ErrServer.WithError(err))
	default:
		Success(c, PublishResponse{Recipients: n})
	}
}

func (s *Server) stats(c *gin.Context) {
	Success(c, StatsResponse{
		Clients:       s.hub.ClientCount(),
		Subscriptions: s.hub.SubscriptionCount(),
		Topics:        s.hub.TopicCount(),
		DroppedEvents: s.hub.DroppedEvents(),
	})
}
