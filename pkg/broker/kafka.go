package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/tokmz/beacon/pkg/hub"
	"github.com/tokmz/beacon/pkg/logger"
)

// KafkaConfig 审计输出配置
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers" yaml:"brokers"`
	Topic    string   `mapstructure:"topic" yaml:"topic"`
	ClientID string   `mapstructure:"client_id" yaml:"client_id"`
	MaxRetry int      `mapstructure:"max_retry" yaml:"max_retry"`
}

// NewSyncProducer 创建同步生产者，所有副本确认后返回
func NewSyncProducer(cfg KafkaConfig) (sarama.SyncProducer, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	if sc.ClientID == "" {
		sc.ClientID = "beacon"
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	if cfg.MaxRetry > 0 {
		sc.Producer.Retry.Max = cfg.MaxRetry
	}

	p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return p, nil
}

// AuditRecord 连接断开审计记录
type AuditRecord struct {
	ID             string    `json:"id"`
	RemoteAddr     string    `json:"remote_addr"`
	UserAgent      string    `json:"user_agent"`
	ConnectedAt    time.Time `json:"connected_at"`
	DisconnectedAt time.Time `json:"disconnected_at"`
	Reason         string    `json:"reason"`
	Topics         []string  `json:"topics"`
}

func newAuditRecord(ev hub.DisconnectEvent) AuditRecord {
	topics := ev.Entry.Topics
	if topics == nil {
		topics = []string{}
	}
	return AuditRecord{
		ID:             ev.Entry.ID,
		RemoteAddr:     ev.Entry.RemoteAddr,
		UserAgent:      ev.Entry.UserAgent,
		ConnectedAt:    ev.Entry.ConnectedAt,
		DisconnectedAt: ev.Time,
		Reason:         string(ev.Reason),
		Topics:         topics,
	}
}

// KafkaAuditSink 把断开事件写入 Kafka，以连接 ID 为 key
type KafkaAuditSink struct {
	producer sarama.SyncProducer
	topic    string
	log      logger.Logger
}

// NewKafkaAuditSink 创建审计输出，producer 的生命周期归调用方
func NewKafkaAuditSink(producer sarama.SyncProducer, topic string, log logger.Logger) *KafkaAuditSink {
	if topic == "" {
		topic = "beacon.audit"
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &KafkaAuditSink{producer: producer, topic: topic, log: log.Named("audit")}
}

// Attach 注册为 hub 的断开监听器
func (s *KafkaAuditSink) Attach(h *hub.Hub) {
	h.OnDisconnect(s.HandleDisconnect)
}

// HandleDisconnect 发送审计记录，失败只记录日志
func (s *KafkaAuditSink) HandleDisconnect(ev hub.DisconnectEvent) {
	if err := s.Send(ev); err != nil {
		s.log.Error("audit record not delivered",
			zap.String("conn_id", ev.Entry.ID),
			zap.Error(err),
		)
	}
}

// Send 同步发送一条审计记录
func (s *KafkaAuditSink) Send(ev hub.DisconnectEvent) error {
	body, err := json.Marshal(newAuditRecord(ev))
	if err != nil {
		return err
	}
	partition, offset, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     s.topic,
		Key:       sarama.StringEncoder(ev.Entry.ID),
		Value:     sarama.ByteEncoder(body),
		Timestamp: ev.Time,
	})
	if err != nil {
		return err
	}
	s.log.Debug("audit record delivered",
		zap.String("conn_id", ev.Entry.ID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}
