package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tokmz/beacon/pkg/hub"
	"github.com/tokmz/beacon/pkg/logger"
	"github.com/tokmz/beacon/pkg/tracing"
)

// Publisher 把消息投递到主题，*hub.Hub 实现该接口
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (int, error)
}

// AMQPConfig RabbitMQ 入口配置
type AMQPConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	Queue          string        `mapstructure:"queue" yaml:"queue"`
	ConsumerTag    string        `mapstructure:"consumer_tag" yaml:"consumer_tag"`
	Prefetch       int           `mapstructure:"prefetch" yaml:"prefetch"`
	Durable        bool          `mapstructure:"durable" yaml:"durable"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
}

func (c *AMQPConfig) setDefaults() {
	if c.Queue == "" {
		c.Queue = "beacon.publish"
	}
	if c.ConsumerTag == "" {
		c.ConsumerTag = "beacon"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 64
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
}

// Envelope 队列消息体
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// AMQPIngress 从 RabbitMQ 队列消费 {topic, payload} 并发布到 hub
type AMQPIngress struct {
	cfg AMQPConfig
	pub Publisher
	log logger.Logger
}

// NewAMQPIngress 创建 RabbitMQ 入口
func NewAMQPIngress(cfg AMQPConfig, pub Publisher, log logger.Logger) *AMQPIngress {
	cfg.setDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	return &AMQPIngress{cfg: cfg, pub: pub, log: log.Named("amqp")}
}

// Run 连接并消费，连接断开后按 ReconnectDelay 重连，直到 ctx 取消
func (in *AMQPIngress) Run(ctx context.Context) error {
	for {
		err := in.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		in.log.Warn("amqp consumer stopped, reconnecting",
			zap.Error(err),
			zap.Duration("delay", in.cfg.ReconnectDelay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(in.cfg.ReconnectDelay):
		}
	}
}

func (in *AMQPIngress) runOnce(ctx context.Context) error {
	conn, err := amqp.Dial(in.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(in.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	if _, err := ch.QueueDeclare(in.cfg.Queue, in.cfg.Durable, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", in.cfg.Queue, err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, in.cfg.Queue, in.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	in.log.Info("amqp consumer started", zap.String("queue", in.cfg.Queue))
	return in.Consume(ctx, deliveries)
}

// Consume 处理投递直到通道关闭或 ctx 取消
func (in *AMQPIngress) Consume(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return amqp.ErrClosed
			}
			in.handle(ctx, d)
		}
	}
}

// handle 格式错误的消息直接丢弃，hub 关闭时重新入队
func (in *AMQPIngress) handle(ctx context.Context, d amqp.Delivery) {
	ctx, span := tracing.StartSpan(ctx, "amqp.deliver")
	defer span.End()

	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil || env.Topic == "" {
		if err == nil {
			err = hub.ErrEmptyTopic
		}
		tracing.RecordError(span, err)
		in.log.WarnContext(ctx, "malformed delivery dropped",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Error(err),
		)
		in.settle(d.Nack(false, false))
		return
	}
	span.SetAttributes(attribute.String("hub.topic", env.Topic))

	var payload any
	if len(env.Payload) > 0 {
		payload = env.Payload
	}
	n, err := in.pub.Publish(ctx, env.Topic, payload)
	if err != nil {
		tracing.RecordError(span, err)
		in.log.ErrorContext(ctx, "publish delivery failed",
			zap.String("topic", env.Topic),
			zap.Error(err),
		)
		in.settle(d.Nack(false, errors.Is(err, hub.ErrHubClosed)))
		return
	}

	in.log.DebugContext(ctx, "delivery published",
		zap.String("topic", env.Topic),
		zap.Int("recipients", n),
	)
	in.settle(d.Ack(false))
}

func (in *AMQPIngress) settle(err error) {
	if err != nil {
		in.log.Warn("settle delivery failed", zap.Error(err))
	}
}
