package consumer

import (
	"context"
	"fmt"
	"time"

	mqttcommon "mlink-tracker/common/mqtt"
	"mlink-tracker/internal/metrics"
	"mlink-tracker/internal/models"

	"go.uber.org/zap"
)

// BrokerClient MQTT 客户端能力（common/mqtt.Client 满足）
type BrokerClient interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Connect()
	Disconnect()
	IsConnected() bool
}

// Dispatcher 接收解析后的消息（处理流水线）
type Dispatcher interface {
	Dispatch(msg models.InboundMessage) error
}

// MQTTConsumer 订阅遥测/SOS/报警主题，解析主题后交给流水线
// 回调里只做解析和入队，不做任何存储 I/O
type MQTTConsumer struct {
	client     BrokerClient
	dispatcher Dispatcher
	namespace  string
	qos        byte
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	client BrokerClient,
	dispatcher Dispatcher,
	namespace string,
	qos byte,
	logger *zap.Logger,
	m *metrics.Metrics,
) *MQTTConsumer {
	return &MQTTConsumer{
		client:     client,
		dispatcher: dispatcher,
		namespace:  namespace,
		qos:        qos,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// Start 登记订阅并发起连接；连接失败时客户端按固定间隔在后台重试
func (c *MQTTConsumer) Start(ctx context.Context) error {
	for _, topic := range Topics(c.namespace) {
		if err := c.client.Subscribe(topic, c.qos, c.handleMessage); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	c.client.Connect()

	c.logger.Info("MQTT consumer started",
		zap.String("namespace", c.namespace),
		zap.Strings("topics", Topics(c.namespace)),
	)
	return nil
}

// Stop 断开 broker
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	c.client.Disconnect()
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// IsConnected broker 连接状态（健康检查用）
func (c *MQTTConsumer) IsConnected() bool {
	return c.client.IsConnected()
}

// handleMessage 处理MQTT消息
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	deviceID, kind, ok := ParseTopic(c.namespace, topic)
	if !ok {
		c.metrics.RecordMessageDropped("topic")
		c.logger.Debug("Dropping message on unrecognized topic", zap.String("topic", topic))
		return nil
	}

	body := make([]byte, len(payload))
	copy(body, payload)

	msg := models.InboundMessage{
		Topic:      topic,
		DeviceID:   deviceID,
		Kind:       string(kind),
		Payload:    body,
		ReceivedAt: c.now().UTC(),
	}
	if err := c.dispatcher.Dispatch(msg); err != nil {
		c.metrics.RecordMessageDropped("queue")
		return fmt.Errorf("dispatch %s: %w", topic, err)
	}
	c.metrics.RecordMessageReceived(string(kind))
	return nil
}
