package mqtt

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mlink-tracker/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	defaultReconnectInterval = 2 * time.Second
	defaultConnectTimeout    = 10 * time.Second
	defaultKeepAlive         = 30 * time.Second
	subscribeTimeout         = 10 * time.Second
)

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

type route struct {
	qos     byte
	handler MessageHandler
}

// Client MQTT客户端封装
// 订阅在每次（重）连接成功后统一重放，连接状态通过原子标志对外暴露
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger

	mu     sync.Mutex
	routes map[string]route

	connected atomic.Bool
	onState   func(connected bool)
}

// NewClient 创建MQTT客户端（不立即连接）
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) *Client {
	c := &Client{
		config: cfg,
		logger: logger,
		routes: make(map[string]route),
	}
	opts := buildOptions(cfg)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.logger.Info("Reconnecting to MQTT broker", zap.String("broker", cfg.Broker))
	})
	c.client = mqtt.NewClient(opts)
	return c
}

func buildOptions(cfg *config.MQTTConfig) *mqtt.ClientOptions {
	interval := cfg.ReconnectInterval
	if interval <= 0 {
		interval = defaultReconnectInterval
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetKeepAlive(keepAlive)
	opts.SetConnectTimeout(connectTimeout)

	// 固定间隔重连：首次连接与断线重连都按同一间隔无限重试
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(interval)
	opts.SetMaxReconnectInterval(interval)

	// 回调按到达顺序串行执行
	opts.SetOrderMatters(true)
	return opts
}

// Subscribe 登记订阅；已连接时立即订阅，之后每次重连自动重放
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	c.mu.Lock()
	c.routes[topic] = route{qos: qos, handler: handler}
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	return c.subscribe(topic, route{qos: qos, handler: handler})
}

// Connect 发起连接；broker 不可达时在后台按固定间隔重试，不阻塞调用方
func (c *Client) Connect() {
	c.client.Connect()
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	c.setConnected(false)
}

func (c *Client) setConnected(v bool) {
	c.connected.Store(v)
	if c.onState != nil {
		c.onState(v)
	}
}

// OnStateChange 连接状态变化回调，需在 Connect 之前设置
func (c *Client) OnStateChange(fn func(connected bool)) {
	c.onState = fn
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.setConnected(true)
	c.logger.Info("Connected to MQTT broker", zap.String("broker", c.config.Broker))

	c.mu.Lock()
	routes := make(map[string]route, len(c.routes))
	for topic, r := range c.routes {
		routes[topic] = r
	}
	c.mu.Unlock()

	for topic, r := range routes {
		if err := c.subscribe(topic, r); err != nil {
			c.logger.Error("Failed to subscribe", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.setConnected(false)
	c.logger.Warn("MQTT connection lost", zap.String("broker", c.config.Broker), zap.Error(err))
}

func (c *Client) subscribe(topic string, r route) error {
	token := c.client.Subscribe(topic, r.qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := r.handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	})
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribe to topic %s timed out", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	c.logger.Info("Subscribed to MQTT topic", zap.String("topic", topic), zap.Uint8("qos", r.qos))
	return nil
}
