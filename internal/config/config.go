package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"mlink-tracker/common/config"

	"github.com/joho/godotenv"
)

// Config 采集服务配置
type Config struct {
	Database  config.DatabaseConfig
	Redis     config.RedisConfig
	MQTT      config.MQTTConfig
	Readiness config.ReadinessConfig

	Ingest struct {
		Namespace string // 主题命名空间，如 "mlink"
		Shards    int    // 按设备分片的工作协程数
		QueueSize int    // 每个分片的队列容量
		// 单条消息存储操作的超时
		OpTimeout time.Duration
	}

	Bus struct {
		BufferSize int // 每个订阅者的缓冲容量，满则断开
	}

	Stream struct {
		KeepAlive time.Duration
		Retry     time.Duration // 客户端重连提示（SSE retry:）
	}

	HTTP struct {
		Addr        string
		CORSOrigins []string
	}

	Alert struct {
		StreamName     string // Redis 报警流
		StreamMaxLen   int64
		WebhookURL     string // 为空则不推送
		WebhookTimeout time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量优先，.env 文件可选）
func Load() (*Config, error) {
	if err := loadDotEnv(getEnv("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "mlink"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "mlink-ingest"
	cfg.MQTT.QoS = 1
	cfg.MQTT.ReconnectInterval = 2 * time.Second
	cfg.MQTT.ConnectTimeout = 10 * time.Second
	cfg.MQTT.KeepAlive = 30 * time.Second
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Readiness.Attempts = 10
	cfg.Readiness.Interval = 2 * time.Second
	cfg.Readiness.LoadFromEnv("READINESS")

	cfg.Ingest.Namespace = getEnv("MQTT_NAMESPACE", "mlink")
	cfg.Ingest.Shards = getEnvInt("INGEST_SHARDS", 8)
	cfg.Ingest.QueueSize = getEnvInt("INGEST_QUEUE_SIZE", 256)
	cfg.Ingest.OpTimeout = getEnvDuration("INGEST_OP_TIMEOUT", 5*time.Second)

	cfg.Bus.BufferSize = getEnvInt("BUS_BUFFER_SIZE", 64)

	cfg.Stream.KeepAlive = getEnvDuration("STREAM_KEEPALIVE", 15*time.Second)
	cfg.Stream.Retry = getEnvDuration("STREAM_RETRY", 3*time.Second)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")
	cfg.HTTP.CORSOrigins = splitList(getEnv("CORS_ORIGINS", "*"))

	cfg.Alert.StreamName = getEnv("ALERT_STREAM", "mlink:alert:stream")
	cfg.Alert.StreamMaxLen = int64(getEnvInt("ALERT_STREAM_MAXLEN", 10000))
	cfg.Alert.WebhookURL = getEnv("ALERT_WEBHOOK_URL", "")
	cfg.Alert.WebhookTimeout = getEnvDuration("ALERT_WEBHOOK_TIMEOUT", 5*time.Second)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Ingest.Namespace == "" || strings.ContainsAny(c.Ingest.Namespace, "/+#") {
		return fmt.Errorf("invalid MQTT_NAMESPACE %q", c.Ingest.Namespace)
	}
	if c.Ingest.Shards <= 0 {
		return fmt.Errorf("INGEST_SHARDS must be positive, got %d", c.Ingest.Shards)
	}
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("INGEST_QUEUE_SIZE must be positive, got %d", c.Ingest.QueueSize)
	}
	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("BUS_BUFFER_SIZE must be positive, got %d", c.Bus.BufferSize)
	}
	return nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
