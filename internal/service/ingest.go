package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"mlink-tracker/common/database"
	mqttcommon "mlink-tracker/common/mqtt"
	rediscommon "mlink-tracker/common/redis"
	"mlink-tracker/internal/bus"
	"mlink-tracker/internal/config"
	"mlink-tracker/internal/consumer"
	"mlink-tracker/internal/evaluator"
	httpapi "mlink-tracker/internal/http"
	"mlink-tracker/internal/metrics"
	"mlink-tracker/internal/notifier"
	"mlink-tracker/internal/pipeline"
	"mlink-tracker/internal/repository"
	"mlink-tracker/internal/stream"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// IngestService 采集服务：MQTT → 流水线 → 存储/事件总线 → HTTP/SSE
type IngestService struct {
	config  *config.Config
	logger  *zap.Logger
	db      *sql.DB
	redis   *redis.Client
	metrics *metrics.Metrics

	mqttClient *mqttcommon.Client
	consumer   *consumer.MQTTConsumer
	pipeline   *pipeline.Pipeline
	bus        *bus.Bus
	server     *Server

	serverErr chan error
}

// NewIngestService 创建服务并等待依赖就绪，失败时释放已打开的连接
func NewIngestService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*IngestService, error) {
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.WaitReady(ctx, "postgres", db, cfg.Readiness, logger); err != nil {
		database.Close(db)
		return nil, err
	}
	if err := repository.EnsureSchema(ctx, db); err != nil {
		database.Close(db)
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := database.WaitReady(ctx, "redis", rediscommon.Pinger{Client: redisClient}, cfg.Readiness, logger); err != nil {
		rediscommon.Close(redisClient)
		database.Close(db)
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	s := &IngestService{
		config:    cfg,
		logger:    logger,
		db:        db,
		redis:     redisClient,
		metrics:   m,
		serverErr: make(chan error, 1),
	}
	s.wire(reg)
	return s, nil
}

func (s *IngestService) wire(gatherer prometheus.Gatherer) {
	cfg := s.config

	devices := repository.NewDeviceStatusRepository(s.db, s.logger)
	history := repository.NewTelemetryRepository(s.db, s.logger)
	alerts := repository.NewAlertsRepository(s.db, s.logger)

	s.bus = bus.New(cfg.Bus.BufferSize, s.logger, s.metrics)

	s.pipeline = pipeline.New(
		pipeline.Options{
			Shards:    cfg.Ingest.Shards,
			QueueSize: cfg.Ingest.QueueSize,
			OpTimeout: cfg.Ingest.OpTimeout,
		},
		devices,
		history,
		alerts,
		s.bus,
		evaluator.NewDetector(),
		buildNotifiers(cfg, s.redis, s.logger),
		s.logger,
		s.metrics,
	)

	s.mqttClient = mqttcommon.NewClient(&cfg.MQTT, s.logger)
	s.mqttClient.OnStateChange(s.metrics.RecordBrokerStatus)
	s.consumer = consumer.NewMQTTConsumer(s.mqttClient, s.pipeline, cfg.Ingest.Namespace, cfg.MQTT.QoS, s.logger, s.metrics)

	router := httpapi.NewRouter(s.logger)
	router.RegisterDeviceRoutes(httpapi.NewDeviceHandler(devices, history, s.logger))
	router.RegisterAlertRoutes(httpapi.NewAlertHandler(alerts, s.logger))
	router.RegisterStreamRoute(stream.NewSessionManager(s.bus, cfg.Stream.KeepAlive, cfg.Stream.Retry, s.logger, s.metrics))
	router.RegisterOpsRoutes(httpapi.NewHealthHandler(s.consumer), metrics.Handler(gatherer))

	s.server = NewServer(cfg.HTTP.Addr, router.WithCORS(cfg.HTTP.CORSOrigins), s.logger)
}

// buildNotifiers Redis 流总是启用，webhook 仅在配置了 URL 时启用
func buildNotifiers(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) []notifier.Notifier {
	out := []notifier.Notifier{
		notifier.NewStreamNotifier(redisClient, cfg.Alert.StreamName, cfg.Alert.StreamMaxLen, logger),
	}
	if cfg.Alert.WebhookURL != "" {
		out = append(out, notifier.NewWebhookNotifier(cfg.Alert.WebhookURL, cfg.Alert.WebhookTimeout, logger))
	}
	return out
}

// Start 启动流水线、HTTP 服务和 MQTT 消费者
func (s *IngestService) Start(ctx context.Context) error {
	s.logger.Info("Starting ingest service components")

	s.pipeline.Start(ctx)

	go func() {
		if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
			s.serverErr <- err
		}
	}()

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MQTT consumer: %w", err)
	}

	s.logger.Info("Ingest service started",
		zap.String("http_addr", s.config.HTTP.Addr),
		zap.String("mqtt_broker", s.config.MQTT.Broker),
	)
	return nil
}

// Errors HTTP 服务异常退出时收到错误
func (s *IngestService) Errors() <-chan error {
	return s.serverErr
}

// Stop 先停止接收，再排空流水线，最后断开推送和存储
func (s *IngestService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ingest service")

	if s.consumer != nil {
		if err := s.consumer.Stop(ctx); err != nil {
			s.logger.Error("Error stopping consumer", zap.Error(err))
		}
	}

	if s.pipeline != nil {
		if err := s.pipeline.Stop(ctx); err != nil {
			s.logger.Error("Error draining pipeline", zap.Error(err))
		}
	}

	// 关闭总线使 SSE 会话退出，HTTP Shutdown 才不会被长连接卡住
	if s.bus != nil {
		s.bus.Close()
	}

	if s.server != nil {
		if err := s.server.Stop(ctx); err != nil {
			s.logger.Error("Error stopping HTTP server", zap.Error(err))
		}
	}

	if s.redis != nil {
		rediscommon.Close(s.redis)
	}
	if s.db != nil {
		database.Close(s.db)
	}

	s.logger.Info("Ingest service stopped")
	return nil
}
