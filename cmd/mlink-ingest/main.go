package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"mlink-tracker/common/logger"
	"mlink-tracker/internal/config"
	"mlink-tracker/internal/service"

	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zl, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "mlink-ingest")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zl.Sync()

	zl.Info("Starting mlink-ingest service",
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("namespace", cfg.Ingest.Namespace),
		zap.String("http_addr", cfg.HTTP.Addr),
	)

	// 就绪检查期间也响应中断
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.NewIngestService(sigCtx, cfg, zl)
	if err != nil {
		zl.Fatal("Failed to create ingest service", zap.Error(err))
	}

	// 流水线的基础上下文不随信号取消，关闭时由 Stop 排空
	if err := svc.Start(context.Background()); err != nil {
		zl.Fatal("Failed to start ingest service", zap.Error(err))
	}

	select {
	case <-sigCtx.Done():
		zl.Info("Received signal, shutting down")
	case err := <-svc.Errors():
		zl.Error("Service failed, shutting down", zap.Error(err))
	}
	stop()

	// 优雅关闭：用独立的超时上下文排空流水线
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		zl.Error("Error during shutdown", zap.Error(err))
	}
	zl.Info("Service stopped")
}
