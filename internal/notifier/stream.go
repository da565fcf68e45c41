package notifier

import (
	"context"
	"fmt"

	rediscommon "mlink-tracker/common/redis"
	"mlink-tracker/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Notifier 报警下游通知
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert *models.AlertRecord) error
}

// StreamNotifier 将报警写入 Redis Stream，供下游通知服务消费
type StreamNotifier struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewStreamNotifier 创建 Redis Stream 通知
func NewStreamNotifier(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *StreamNotifier {
	return &StreamNotifier{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger,
	}
}

// Name 通知名称
func (n *StreamNotifier) Name() string {
	return "redis_stream"
}

// Notify XADD 一条报警
func (n *StreamNotifier) Notify(ctx context.Context, alert *models.AlertRecord) error {
	id, err := rediscommon.PublishJSONToStream(ctx, n.client, n.stream, n.maxLen, alert)
	if err != nil {
		return fmt.Errorf("failed to publish alert to stream %s: %w", n.stream, err)
	}
	n.logger.Debug("Alert published to stream",
		zap.String("stream", n.stream),
		zap.String("message_id", id),
		zap.String("alert_id", alert.AlertID),
	)
	return nil
}
