package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mlink-tracker/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookPayload 推送给救援 webhook 的报警内容
type WebhookPayload struct {
	AlertID   string          `json:"alert_id"`
	DeviceID  string          `json:"device_id"`
	Kind      string          `json:"kind"`
	Severity  string          `json:"severity"`
	Ts        time.Time       `json:"ts"`
	Latitude  *float64        `json:"lat,omitempty"`
	Longitude *float64        `json:"lon,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// WebhookNotifier 报警 webhook 推送
type WebhookNotifier struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

// NewWebhookNotifier 创建 webhook 推送客户端
func NewWebhookNotifier(url string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookNotifier{
		httpClient: client,
		url:        url,
		logger:     logger,
	}
}

// Notify 推送一条报警；非 2xx 视为失败
func (n *WebhookNotifier) Notify(ctx context.Context, alert *models.AlertRecord) error {
	payload := alert.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	body := WebhookPayload{
		AlertID:   alert.AlertID,
		DeviceID:  alert.DeviceID,
		Kind:      alert.Kind,
		Severity:  alert.Severity,
		Ts:        alert.Timestamp,
		Latitude:  alert.Latitude,
		Longitude: alert.Longitude,
		Payload:   payload,
	}

	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	n.logger.Debug("Alert webhook delivered",
		zap.String("alert_id", alert.AlertID),
		zap.String("device_id", alert.DeviceID),
		zap.Int("status", resp.StatusCode()),
	)
	return nil
}

// Name 通知名称
func (n *WebhookNotifier) Name() string {
	return "webhook"
}
