package pipeline

import (
	"context"
	"errors"
	"time"

	"mlink-tracker/internal/models"
	"mlink-tracker/internal/normalizer"

	"go.uber.org/zap"
)

// process 单条消息：规范化 → 状态 upsert + 历史追加 → 广播 → 报警检测
// 每一步的失败都只记录日志，不影响后续步骤
func (p *Pipeline) process(ctx context.Context, msg models.InboundMessage) {
	start := time.Now()
	defer func() {
		p.metrics.RecordProcessingDuration(msg.Kind, time.Since(start))
	}()

	res, err := normalizer.Normalize(msg.DeviceID, msg.Kind, msg.Payload, msg.ReceivedAt)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, normalizer.ErrMalformedPayload) {
			reason = "malformed"
		}
		p.metrics.RecordMessageDropped(reason)
		p.logger.Warn("Dropping malformed message",
			zap.String("topic", msg.Topic),
			zap.String("device_id", msg.DeviceID),
			zap.Int("payload_size", len(msg.Payload)),
			zap.Error(err),
		)
		return
	}

	switch res.Kind {
	case normalizer.ResultTelemetry:
		p.handleTelemetry(ctx, res.Telemetry)
	case normalizer.ResultAlert:
		if alert, ok := p.fromHint(res.Alert); ok {
			p.raiseAlert(ctx, alert)
		}
	default:
		p.metrics.RecordMessageDropped("kind")
		p.logger.Debug("Ignoring message kind",
			zap.String("topic", msg.Topic),
			zap.String("kind", msg.Kind),
		)
	}
}

func (p *Pipeline) handleTelemetry(ctx context.Context, e *models.TelemetryEvent) {
	opCtx, cancel := context.WithTimeout(ctx, p.opts.OpTimeout)
	defer cancel()

	if _, err := p.state.Upsert(opCtx, e); err != nil {
		p.metrics.RecordError("state")
		p.logger.Error("Failed to upsert device status",
			zap.String("device_id", e.DeviceID),
			zap.Time("ts", e.Timestamp),
			zap.Error(err),
		)
	}

	duplicate := false
	inserted, err := p.history.Append(opCtx, e)
	if err != nil {
		p.metrics.RecordError("history")
		p.logger.Error("Failed to append telemetry history",
			zap.String("device_id", e.DeviceID),
			zap.Time("ts", e.Timestamp),
			zap.Error(err),
		)
	} else if !inserted {
		duplicate = true
		p.metrics.RecordHistoryDuplicate()
	}

	p.bus.Publish(models.TelemetryStreamEvent(e))

	// 重复投递的同一 (device_id, ts) 不再重复报警
	if duplicate {
		return
	}
	if alert, ok := p.detect(e); ok {
		p.raiseAlert(ctx, alert)
	}
}

// detect 检测器异常被隔离，不影响遥测写入
func (p *Pipeline) detect(e *models.TelemetryEvent) (alert *models.AlertRecord, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.RecordError("detector")
			p.logger.Error("Alert detector panicked",
				zap.String("device_id", e.DeviceID),
				zap.Any("panic", r),
			)
			alert, ok = nil, false
		}
	}()
	return p.detector.Detect(e)
}

func (p *Pipeline) fromHint(h *models.AlertHint) (alert *models.AlertRecord, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.RecordError("detector")
			p.logger.Error("Alert detector panicked",
				zap.String("device_id", h.DeviceID),
				zap.Any("panic", r),
			)
			alert, ok = nil, false
		}
	}()
	alert = p.detector.FromHint(h)
	return alert, alert != nil
}

// raiseAlert 持久化、广播、下游通知；持久化失败仍然广播
func (p *Pipeline) raiseAlert(ctx context.Context, alert *models.AlertRecord) {
	p.metrics.RecordAlert(alert.Kind)

	opCtx, cancel := context.WithTimeout(ctx, p.opts.OpTimeout)
	err := p.alerts.Insert(opCtx, alert)
	cancel()
	if err != nil {
		p.metrics.RecordError("alert")
		p.logger.Error("Failed to persist alert",
			zap.String("alert_id", alert.AlertID),
			zap.String("device_id", alert.DeviceID),
			zap.String("kind", alert.Kind),
			zap.Error(err),
		)
	}

	p.bus.Publish(models.AlertStreamEvent(alert))
	p.logger.Info("Alert raised",
		zap.String("alert_id", alert.AlertID),
		zap.String("device_id", alert.DeviceID),
		zap.String("kind", alert.Kind),
		zap.String("severity", alert.Severity),
	)

	if len(p.notifiers) == 0 {
		return
	}
	// 下游通知可能较慢，不占用设备分片
	p.notify.Add(1)
	go func() {
		defer p.notify.Done()
		for _, n := range p.notifiers {
			nctx, ncancel := context.WithTimeout(context.Background(), p.opts.OpTimeout)
			if err := n.Notify(nctx, alert); err != nil {
				p.metrics.RecordError(n.Name())
				p.logger.Warn("Alert notification failed",
					zap.String("notifier", n.Name()),
					zap.String("alert_id", alert.AlertID),
					zap.Error(err),
				)
			}
			ncancel()
		}
	}()
}
