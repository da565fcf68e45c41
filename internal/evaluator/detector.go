package evaluator

import (
	"encoding/json"
	"time"

	"mlink-tracker/internal/models"

	"github.com/google/uuid"
)

// Detector 报警检测器（纯函数，不做 I/O）
type Detector struct {
	newID func() string
	now   func() time.Time
}

// NewDetector 创建报警检测器
func NewDetector() *Detector {
	return &Detector{
		newID: func() string { return uuid.New().String() },
		now:   time.Now,
	}
}

// Detect 遥测事件 sos 为 true 时生成 SOS 报警；sos 缺失或 false 不报警
func (d *Detector) Detect(e *models.TelemetryEvent) (*models.AlertRecord, bool) {
	if e == nil || !e.SOSActive() {
		return nil, false
	}

	payload := e.Raw
	if len(payload) == 0 {
		payload, _ = json.Marshal(e)
	}

	return d.build(e.DeviceID, models.AlertKindSOS, models.SeverityHigh, e.Timestamp, payload, e.Latitude, e.Longitude), true
}

// FromHint alert 主题消息生成报警；消息体 sos 为 true 时按 SOS 处理
func (d *Detector) FromHint(h *models.AlertHint) *models.AlertRecord {
	kind, severity := models.AlertKindAlert, models.SeverityMedium
	if h.SOS {
		kind, severity = models.AlertKindSOS, models.SeverityHigh
	}
	return d.build(h.DeviceID, kind, severity, h.Timestamp, h.Payload, h.Latitude, h.Longitude)
}

func (d *Detector) build(deviceID, kind, severity string, ts time.Time, payload json.RawMessage, lat, lon *float64) *models.AlertRecord {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return &models.AlertRecord{
		AlertID:   d.newID(),
		DeviceID:  deviceID,
		Kind:      kind,
		Severity:  severity,
		Timestamp: ts,
		Payload:   payload,
		CreatedAt: d.now().UTC(),
		Latitude:  lat,
		Longitude: lon,
	}
}
