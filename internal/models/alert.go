package models

import (
	"encoding/json"
	"time"
)

const (
	AlertKindSOS   = "SOS"
	AlertKindAlert = "ALERT"

	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// AlertRecord 报警记录，只由检测器创建，创建后不再修改
type AlertRecord struct {
	AlertID   string          `json:"alert_id"`
	DeviceID  string          `json:"device_id"`
	Kind      string          `json:"kind"`     // "SOS" | "ALERT"
	Severity  string          `json:"severity"` // "high" | "medium"
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`

	// 触发时位置，仅用于实时推送
	Latitude  *float64 `json:"-"`
	Longitude *float64 `json:"-"`
}

// AlertHint alert 主题上的消息，原样携带消息体
type AlertHint struct {
	DeviceID  string
	Timestamp time.Time
	Payload   json.RawMessage
	// 消息体里 sos 能解析为 true
	SOS bool

	Latitude  *float64
	Longitude *float64
}
