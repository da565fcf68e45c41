package models

import (
	"encoding/json"
	"time"
)

// Kind 主题中的消息类型
type Kind string

const (
	KindTelemetry Kind = "telemetry"
	KindSOS       Kind = "sos"
	KindAlert     Kind = "alert"
)

// ParseKind 仅识别 telemetry / sos / alert
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindTelemetry, KindSOS, KindAlert:
		return Kind(s), true
	}
	return "", false
}

// TelemetryEvent 规范化后的遥测事件
// 可选字段为 nil 表示本次未上报（或上报值无效），不使用哨兵值
type TelemetryEvent struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"ts"` // UTC

	HeartRate *int     `json:"hr,omitempty"`
	Battery   *int     `json:"battery,omitempty"` // 0-100
	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lon,omitempty"`
	Altitude  *float64 `json:"alt,omitempty"`
	SOS       *bool    `json:"sos,omitempty"` // nil=未知

	// 原始消息体（报警记录按原样保存）
	Raw json.RawMessage `json:"-"`
}

// SOSActive sos 明确为 true
func (e *TelemetryEvent) SOSActive() bool {
	return e.SOS != nil && *e.SOS
}

// HistoryRecord 轨迹/历史记录，(device_id, ts) 唯一
type HistoryRecord struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"ts"`
	HeartRate *int      `json:"hr"`
	Battery   *int      `json:"battery"`
	Latitude  *float64  `json:"lat"`
	Longitude *float64  `json:"lon"`
	Altitude  *float64  `json:"alt"`
	SOS       *bool     `json:"sos"`
}

// HistoryFromEvent 由事件生成历史记录
func HistoryFromEvent(e *TelemetryEvent) HistoryRecord {
	return HistoryRecord{
		DeviceID:  e.DeviceID,
		Timestamp: e.Timestamp,
		HeartRate: e.HeartRate,
		Battery:   e.Battery,
		Latitude:  e.Latitude,
		Longitude: e.Longitude,
		Altitude:  e.Altitude,
		SOS:       e.SOS,
	}
}

// InboundMessage 从 broker 收到、已解析出设备与类型的原始消息
type InboundMessage struct {
	Topic      string
	DeviceID   string
	Kind       string
	Payload    []byte
	ReceivedAt time.Time
}
