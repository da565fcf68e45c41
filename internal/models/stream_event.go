package models

import "time"

// 推送给实时订阅者的事件类型
const (
	EventTelemetry = "telemetry"
	EventSOS       = "sos"
	EventAlert     = "alert"
)

// StreamEvent 事件总线上的消息，序列化后直接写给 SSE 客户端
type StreamEvent struct {
	Type     string    `json:"type"`
	DeviceID string    `json:"device_id"`
	Ts       time.Time `json:"ts"`

	HeartRate *int     `json:"hr,omitempty"`
	Battery   *int     `json:"battery,omitempty"`
	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lon,omitempty"`
	Altitude  *float64 `json:"alt,omitempty"`
	SOS       *bool    `json:"sos,omitempty"`

	AlertID  string `json:"alert_id,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// TelemetryStreamEvent 遥测广播
func TelemetryStreamEvent(e *TelemetryEvent) StreamEvent {
	return StreamEvent{
		Type:      EventTelemetry,
		DeviceID:  e.DeviceID,
		Ts:        e.Timestamp,
		HeartRate: e.HeartRate,
		Battery:   e.Battery,
		Latitude:  e.Latitude,
		Longitude: e.Longitude,
		Altitude:  e.Altitude,
		SOS:       e.SOS,
	}
}

// AlertStreamEvent 报警广播：SOS 为 "sos"，其余为 "alert"
func AlertStreamEvent(a *AlertRecord) StreamEvent {
	typ := EventAlert
	if a.Kind == AlertKindSOS {
		typ = EventSOS
	}
	return StreamEvent{
		Type:      typ,
		DeviceID:  a.DeviceID,
		Ts:        a.Timestamp,
		Latitude:  a.Latitude,
		Longitude: a.Longitude,
		AlertID:   a.AlertID,
		Kind:      a.Kind,
		Severity:  a.Severity,
	}
}
