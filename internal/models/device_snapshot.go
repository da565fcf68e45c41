package models

import "time"

// DeviceSnapshot 设备最新状态（每设备一行）
type DeviceSnapshot struct {
	DeviceID  string     `json:"device_id"`
	Timestamp *time.Time `json:"ts"` // 最后更新时间，仅有管理字段时为空

	HeartRate *int     `json:"hr"`
	Battery   *int     `json:"battery"`
	Latitude  *float64 `json:"lat"`
	Longitude *float64 `json:"lon"`
	Altitude  *float64 `json:"alt"`
	SOS       *bool    `json:"sos"`

	// 管理字段，采集流程不写
	Alias  *string `json:"alias,omitempty"`
	Owner  *string `json:"owner,omitempty"`
	Active bool    `json:"active"`
}

// DeviceMetadataPatch 管理字段的部分更新
type DeviceMetadataPatch struct {
	Alias  *string `json:"alias,omitempty"`
	Owner  *string `json:"owner,omitempty"`
	Active *bool   `json:"active,omitempty"`
}

// Empty 没有任何字段需要更新
func (p DeviceMetadataPatch) Empty() bool {
	return p.Alias == nil && p.Owner == nil && p.Active == nil
}

// MergeSnapshot 粘性合并：事件中存在的字段覆盖，缺失字段保留原值；
// 时间戳总是推进到事件时间（按到达顺序，不比较新旧）。
// current 为 nil 表示设备首次出现。返回新对象，不修改入参。
func MergeSnapshot(current *DeviceSnapshot, e *TelemetryEvent) DeviceSnapshot {
	var merged DeviceSnapshot
	if current != nil {
		merged = *current
	} else {
		merged.Active = true
	}

	ts := e.Timestamp
	merged.DeviceID = e.DeviceID
	merged.Timestamp = &ts

	if e.HeartRate != nil {
		merged.HeartRate = e.HeartRate
	}
	if e.Battery != nil {
		merged.Battery = e.Battery
	}
	if e.Latitude != nil {
		merged.Latitude = e.Latitude
	}
	if e.Longitude != nil {
		merged.Longitude = e.Longitude
	}
	if e.Altitude != nil {
		merged.Altitude = e.Altitude
	}
	if e.SOS != nil {
		merged.SOS = e.SOS
	}
	return merged
}
