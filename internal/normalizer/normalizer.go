package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"mlink-tracker/internal/models"
)

// ErrMalformedPayload 消息体不是 JSON 对象
var ErrMalformedPayload = errors.New("malformed payload")

// ResultKind 规范化结果类型
type ResultKind int

const (
	// ResultIgnored 未知 kind，直接忽略
	ResultIgnored ResultKind = iota
	ResultTelemetry
	ResultAlert
)

// Result 规范化结果，Kind 决定哪个字段有效
type Result struct {
	Kind      ResultKind
	Telemetry *models.TelemetryEvent
	Alert     *models.AlertHint
}

// 嵌套位置对象，按顺序查找，平铺字段优先
var nestedLocationKeys = []string{"gps", "location"}

// Normalize 将 (device_id, kind, 原始消息体) 转为规范化事件
// receivedAt 为接收时间，ts 缺失或无法解析时使用
func Normalize(deviceID string, kind string, body []byte, receivedAt time.Time) (Result, error) {
	k, ok := models.ParseKind(kind)
	if !ok {
		return Result{Kind: ResultIgnored}, nil
	}

	data, err := decodeObject(body)
	if err != nil {
		return Result{}, err
	}

	switch k {
	case models.KindAlert:
		return Result{Kind: ResultAlert, Alert: buildAlertHint(deviceID, data, body, receivedAt)}, nil
	case models.KindSOS:
		event := buildTelemetry(deviceID, data, body, receivedAt)
		// sos 主题本身就是信号；显式 false 保持 false
		if event.SOS == nil {
			t := true
			event.SOS = &t
		}
		return Result{Kind: ResultTelemetry, Telemetry: event}, nil
	default:
		return Result{Kind: ResultTelemetry, Telemetry: buildTelemetry(deviceID, data, body, receivedAt)}, nil
	}
}

func decodeObject(body []byte) (map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrMalformedPayload)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var data map[string]interface{}
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrMalformedPayload)
	}
	return data, nil
}

func buildTelemetry(deviceID string, data map[string]interface{}, body []byte, receivedAt time.Time) *models.TelemetryEvent {
	event := &models.TelemetryEvent{
		DeviceID:  deviceID,
		Timestamp: resolveTimestamp(data, receivedAt),
		Raw:       json.RawMessage(bytes.TrimSpace(body)),
	}

	event.HeartRate = roundedInt(data["hr"], minHeartRate, maxHeartRate)
	event.Battery = roundedInt(data["battery"], 0, 100)

	event.Latitude, event.Longitude, event.Altitude = resolvePosition(data)
	event.SOS = parseBool(data["sos"])
	return event
}

func buildAlertHint(deviceID string, data map[string]interface{}, body []byte, receivedAt time.Time) *models.AlertHint {
	hint := &models.AlertHint{
		DeviceID:  deviceID,
		Timestamp: resolveTimestamp(data, receivedAt),
		Payload:   json.RawMessage(bytes.TrimSpace(body)),
	}
	if sos := parseBool(data["sos"]); sos != nil && *sos {
		hint.SOS = true
	}
	hint.Latitude, hint.Longitude, _ = resolvePosition(data)
	return hint
}

// roundedInt 四舍五入后在 [lo, hi] 内才有效，先比较再转换避免溢出
func roundedInt(raw interface{}, lo, hi int) *int {
	n, ok := parseNumber(raw)
	if !ok {
		return nil
	}
	r := math.Round(n)
	if r < float64(lo) || r > float64(hi) {
		return nil
	}
	v := int(r)
	return &v
}

func resolveTimestamp(data map[string]interface{}, receivedAt time.Time) time.Time {
	if raw, ok := data["ts"]; ok {
		if ts, ok := parseTimestamp(raw); ok {
			return ts
		}
	}
	return receivedAt.UTC()
}

// resolvePosition 平铺 lat/lon/alt 优先，其次 gps、location 子对象；越界视为缺失
func resolvePosition(data map[string]interface{}) (lat, lon, alt *float64) {
	lat = lookupNumber(data, "lat", func(v float64) bool { return v >= -90 && v <= 90 })
	lon = lookupNumber(data, "lon", func(v float64) bool { return v >= -180 && v <= 180 })
	alt = lookupNumber(data, "alt", nil)
	return lat, lon, alt
}

func lookupNumber(data map[string]interface{}, key string, valid func(float64) bool) *float64 {
	candidates := []interface{}{data[key]}
	for _, nested := range nestedLocationKeys {
		if obj, ok := data[nested].(map[string]interface{}); ok {
			candidates = append(candidates, obj[key])
		}
	}

	for _, c := range candidates {
		if c == nil {
			continue
		}
		v, ok := parseNumber(c)
		if !ok {
			continue
		}
		if valid != nil && !valid(v) {
			return nil
		}
		return &v
	}
	return nil
}
