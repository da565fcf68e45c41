package normalizer

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// epoch 数值 >= 1e12 视为毫秒
const millisThreshold = 1e12

// 心率有效范围（次/分）
const (
	minHeartRate = 0
	maxHeartRate = 300
)

// 可接受的时间窗口 [1970-01-01, 9999-12-31]，窗口外按缺失处理
var (
	minTimestamp = time.Unix(0, 0).UTC()
	maxTimestamp = time.Date(9999, 12, 31, 23, 59, 59, 999999999, time.UTC)
)

// 不带时区的 ISO-8601 按 UTC 解析
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseNumber 接受 JSON 数字或数字字符串，其余（含 NaN/Inf）视为缺失
func parseNumber(v interface{}) (float64, bool) {
	var f float64
	switch val := v.(type) {
	case json.Number:
		n, err := val.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case float64:
		f = val
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, false
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// parseBool 三态：true/false/未知(nil)
// 接受 bool、数字 0/1、字符串 "true"/"false"/"1"/"0"（忽略大小写与首尾空白）
func parseBool(v interface{}) *bool {
	t, f := true, false
	switch val := v.(type) {
	case bool:
		if val {
			return &t
		}
		return &f
	case json.Number, float64:
		n, ok := parseNumber(val)
		if !ok {
			return nil
		}
		switch n {
		case 1:
			return &t
		case 0:
			return &f
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1":
			return &t
		case "false", "0":
			return &f
		}
	}
	return nil
}

// parseTimestamp epoch 秒 / epoch 毫秒 / 数字字符串 / ISO-8601，失败返回 false
func parseTimestamp(v interface{}) (time.Time, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, false
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return parseISO(s)
		}
	}

	n, ok := parseNumber(v)
	if !ok || n <= 0 {
		return time.Time{}, false
	}
	if n >= millisThreshold {
		if n > float64(maxTimestamp.UnixMilli()) {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(math.Round(n))).UTC(), true
	}
	if n > float64(maxTimestamp.Unix()) {
		return time.Time{}, false
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), true
}

func inTimeWindow(t time.Time) bool {
	return !t.Before(minTimestamp) && !t.After(maxTimestamp)
}

func parseISO(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), inTimeWindow(t)
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, inTimeWindow(t)
		}
	}
	return time.Time{}, false
}
