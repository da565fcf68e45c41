package consumer

import (
	"strings"

	"mlink-tracker/internal/models"
)

var topicKinds = []models.Kind{models.KindTelemetry, models.KindSOS, models.KindAlert}

// Topics 需要订阅的全部主题：两种段顺序 x 三种 kind
func Topics(namespace string) []string {
	topics := make([]string, 0, len(topicKinds)*2)
	for _, k := range topicKinds {
		topics = append(topics, namespace+"/+/"+string(k))
	}
	for _, k := range topicKinds {
		topics = append(topics, namespace+"/"+string(k)+"/+")
	}
	return topics
}

// ParseTopic 解析 {ns}/{device}/{kind} 或 {ns}/{kind}/{device}
// 先按 设备在前 尝试，再按 类型在前 尝试；都不匹配返回 ok=false
func ParseTopic(namespace, topic string) (deviceID string, kind models.Kind, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != namespace {
		return "", "", false
	}

	if k, isKind := models.ParseKind(parts[2]); isKind && validDeviceID(parts[1]) {
		return parts[1], k, true
	}
	if k, isKind := models.ParseKind(parts[1]); isKind && validDeviceID(parts[2]) {
		return parts[2], k, true
	}
	return "", "", false
}

func validDeviceID(s string) bool {
	return s != "" && !strings.ContainsAny(s, "+#")
}
