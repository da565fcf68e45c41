package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"mlink-tracker/internal/bus"
	"mlink-tracker/internal/metrics"
	"mlink-tracker/internal/models"

	"go.uber.org/zap"
)

const (
	DefaultKeepAlive = 15 * time.Second
	DefaultRetry     = 3 * time.Second
)

// Subscriber 事件总线订阅能力
type Subscriber interface {
	Subscribe() *bus.Subscription
	Unsubscribe(sub *bus.Subscription)
}

// SessionManager SSE 会话管理：每个连接一个总线订阅和一个保活定时器
type SessionManager struct {
	bus       Subscriber
	keepAlive time.Duration
	retry     time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics

	active atomic.Int64
}

// NewSessionManager 创建 SSE 会话管理器
func NewSessionManager(b Subscriber, keepAlive, retry time.Duration, logger *zap.Logger, m *metrics.Metrics) *SessionManager {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	if retry <= 0 {
		retry = DefaultRetry
	}
	return &SessionManager{
		bus:       b,
		keepAlive: keepAlive,
		retry:     retry,
		logger:    logger,
		metrics:   m,
	}
}

// Active 当前会话数
func (m *SessionManager) Active() int {
	return int(m.active.Load())
}

type marker struct {
	Type string    `json:"type"`
	OK   bool      `json:"ok"`
	Ts   time.Time `json:"ts"`
}

// ServeHTTP GET /api/stream
// 可选 ?device_id= 只推送指定设备的事件
func (m *SessionManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	deviceFilter := r.URL.Query().Get("device_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := m.bus.Subscribe()
	ticker := time.NewTicker(m.keepAlive)
	m.active.Add(1)
	m.metrics.AddStreamSessions(1)

	// 所有退出路径统一清理
	defer func() {
		ticker.Stop()
		m.bus.Unsubscribe(sub)
		m.active.Add(-1)
		m.metrics.AddStreamSessions(-1)
		m.logger.Debug("Stream session closed", zap.Uint64("subscriber_id", sub.ID()))
	}()

	m.logger.Debug("Stream session opened",
		zap.Uint64("subscriber_id", sub.ID()),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("device_filter", deviceFilter),
	)

	if err := m.writeNamed(w, rc, "hello", marker{Type: "hello", OK: true, Ts: time.Now().UTC()}); err != nil {
		return
	}
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", m.retry.Milliseconds()); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	var eventID uint64
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := m.writeNamed(w, rc, "alive", marker{Type: "alive", OK: true, Ts: time.Now().UTC()}); err != nil {
				return
			}

		case event, ok := <-sub.C:
			if !ok {
				// 总线断开（跟不上或已关闭），客户端按 retry 重连
				m.logger.Info("Stream subscriber dropped by bus", zap.Uint64("subscriber_id", sub.ID()))
				return
			}
			if deviceFilter != "" && event.DeviceID != deviceFilter {
				continue
			}
			eventID++
			if err := m.writeData(w, rc, eventID, event); err != nil {
				m.logger.Debug("Stream write failed", zap.Uint64("subscriber_id", sub.ID()), zap.Error(err))
				return
			}
		}
	}
}

func (m *SessionManager) writeNamed(w http.ResponseWriter, rc *http.ResponseController, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return rc.Flush()
}

// writeData 不带 event 名，浏览器 onmessage 可直接收到
func (m *SessionManager) writeData(w http.ResponseWriter, rc *http.ResponseController, id uint64, event models.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", id, data); err != nil {
		return err
	}
	return rc.Flush()
}
