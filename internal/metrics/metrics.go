package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mlink"

// Metrics 采集服务指标；nil 接收者上的方法均为空操作，便于测试中省略
type Metrics struct {
	MessagesReceived   *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	AlertsRaised       *prometheus.CounterVec
	HistoryDuplicates  prometheus.Counter
	ProcessingDuration *prometheus.HistogramVec

	BusSubscribers  prometheus.Gauge
	BusDropped      prometheus.Counter
	StreamSessions  prometheus.Gauge
	BrokerConnected prometheus.Gauge
}

// New 创建并注册全部指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "messages_received_total",
				Help:      "Total number of broker messages accepted for processing",
			},
			[]string{"kind"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "messages_dropped_total",
				Help:      "Total number of broker messages dropped before persistence",
			},
			[]string{"reason"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "errors_total",
				Help:      "Total number of isolated processing errors",
			},
			[]string{"stage"},
		),
		AlertsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "raised_total",
				Help:      "Total number of alert records created",
			},
			[]string{"kind"},
		),
		HistoryDuplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "history",
				Name:      "duplicates_total",
				Help:      "Total number of suppressed duplicate history records",
			},
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "duration_seconds",
				Help:      "Per-message processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		BusSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "subscribers",
				Help:      "Number of registered event bus subscribers",
			},
		),
		BusDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "dropped_subscribers_total",
				Help:      "Total number of subscribers disconnected for falling behind",
			},
		),
		StreamSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "sessions",
				Help:      "Number of open streaming sessions",
			},
		),
		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "connected",
				Help:      "Broker connection status (0=disconnected, 1=connected)",
			},
		),
	}

	reg.MustRegister(
		m.MessagesReceived,
		m.MessagesDropped,
		m.ErrorsTotal,
		m.AlertsRaised,
		m.HistoryDuplicates,
		m.ProcessingDuration,
		m.BusSubscribers,
		m.BusDropped,
		m.StreamSessions,
		m.BrokerConnected,
	)
	return m
}

// Handler /metrics 处理器
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordMessageReceived 消息进入处理
func (m *Metrics) RecordMessageReceived(kind string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(kind).Inc()
}

// RecordMessageDropped 消息被丢弃（topic 不匹配、消息体无效等）
func (m *Metrics) RecordMessageDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordError 某阶段失败（已隔离）
func (m *Metrics) RecordError(stage string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordAlert 生成报警
func (m *Metrics) RecordAlert(kind string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(kind).Inc()
}

// RecordHistoryDuplicate 重复历史记录被忽略
func (m *Metrics) RecordHistoryDuplicate() {
	if m == nil {
		return
	}
	m.HistoryDuplicates.Inc()
}

// RecordProcessingDuration 单条消息处理耗时
func (m *Metrics) RecordProcessingDuration(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProcessingDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetBusSubscribers 当前订阅者数量
func (m *Metrics) SetBusSubscribers(n int) {
	if m == nil {
		return
	}
	m.BusSubscribers.Set(float64(n))
}

// RecordBusDrop 慢订阅者被断开
func (m *Metrics) RecordBusDrop() {
	if m == nil {
		return
	}
	m.BusDropped.Inc()
}

// AddStreamSessions 会话数增减
func (m *Metrics) AddStreamSessions(delta int) {
	if m == nil {
		return
	}
	m.StreamSessions.Add(float64(delta))
}

// RecordBrokerStatus broker 连接状态
func (m *Metrics) RecordBrokerStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.BrokerConnected.Set(value)
}
