package httpapi

import (
	"net/http"
	"time"
)

// BrokerStatus broker 连接状态
type BrokerStatus interface {
	IsConnected() bool
}

// HealthHandler GET /health：broker 已连接返回 200，否则 503
type HealthHandler struct {
	broker  BrokerStatus
	started time.Time
}

func NewHealthHandler(broker BrokerStatus) *HealthHandler {
	return &HealthHandler{broker: broker, started: time.Now()}
}

type healthStatus struct {
	Status string `json:"status"`
	Broker string `json:"broker"`
	Uptime string `json:"uptime"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	st := healthStatus{
		Status: "ok",
		Broker: "connected",
		Uptime: time.Since(h.started).Truncate(time.Second).String(),
	}
	status := http.StatusOK
	if h.broker == nil || !h.broker.IsConnected() {
		st.Status = "degraded"
		st.Broker = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, st)
}
