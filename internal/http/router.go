package httpapi

import (
	"net/http"
	"strings"

	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler（SSE、metrics、health）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// WithCORS 包一层 CORS，origins 为空时不包
func (r *Router) WithCORS(origins []string) http.Handler {
	if len(origins) == 0 {
		return r
	}
	opts := cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Last-Event-ID"},
		AllowCredentials: true,
	}
	// "*" 带凭据时浏览器不接受通配，改为回显请求的 Origin
	if len(origins) == 1 && origins[0] == "*" {
		opts.AllowedOrigins = nil
		opts.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(opts).Handler(r)
}

// RegisterDeviceRoutes 设备快照与轨迹
func (r *Router) RegisterDeviceRoutes(h *DeviceHandler) {
	r.Handle("/api/devices", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ListDevices(w, req)
	})

	r.Handle("/api/devices/", func(w http.ResponseWriter, req *http.Request) {
		id, ok := pathID(req.URL.Path, "/api/devices/", "")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch req.Method {
		case http.MethodGet:
			h.GetDevice(w, req, id)
		case http.MethodPatch:
			h.PatchDevice(w, req, id)
		case http.MethodDelete:
			h.DeleteDevice(w, req, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	// /api/device/{id}/trail 和 /api/device/{id}/trail.xlsx
	r.Handle("/api/device/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if strings.HasSuffix(req.URL.Path, "/trail.xlsx") {
			if id, ok := pathID(req.URL.Path, "/api/device/", "/trail.xlsx"); ok {
				h.ExportTrail(w, req, id)
				return
			}
		} else if id, ok := pathID(req.URL.Path, "/api/device/", "/trail"); ok {
			h.GetTrail(w, req, id)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
}

// RegisterAlertRoutes 报警查询
func (r *Router) RegisterAlertRoutes(h *AlertHandler) {
	r.Handle("/api/alerts", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ListAlerts(w, req)
	})
}

// RegisterStreamRoute 实时推送
func (r *Router) RegisterStreamRoute(stream http.Handler) {
	r.Handle("/api/stream", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		stream.ServeHTTP(w, req)
	})
}

// RegisterOpsRoutes 健康检查与指标
func (r *Router) RegisterOpsRoutes(health http.Handler, metrics http.Handler) {
	r.HandleHandler("/health", health)
	if metrics != nil {
		r.HandleHandler("/metrics", metrics)
	}
}
