package httpapi

import (
	"context"
	"net/http"

	"mlink-tracker/internal/models"

	"go.uber.org/zap"
)

// AlertReader 报警查询
type AlertReader interface {
	Recent(ctx context.Context, deviceID string, limit int) ([]models.AlertRecord, error)
}

// AlertHandler 报警查询 Handler
type AlertHandler struct {
	alerts AlertReader
	logger *zap.Logger
}

func NewAlertHandler(alerts AlertReader, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{alerts: alerts, logger: logger}
}

// ListAlerts GET /api/alerts?limit&device_id，limit 的默认值和上限由仓储处理
func (h *AlertHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := h.alerts.Recent(r.Context(), q.Get("device_id"), parseInt(q.Get("limit"), 0))
	if err != nil {
		h.logger.Error("ListAlerts failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": len(items),
	}))
}
