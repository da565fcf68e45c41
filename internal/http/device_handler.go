package httpapi

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"time"

	"mlink-tracker/internal/models"
	"mlink-tracker/internal/repository"

	"go.uber.org/zap"
)

// DeviceStore 设备快照读写
type DeviceStore interface {
	List(ctx context.Context) ([]models.DeviceSnapshot, error)
	Get(ctx context.Context, deviceID string) (*models.DeviceSnapshot, error)
	PatchMetadata(ctx context.Context, deviceID string, patch models.DeviceMetadataPatch) (*models.DeviceSnapshot, error)
	Remove(ctx context.Context, deviceID string) error
}

// HistoryReader 历史轨迹查询
type HistoryReader interface {
	Query(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]models.HistoryRecord, error)
}

const defaultTrailWindow = 7 * 24 * time.Hour

// DeviceHandler 设备状态与轨迹 Handler
type DeviceHandler struct {
	devices DeviceStore
	history HistoryReader
	logger  *zap.Logger
	now     func() time.Time
}

// NewDeviceHandler 创建设备 Handler
func NewDeviceHandler(devices DeviceStore, history HistoryReader, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		devices: devices,
		history: history,
		logger:  logger,
		now:     time.Now,
	}
}

// ListDevices GET /api/devices
func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	items, err := h.devices.List(r.Context())
	if err != nil {
		h.logger.Error("ListDevices failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": len(items),
	}))
}

// GetDevice GET /api/devices/{id}
func (h *DeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	s, err := h.devices.Get(r.Context(), deviceID)
	if err != nil {
		h.writeStoreError(w, "GetDevice", deviceID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(s))
}

// PatchDevice PATCH /api/devices/{id}，只改 alias/owner/active
func (h *DeviceHandler) PatchDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	var patch models.DeviceMetadataPatch
	if err := readBodyJSON(r, 1<<20, &patch); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if patch.Empty() {
		writeJSON(w, http.StatusBadRequest, Fail("no metadata fields to update"))
		return
	}

	s, err := h.devices.PatchMetadata(r.Context(), deviceID, patch)
	if err != nil {
		h.writeStoreError(w, "PatchDevice", deviceID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(s))
}

// DeleteDevice DELETE /api/devices/{id}
func (h *DeviceHandler) DeleteDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	if err := h.devices.Remove(r.Context(), deviceID); err != nil {
		h.writeStoreError(w, "DeleteDevice", deviceID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTrail GET /api/device/{id}/trail?from&to&limit
func (h *DeviceHandler) GetTrail(w http.ResponseWriter, r *http.Request, deviceID string) {
	rows, ok := h.queryTrail(w, r, deviceID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"device_id": deviceID,
		"items":     rows,
		"total":     len(rows),
	}))
}

// ExportTrail GET /api/device/{id}/trail.xlsx
func (h *DeviceHandler) ExportTrail(w http.ResponseWriter, r *http.Request, deviceID string) {
	rows, ok := h.queryTrail(w, r, deviceID)
	if !ok {
		return
	}

	data, err := GenerateTrailWorkbook(deviceID, rows)
	if err != nil {
		h.logger.Error("ExportTrail failed", zap.String("device_id", deviceID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to build workbook"))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": deviceID + "-trail.xlsx"}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *DeviceHandler) queryTrail(w http.ResponseWriter, r *http.Request, deviceID string) ([]models.HistoryRecord, bool) {
	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return nil, false
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return nil, false
	}
	if from.IsZero() {
		from = h.now().UTC().Add(-defaultTrailWindow)
	}
	if !to.IsZero() && to.Before(from) {
		writeJSON(w, http.StatusBadRequest, Fail("to must not be before from"))
		return nil, false
	}
	limit := repository.ClampHistoryLimit(parseInt(q.Get("limit"), 0))

	rows, err := h.history.Query(r.Context(), deviceID, from, to, limit)
	if err != nil {
		h.logger.Error("Trail query failed", zap.String("device_id", deviceID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
		return nil, false
	}
	return rows, true
}

func (h *DeviceHandler) writeStoreError(w http.ResponseWriter, op, deviceID string, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, Fail("device not found"))
		return
	}
	h.logger.Error(op+" failed", zap.String("device_id", deviceID), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
}
