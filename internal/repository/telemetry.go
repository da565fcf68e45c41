package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"mlink-tracker/internal/models"

	"go.uber.org/zap"
)

const (
	DefaultHistoryLimit = 2000
	MaxHistoryLimit     = 10000
)

// TelemetryRepository 遥测历史仓库（只追加，(device_id, ts) 唯一）
type TelemetryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTelemetryRepository 创建遥测历史仓库
func NewTelemetryRepository(db *sql.DB, logger *zap.Logger) *TelemetryRepository {
	return &TelemetryRepository{
		db:     db,
		logger: logger,
	}
}

// Append 追加一条历史记录；重复的 (device_id, ts) 静默忽略，返回 inserted=false
func (r *TelemetryRepository) Append(ctx context.Context, e *models.TelemetryEvent) (bool, error) {
	query := `
		INSERT INTO telemetry (device_id, ts, hr, battery, lat, lon, alt, sos)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (device_id, ts) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		e.DeviceID,
		e.Timestamp,
		e.HeartRate,
		e.Battery,
		e.Latitude,
		e.Longitude,
		e.Altitude,
		e.SOS,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append telemetry: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		r.logger.Debug("Duplicate telemetry suppressed",
			zap.String("device_id", e.DeviceID),
			zap.Time("ts", e.Timestamp),
		)
	}
	return n > 0, nil
}

// ClampHistoryLimit limit<=0 使用默认值，超过上限截断
func ClampHistoryLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// Query 按时间升序查询设备历史；from/to 为零值表示不限
func (r *TelemetryRepository) Query(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]models.HistoryRecord, error) {
	var (
		conditions = []string{"device_id = $1"}
		args       = []interface{}{deviceID}
	)
	if !from.IsZero() {
		args = append(args, from.UTC())
		conditions = append(conditions, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to.UTC())
		conditions = append(conditions, fmt.Sprintf("ts <= $%d", len(args)))
	}
	args = append(args, ClampHistoryLimit(limit))

	query := fmt.Sprintf(`
		SELECT device_id, ts, hr, battery, lat, lon, alt, sos
		FROM telemetry
		WHERE %s
		ORDER BY ts ASC
		LIMIT $%d
	`, strings.Join(conditions, " AND "), len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry: %w", err)
	}
	defer rows.Close()

	out := make([]models.HistoryRecord, 0)
	for rows.Next() {
		var (
			rec         models.HistoryRecord
			hr, battery sql.NullInt64
			lat, lon    sql.NullFloat64
			alt         sql.NullFloat64
			sos         sql.NullBool
		)
		if err := rows.Scan(&rec.DeviceID, &rec.Timestamp, &hr, &battery, &lat, &lon, &alt, &sos); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry: %w", err)
		}
		rec.Timestamp = rec.Timestamp.UTC()
		rec.HeartRate = intPtrFromNull(hr)
		rec.Battery = intPtrFromNull(battery)
		rec.Latitude = floatPtrFromNull(lat)
		rec.Longitude = floatPtrFromNull(lon)
		rec.Altitude = floatPtrFromNull(alt)
		rec.SOS = boolPtrFromNull(sos)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate telemetry: %w", err)
	}
	return out, nil
}
