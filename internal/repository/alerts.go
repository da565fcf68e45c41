package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"mlink-tracker/internal/models"

	"go.uber.org/zap"
)

const (
	DefaultAlertLimit = 100
	MaxAlertLimit     = 1000
)

// AlertsRepository 报警记录仓库（只追加）
type AlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertsRepository 创建报警记录仓库
func NewAlertsRepository(db *sql.DB, logger *zap.Logger) *AlertsRepository {
	return &AlertsRepository{
		db:     db,
		logger: logger,
	}
}

// Insert 写入报警记录，created_at 由数据库生成并回填
func (r *AlertsRepository) Insert(ctx context.Context, a *models.AlertRecord) error {
	payload := a.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO alerts (alert_id, device_id, kind, severity, ts, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	if err := r.db.QueryRowContext(ctx, query,
		a.AlertID,
		a.DeviceID,
		a.Kind,
		a.Severity,
		a.Timestamp,
		[]byte(payload),
	).Scan(&a.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return nil
}

// Recent 最近的报警，按创建时间倒序；deviceID 为空表示所有设备
func (r *AlertsRepository) Recent(ctx context.Context, deviceID string, limit int) ([]models.AlertRecord, error) {
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	if limit > MaxAlertLimit {
		limit = MaxAlertLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if deviceID == "" {
		rows, err = r.db.QueryContext(ctx, `
			SELECT alert_id, device_id, kind, severity, ts, payload, created_at
			FROM alerts
			ORDER BY created_at DESC
			LIMIT $1
		`, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT alert_id, device_id, kind, severity, ts, payload, created_at
			FROM alerts
			WHERE device_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		`, deviceID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	out := make([]models.AlertRecord, 0)
	for rows.Next() {
		var (
			a       models.AlertRecord
			payload []byte
		)
		if err := rows.Scan(&a.AlertID, &a.DeviceID, &a.Kind, &a.Severity, &a.Timestamp, &payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Timestamp = a.Timestamp.UTC()
		a.CreatedAt = a.CreatedAt.UTC()
		a.Payload = json.RawMessage(payload)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return out, nil
}
