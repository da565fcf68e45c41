package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"mlink-tracker/internal/models"

	"go.uber.org/zap"
)

// DeviceStatusRepository 设备最新状态仓库（每设备一行）
type DeviceStatusRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceStatusRepository 创建设备状态仓库
func NewDeviceStatusRepository(db *sql.DB, logger *zap.Logger) *DeviceStatusRepository {
	return &DeviceStatusRepository{
		db:     db,
		logger: logger,
	}
}

const snapshotColumns = `device_id, ts, hr, battery, lat, lon, alt, sos, alias, owner, active`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*models.DeviceSnapshot, error) {
	var (
		s            models.DeviceSnapshot
		ts           sql.NullTime
		hr, battery  sql.NullInt64
		lat, lon     sql.NullFloat64
		alt          sql.NullFloat64
		sos          sql.NullBool
		alias, owner sql.NullString
	)
	if err := row.Scan(&s.DeviceID, &ts, &hr, &battery, &lat, &lon, &alt, &sos, &alias, &owner, &s.Active); err != nil {
		return nil, err
	}
	s.Timestamp = timePtrFromNull(ts)
	s.HeartRate = intPtrFromNull(hr)
	s.Battery = intPtrFromNull(battery)
	s.Latitude = floatPtrFromNull(lat)
	s.Longitude = floatPtrFromNull(lon)
	s.Altitude = floatPtrFromNull(alt)
	s.SOS = boolPtrFromNull(sos)
	s.Alias = stringPtrFromNull(alias)
	s.Owner = stringPtrFromNull(owner)
	return &s, nil
}

// Upsert 粘性合并写入：同一事务内锁行、合并、写回
// 首次出现的设备直接插入；缺失字段不覆盖已知值，ts 总是推进到事件时间
func (r *DeviceStatusRepository) Upsert(ctx context.Context, e *models.TelemetryEvent) (*models.DeviceSnapshot, error) {
	if e.DeviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanSnapshot(tx.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM device_status WHERE device_id = $1 FOR UPDATE`,
		e.DeviceID,
	))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to load device status: %w", err)
		}
		current = nil
	}

	merged := models.MergeSnapshot(current, e)

	query := `
		INSERT INTO device_status (device_id, ts, hr, battery, lat, lon, alt, sos, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (device_id) DO UPDATE SET
			ts         = EXCLUDED.ts,
			hr         = COALESCE(EXCLUDED.hr, device_status.hr),
			battery    = COALESCE(EXCLUDED.battery, device_status.battery),
			lat        = COALESCE(EXCLUDED.lat, device_status.lat),
			lon        = COALESCE(EXCLUDED.lon, device_status.lon),
			alt        = COALESCE(EXCLUDED.alt, device_status.alt),
			sos        = COALESCE(EXCLUDED.sos, device_status.sos),
			updated_at = now()
	`
	if _, err := tx.ExecContext(ctx, query,
		merged.DeviceID,
		merged.Timestamp,
		merged.HeartRate,
		merged.Battery,
		merged.Latitude,
		merged.Longitude,
		merged.Altitude,
		merged.SOS,
		merged.Active,
	); err != nil {
		return nil, fmt.Errorf("failed to upsert device status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit device status: %w", err)
	}
	return &merged, nil
}

// Get 获取单个设备状态
func (r *DeviceStatusRepository) Get(ctx context.Context, deviceID string) (*models.DeviceSnapshot, error) {
	s, err := scanSnapshot(r.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM device_status WHERE device_id = $1`,
		deviceID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get device status: %w", err)
	}
	return s, nil
}

// List 所有设备状态，按 device_id 排序
func (r *DeviceStatusRepository) List(ctx context.Context) ([]models.DeviceSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM device_status ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list device status: %w", err)
	}
	defer rows.Close()

	out := make([]models.DeviceSnapshot, 0)
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device status: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device status: %w", err)
	}
	return out, nil
}

// Remove 删除设备状态（管理操作）
func (r *DeviceStatusRepository) Remove(ctx context.Context, deviceID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM device_status WHERE device_id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete device status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	return nil
}

// PatchMetadata 管理字段 upsert：nil 字段保留原值，设备不存在时创建只有管理字段的行
func (r *DeviceStatusRepository) PatchMetadata(ctx context.Context, deviceID string, patch models.DeviceMetadataPatch) (*models.DeviceSnapshot, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := `
		INSERT INTO device_status (device_id, alias, owner, active, updated_at)
		VALUES ($1, $2, $3, COALESCE($4, TRUE), now())
		ON CONFLICT (device_id) DO UPDATE SET
			alias      = COALESCE($2, device_status.alias),
			owner      = COALESCE($3, device_status.owner),
			active     = COALESCE($4, device_status.active),
			updated_at = now()
		RETURNING ` + snapshotColumns

	s, err := scanSnapshot(r.db.QueryRowContext(ctx, query, deviceID, patch.Alias, patch.Owner, patch.Active))
	if err != nil {
		return nil, fmt.Errorf("failed to patch device metadata: %w", err)
	}
	r.logger.Info("Device metadata updated", zap.String("device_id", deviceID))
	return s, nil
}
