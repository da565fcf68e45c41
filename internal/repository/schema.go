package repository

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS device_status (
		device_id  TEXT PRIMARY KEY,
		ts         TIMESTAMPTZ,
		hr         INTEGER,
		battery    INTEGER,
		lat        DOUBLE PRECISION,
		lon        DOUBLE PRECISION,
		alt        DOUBLE PRECISION,
		sos        BOOLEAN,
		alias      TEXT,
		owner      TEXT,
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS telemetry (
		device_id   TEXT NOT NULL,
		ts          TIMESTAMPTZ NOT NULL,
		hr          INTEGER,
		battery     INTEGER,
		lat         DOUBLE PRECISION,
		lon         DOUBLE PRECISION,
		alt         DOUBLE PRECISION,
		sos         BOOLEAN,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (device_id, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		alert_id   UUID PRIMARY KEY,
		device_id  TEXT NOT NULL,
		kind       TEXT NOT NULL,
		severity   TEXT NOT NULL,
		ts         TIMESTAMPTZ NOT NULL,
		payload    JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_device_ts ON alerts (device_id, ts DESC)`,
}

// EnsureSchema 启动时建表（幂等）
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
