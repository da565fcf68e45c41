package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mlink-tracker/common/config"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Pinger 可探活的连接（*sql.DB 满足）
type Pinger interface {
	PingContext(ctx context.Context) error
}

// NewPostgresDB 创建PostgreSQL数据库连接（不在此处 Ping，交给 WaitReady 做有限次重试）
func NewPostgresDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	dsn := cfg.GetDSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}

	return db, nil
}

// WaitReady 以固定间隔探活，超过 attempts 次仍失败则返回错误（启动期 fail-fast）
func WaitReady(ctx context.Context, name string, p Pinger, cfg config.ReadinessConfig, logger *zap.Logger) error {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		lastErr = p.PingContext(pingCtx)
		cancel()
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("Dependency ready", zap.String("dependency", name), zap.Int("attempt", attempt))
			}
			return nil
		}

		logger.Warn("Dependency not ready",
			zap.String("dependency", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(lastErr),
		)

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s readiness cancelled: %w", name, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s not ready after %d attempts: %w", name, attempts, lastErr)
}

// Close 关闭数据库连接
func Close(db *sql.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
