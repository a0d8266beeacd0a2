package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"orderqueue/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Код PostgreSQL для нарушения UNIQUE
const pqUniqueViolation = "23505"

// Open создает подключение к базе данных и настраивает пул соединений
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLife)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// migrations - схема очереди ордеров.
// Уникальность client_order_id и частичный индекс по bot_id держат инварианты
// идемпотентности и "один активный ордер на бота" на уровне БД.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id BIGSERIAL PRIMARY KEY,
		client_order_id VARCHAR(64) NOT NULL UNIQUE,
		execution_id VARCHAR(64) NOT NULL DEFAULT '',
		user_id VARCHAR(64) NOT NULL,
		bot_id VARCHAR(64) NOT NULL,
		cycle BIGINT NOT NULL DEFAULT 0,
		pair VARCHAR(30) NOT NULL,
		side VARCHAR(4) NOT NULL,
		type VARCHAR(10) NOT NULL,
		volume NUMERIC(36, 18) NOT NULL,
		price NUMERIC(36, 18),
		status VARCHAR(16) NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL,
		next_retry_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_attempt_at TIMESTAMPTZ,
		errors JSONB NOT NULL DEFAULT '[]',
		last_error TEXT NOT NULL DEFAULT '',
		credential_used VARCHAR(64) NOT NULL DEFAULT '',
		failed_credentials TEXT[] NOT NULL DEFAULT '{}',
		exchange_order_id VARCHAR(64) NOT NULL DEFAULT '',
		executed_price NUMERIC(36, 18) NOT NULL DEFAULT 0,
		executed_volume NUMERIC(36, 18) NOT NULL DEFAULT 0,
		abandoned BOOLEAN NOT NULL DEFAULT false,
		recovered_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS orders_bot_active_idx
		ON orders (bot_id) WHERE status IN ('PENDING', 'PROCESSING', 'RETRY')`,
	`CREATE INDEX IF NOT EXISTS orders_eligible_idx
		ON orders (next_retry_at, id) WHERE status IN ('PENDING', 'RETRY')`,
	`CREATE INDEX IF NOT EXISTS orders_user_idx ON orders (user_id)`,
	`CREATE INDEX IF NOT EXISTS orders_abandoned_exit_idx
		ON orders (id) WHERE abandoned AND side = 'sell' AND recovered_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS exchange_credentials (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		exchange VARCHAR(30) NOT NULL,
		label VARCHAR(100) NOT NULL DEFAULT '',
		api_key TEXT NOT NULL,
		secret_key TEXT NOT NULL,
		priority INT NOT NULL DEFAULT 0,
		enabled BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS exchange_credentials_user_idx ON exchange_credentials (user_id, priority)`,
	`CREATE TABLE IF NOT EXISTS bots (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		status VARCHAR(20) NOT NULL,
		status_reason TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		type VARCHAR(50) NOT NULL,
		severity VARCHAR(10) NOT NULL,
		user_id VARCHAR(64) NOT NULL DEFAULT '',
		bot_id VARCHAR(64) NOT NULL DEFAULT '',
		order_id BIGINT,
		message TEXT NOT NULL,
		meta JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_timestamp_idx ON notifications (timestamp DESC)`,
}

// Migrate применяет схему. Все выражения идемпотентны.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// isUniqueViolation проверяет, является ли ошибка нарушением UNIQUE constraint
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate key") || strings.Contains(errStr, pqUniqueViolation)
}

// rowScanner - общий интерфейс *sql.Row и *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}
