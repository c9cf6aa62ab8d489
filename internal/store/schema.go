package store

import (
	"context"
	"fmt"

	"prop-router/internal/config"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS execution_tasks (
		id BIGSERIAL PRIMARY KEY,
		trade_id TEXT,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_attempted_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_execution_tasks_status_created ON execution_tasks(status, created_at);`,
	`CREATE TABLE IF NOT EXISTS execution_logs (
		id BIGSERIAL PRIMARY KEY,
		task_id BIGINT NOT NULL REFERENCES execution_tasks(id),
		status TEXT NOT NULL,
		response_code INTEGER,
		response_body JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_execution_logs_task ON execution_logs(task_id);`,
	`CREATE TABLE IF NOT EXISTS prop_programs (
		firm_code TEXT NOT NULL,
		program_id BIGINT NOT NULL,
		daily_loss_limit DOUBLE PRECISION,
		max_drawdown DOUBLE PRECISION,
		max_contracts INTEGER,
		max_risk_per_trade_pct DOUBLE PRECISION,
		allowed_sessions TEXT,
		PRIMARY KEY (firm_code, program_id)
	);`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS execution_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id TEXT,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMP NOT NULL,
		last_attempted_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_execution_tasks_status_created ON execution_tasks(status, created_at);`,
	`CREATE TABLE IF NOT EXISTS execution_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES execution_tasks(id),
		status TEXT NOT NULL,
		response_code INTEGER,
		response_body TEXT,
		created_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_execution_logs_task ON execution_logs(task_id);`,
	`CREATE TABLE IF NOT EXISTS prop_programs (
		firm_code TEXT NOT NULL,
		program_id INTEGER NOT NULL,
		daily_loss_limit REAL,
		max_drawdown REAL,
		max_contracts INTEGER,
		max_risk_per_trade_pct REAL,
		allowed_sessions TEXT,
		PRIMARY KEY (firm_code, program_id)
	);`,
}

// Migrate 创建队列、审计日志与账户计划表。
func (s *Store) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == config.DriverPostgres {
		schema = postgresSchema
	}

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: 初始化表结构失败: %w", err)
		}
	}
	return nil
}
