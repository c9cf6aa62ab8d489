package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"prop-router/internal/store"
)

var (
	// ErrNoTask 表示任务不存在。
	ErrNoTask = errors.New("queue: task not found")
	// ErrNotPending 表示任务已被其他 worker 完成。
	ErrNotPending = errors.New("queue: task is not pending")
)

const taskColumns = `id, trade_id, event_type, payload, status, attempts, last_error, created_at, last_attempted_at, updated_at`

// Repository 负责任务的写入、认领与完成。
type Repository struct {
	db         *sqlx.DB
	skipLocked bool
	timeout    time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewRepository 基于存储创建任务仓库。
func NewRepository(st *store.Store, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		db:         st.DB(),
		skipLocked: st.SupportsSkipLocked(),
		timeout:    st.QueryTimeout(),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// Enqueue 写入一条 PENDING 任务。
func (r *Repository) Enqueue(ctx context.Context, task NewTask) (int64, error) {
	payload, err := json.Marshal(task.Intent)
	if err != nil {
		return 0, fmt.Errorf("queue: 序列化任务载荷失败: %w", err)
	}

	var tradeID *string
	if task.TradeID != "" {
		tradeID = &task.TradeID
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	now := r.now()
	query := r.db.Rebind(`INSERT INTO execution_tasks (trade_id, event_type, payload, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?) RETURNING id`)

	var id int64
	if err := r.db.QueryRowxContext(ctx, query, tradeID, task.EventType, string(payload), StatusPending, now, now).Scan(&id); err != nil {
		return 0, fmt.Errorf("queue: 写入任务失败: %w", err)
	}
	return id, nil
}

// Begin 开启一个认领事务。SQLite 下事务以 IMMEDIATE 模式开启，直接持有写锁。
func (r *Repository) Begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: 开启事务失败: %w", err)
	}
	return tx, nil
}

// Claim 在事务内按创建时间认领至多 limit 条 PENDING 任务。
// PostgreSQL 下跳过已被其他 worker 锁定的行。
func (r *Repository) Claim(ctx context.Context, tx *sqlx.Tx, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 1
	}

	query := `SELECT ` + taskColumns + ` FROM execution_tasks WHERE status = ? ORDER BY created_at, id LIMIT ?`
	if r.skipLocked {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var tasks []Task
	if err := tx.SelectContext(ctx, &tasks, tx.Rebind(query), StatusPending, limit); err != nil {
		return nil, fmt.Errorf("queue: 认领任务失败: %w", err)
	}
	return tasks, nil
}

// Complete 将任务置为终态并累加尝试次数。
func (r *Repository) Complete(ctx context.Context, tx *sqlx.Tx, id int64, status Status, lastError string) error {
	var errText *string
	if lastError != "" {
		errText = &lastError
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	now := r.now()
	query := tx.Rebind(`UPDATE execution_tasks
		SET status = ?, attempts = attempts + 1, last_error = ?, last_attempted_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`)

	res, err := tx.ExecContext(ctx, query, status, errText, now, now, id, StatusPending)
	if err != nil {
		return fmt.Errorf("queue: 更新任务 %d 状态失败: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: 读取更新行数失败: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: id=%d", ErrNotPending, id)
	}
	return nil
}

// AppendLog 在同一事务内写入审计日志。
func (r *Repository) AppendLog(ctx context.Context, tx *sqlx.Tx, entry LogEntry) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := tx.Rebind(`INSERT INTO execution_logs (task_id, status, response_code, response_body, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`)

	var id int64
	if err := tx.QueryRowxContext(ctx, query, entry.TaskID, entry.Status, entry.ResponseCode, entry.ResponseBody, entry.CreatedAt).Scan(&id); err != nil {
		return 0, fmt.Errorf("queue: 写入执行日志失败: %w", err)
	}
	return id, nil
}

// Savepoint 在保存点内执行 fn。fn 失败时回滚到保存点，事务的其余部分仍可继续写入；
// PostgreSQL 中任一语句失败都会中止整个事务，事务内可能失败的查询需要经过这里。
func (r *Repository) Savepoint(ctx context.Context, tx *sqlx.Tx, name string, fn func() error) error {
	if _, err := r.execTx(ctx, tx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("queue: 创建保存点 %s 失败: %w", name, err)
	}

	fnErr := fn()
	if fnErr != nil {
		// ctx 可能已取消
		cleanup := context.WithoutCancel(ctx)
		if _, err := r.execTx(cleanup, tx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
			return multierr.Append(fnErr, fmt.Errorf("queue: 回滚保存点 %s 失败: %w", name, err))
		}
		ctx = cleanup
	}
	if _, err := r.execTx(ctx, tx, "RELEASE SAVEPOINT "+name); err != nil {
		return multierr.Append(fnErr, fmt.Errorf("queue: 释放保存点 %s 失败: %w", name, err))
	}
	return fnErr
}

func (r *Repository) execTx(ctx context.Context, tx *sqlx.Tx, stmt string) (sql.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return tx.ExecContext(ctx, stmt)
}

// Get 读取单个任务。
func (r *Repository) Get(ctx context.Context, id int64) (Task, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var task Task
	err := r.db.GetContext(ctx, &task, r.db.Rebind(`SELECT `+taskColumns+` FROM execution_tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNoTask
	}
	if err != nil {
		return Task{}, fmt.Errorf("queue: 查询任务 %d 失败: %w", id, err)
	}
	return task, nil
}

// ListLogs 按时间倒序返回任务的审计日志。
func (r *Repository) ListLogs(ctx context.Context, taskID int64) ([]LogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var entries []LogEntry
	query := r.db.Rebind(`SELECT id, task_id, status, response_code, response_body, created_at
		FROM execution_logs WHERE task_id = ? ORDER BY created_at DESC, id DESC`)
	if err := r.db.SelectContext(ctx, &entries, query, taskID); err != nil {
		return nil, fmt.Errorf("queue: 查询执行日志失败: %w", err)
	}
	return entries, nil
}

// CountByStatus 统计各状态任务数。
func (r *Repository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows := []struct {
		Status Status `db:"status"`
		Count  int    `db:"n"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM execution_tasks GROUP BY status`); err != nil {
		return nil, fmt.Errorf("queue: 统计任务失败: %w", err)
	}

	out := make(map[Status]int, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}
