// Package router 轮询执行任务队列，对每个任务依次执行风控、仓位与违规校验，
// 取三者都放行的机构派发订单，并在同一事务内写回任务状态与审计日志。
package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"prop-router/internal/account"
	"prop-router/internal/catalog"
	"prop-router/internal/config"
	"prop-router/internal/connector"
	"prop-router/internal/execution"
	"prop-router/internal/monitor"
	"prop-router/internal/queue"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultErrorBackoff = 10 * time.Second
	defaultBatchSize    = 10
)

// FirmLookup 判断机构是否注册了连接器，通常为 connector.Registry。
type FirmLookup interface {
	Lookup(firm string) (connector.Factory, bool)
}

// Deps 为路由器依赖的组件。Firms 为空时指标直接使用任务中的机构代码。
type Deps struct {
	Queue      *queue.Repository
	Policy     *config.PolicySource
	Catalog    *catalog.Resolver
	Accounts   *account.Store
	Dispatcher execution.Dispatcher
	Firms      FirmLookup
	Metrics    *monitor.Metrics
}

// Router 为单个 worker，可与其他进程中的 Router 并发消费同一队列。
type Router struct {
	id     string
	deps   Deps
	cfg    config.RouterConfig
	logger *zap.Logger
}

// New 创建路由 worker。
func New(deps Deps, cfg config.RouterConfig, logger *zap.Logger) (*Router, error) {
	if deps.Queue == nil {
		return nil, errors.New("router: 缺少任务队列")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("router: 缺少派发器")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Policy == nil {
		deps.Policy = config.NewPolicySource(nil)
	}
	if deps.Catalog == nil {
		deps.Catalog = catalog.NewResolver(deps.Policy)
	}
	if deps.Accounts == nil {
		deps.Accounts = account.NewStore(deps.Policy.Lookup(), logger)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaultErrorBackoff
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	id := uuid.NewString()
	return &Router{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(zap.String("worker_id", id)),
	}, nil
}

// ID 返回 worker 标识。
func (r *Router) ID() string {
	return r.id
}

// Run 持续轮询直至 ctx 取消。批次失败只记录日志并退避，不会退出循环。
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("路由 worker 已启动",
		zap.Duration("poll_interval", r.cfg.PollInterval),
		zap.Int("batch_size", r.cfg.BatchSize),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("路由 worker 收到退出信号")
			return nil
		case <-timer.C:
		}

		wait := r.cfg.PollInterval
		n, err := r.ProcessBatch(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			r.logger.Error("处理批次失败，稍后重试", zap.Error(err), zap.Duration("backoff", r.cfg.ErrorBackoff))
			wait = r.cfg.ErrorBackoff
		case n >= r.cfg.BatchSize:
			// 队列可能仍有积压
			wait = 0
		}
		timer.Reset(wait)
	}
}

// ProcessBatch 在一个事务内认领并处理一批任务，返回处理数量。
// 任一任务的状态或日志写入失败时整批回滚，任务保持 PENDING。
func (r *Router) ProcessBatch(ctx context.Context) (processed int, err error) {
	start := time.Now()

	tx, err := r.deps.Queue.Begin(ctx)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				r.logger.Warn("回滚事务失败", zap.Error(rbErr))
			}
		}
	}()

	tasks, err := r.deps.Queue.Claim(ctx, tx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(tasks) > 0 {
		r.logger.Info("认领任务批次", zap.Int("count", len(tasks)))
	}

	statuses := make([]queue.Status, 0, len(tasks))
	for _, task := range tasks {
		rep, handleErr := r.process(ctx, tx, task)

		status := queue.StatusSuccess
		lastError := ""
		if handleErr != nil {
			status = queue.StatusFailed
			lastError = handleErr.Error()
			rep.Error = lastError
			r.logger.Error("处理任务失败", zap.Int64("task_id", task.ID), zap.Error(handleErr))
		}

		if err := r.deps.Queue.Complete(ctx, tx, task.ID, status, lastError); err != nil {
			return processed, err
		}

		body, err := json.Marshal(rep)
		if err != nil {
			return processed, fmt.Errorf("router: 序列化任务 %d 日志失败: %w", task.ID, err)
		}
		bodyText := string(body)
		if _, err := r.deps.Queue.AppendLog(ctx, tx, queue.LogEntry{
			TaskID:       task.ID,
			Status:       status,
			ResponseCode: rep.responseCode(),
			ResponseBody: &bodyText,
		}); err != nil {
			return processed, err
		}

		statuses = append(statuses, status)
		r.logger.Info("任务处理完成",
			zap.Int64("task_id", task.ID),
			zap.String("status", string(status)),
			zap.Strings("approved_firms", rep.ApprovedFirms),
		)
		processed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("router: 提交事务失败: %w", err)
	}
	committed = true

	for _, status := range statuses {
		r.deps.Metrics.TaskCompleted(string(status))
	}
	if processed > 0 {
		r.deps.Metrics.ObserveBatch(time.Since(start), processed)
	}
	return processed, nil
}

// process 隔离单个任务的 panic，使其只影响该任务。
func (r *Router) process(ctx context.Context, tx *sqlx.Tx, task queue.Task) (rep *Report, err error) {
	rep = newReport(task.ID, r.id)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("router: 处理任务 %d 发生 panic: %v", task.ID, rec)
		}
	}()
	err = r.handle(ctx, tx, task, rep)
	return rep, err
}
