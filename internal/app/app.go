package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"prop-router/internal/account"
	"prop-router/internal/catalog"
	"prop-router/internal/config"
	"prop-router/internal/connector"
	"prop-router/internal/execution"
	"prop-router/internal/monitor"
	"prop-router/internal/queue"
	"prop-router/internal/router"
	"prop-router/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	policy *config.PolicySource
}

// New 创建 App 实例，策略配置读取进程环境变量。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return NewWithPolicy(cfg, logger, store, config.NewPolicySource(nil))
}

// NewWithPolicy 使用指定的策略配置源创建 App。
func NewWithPolicy(cfg *config.Config, logger *zap.Logger, store *store.Store, policy *config.PolicySource) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
		policy: policy,
	}
}

// Run 启动路由 worker、余额同步与监控接口，直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("执行路由服务已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("database", a.store.Driver()),
		zap.Int("workers", a.cfg.Router.WorkerCount),
	)

	metrics := monitor.NewMetrics()
	repo := queue.NewRepository(a.store, a.logger)
	registry := connector.NewRegistry(a.policy, a.cfg.Connector, a.logger)
	accounts := account.NewStore(a.policy.Lookup(), a.logger)

	executor := execution.NewExecutor(registry, execution.Options{
		MaxRetries:      a.cfg.Router.MaxRetries,
		RetryDelay:      a.cfg.Router.RetryDelay,
		BreakerFailures: a.cfg.Connector.BreakerFailures,
		BreakerTimeout:  a.cfg.Connector.BreakerTimeout,
	}, metrics, a.logger)

	deps := router.Deps{
		Queue:      repo,
		Policy:     a.policy,
		Catalog:    catalog.NewResolver(a.policy),
		Accounts:   accounts,
		Dispatcher: executor,
		Firms:      registry,
		Metrics:    metrics,
	}

	workers := a.cfg.Router.WorkerCount
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		r, err := router.New(deps, a.cfg.Router, a.logger)
		if err != nil {
			return fmt.Errorf("初始化路由 worker 失败: %w", err)
		}
		g.Go(func() error { return r.Run(gctx) })
	}

	targets, err := syncTargets(registry, a.cfg.AccountSync.Targets)
	if err != nil {
		return err
	}
	if len(targets) > 0 {
		syncer := account.NewBalanceSyncer(accounts, targets, a.logger)
		g.Go(func() error { return syncer.Run(gctx, a.cfg.AccountSync.Interval) })
	}

	if a.cfg.Monitor.Port > 0 {
		handler := newMonitorHandler(repo, metrics, a.logger)
		g.Go(func() error { return serveMonitor(gctx, handler, a.cfg.Monitor.Port, a.logger) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，已停止")
	return nil
}

// syncTargets 将 FIRM:PROGRAM 解析为同步目标，只有 ccxt 连接器支持余额查询。
func syncTargets(registry *connector.Registry, specs []string) ([]account.Target, error) {
	targets := make([]account.Target, 0, len(specs))
	for _, spec := range specs {
		firm, program, err := config.ParseTarget(spec)
		if err != nil {
			return nil, err
		}
		conn, err := registry.Build(firm)
		if err != nil {
			return nil, fmt.Errorf("初始化余额同步目标 %s 失败: %w", spec, err)
		}
		fetcher, ok := conn.(account.BalanceFetcher)
		if !ok {
			return nil, fmt.Errorf("机构 %s 的连接器不支持余额查询", firm)
		}
		targets = append(targets, account.Target{Firm: firm, Program: program, Client: fetcher})
	}
	return targets, nil
}
