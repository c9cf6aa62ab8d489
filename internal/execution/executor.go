package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"prop-router/internal/connector"
	"prop-router/internal/monitor"
)

// Builder 根据机构代码构造连接器，通常为 connector.Registry。
type Builder interface {
	Build(firm string) (connector.Connector, error)
}

// Options 控制重试与熔断。
type Options struct {
	MaxRetries      int
	RetryDelay      time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

var errAttemptFailed = errors.New("execution: 下单尝试失败")

// Executor 将订单派发到机构连接器，RETRY 结果按固定间隔有限重试。
type Executor struct {
	builder Builder
	opts    Options
	metrics *monitor.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewExecutor 创建执行器。
func NewExecutor(builder Builder, opts Options, metrics *monitor.Metrics, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = time.Minute
	}
	return &Executor{
		builder:  builder,
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Dispatch 构造连接器并提交订单。配置问题转为 SKIPPED/FAILED，不会返回错误。
func (e *Executor) Dispatch(ctx context.Context, firm string, order connector.Order) connector.Result {
	firm = strings.ToUpper(strings.TrimSpace(firm))

	conn, err := e.builder.Build(firm)
	if err != nil {
		switch {
		case errors.Is(err, connector.ErrUnknownFirm):
			return connector.Skipped(connector.ReasonNoConnector, err.Error())
		case errors.Is(err, connector.ErrDisabled):
			return connector.Skipped(connector.ReasonFirmDisabled, err.Error())
		default:
			return connector.Failed(connector.ReasonConfigError, err.Error())
		}
	}

	return e.submitOrder(ctx, firm, conn, order)
}

func (e *Executor) submitOrder(ctx context.Context, firm string, conn connector.Connector, order connector.Order) connector.Result {
	breaker := e.breaker(firm)
	maxAttempts := e.opts.MaxRetries + 1

	var res connector.Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := breaker.Execute(func() (interface{}, error) {
			r := conn.PlaceOrder(ctx, order)
			if countsAsFailure(r) {
				return r, errAttemptFailed
			}
			return r, nil
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			e.metrics.DispatchAttempt(firm, string(connector.StatusFailed))
			e.logger.Warn("熔断开启，跳过下单", zap.String("firm", firm), zap.Int("attempt", attempt))
			// 保留上一次尝试的请求与响应
			res.Status = connector.StatusFailed
			res.Reason = connector.ReasonCircuitOpen
			res.Error = err.Error()
			res.Attempts = attempt - 1
			return res
		}

		res = out.(connector.Result)
		res.Attempts = attempt
		e.metrics.DispatchAttempt(firm, string(res.Status))

		if res.Status != connector.StatusRetry {
			return res
		}
		if attempt == maxAttempts {
			break
		}

		wait := e.opts.RetryDelay
		e.logger.Warn("下单返回 RETRY，准备重试",
			zap.String("firm", firm),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.String("error", res.Error),
		)

		select {
		case <-ctx.Done():
			res.Status = connector.StatusFailed
			res.Error = fmt.Sprintf("重试等待被取消: %v", ctx.Err())
			return res
		case <-time.After(wait):
		}
	}

	res.Status = connector.StatusFailed
	res.Error = fmt.Sprintf("重试 %d 次后仍失败: %s", e.opts.MaxRetries, res.Error)
	return res
}

// countsAsFailure 仅将传输层错误、限流与 5xx 计入熔断，业务拒绝不计入。
func countsAsFailure(r connector.Result) bool {
	switch r.Status {
	case connector.StatusRetry:
		return true
	case connector.StatusFailed:
		return r.HTTPStatus == 0 || r.HTTPStatus >= 500
	default:
		return false
	}
}

func (e *Executor) breaker(firm string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[firm]; ok {
		return cb
	}
	failures := e.opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    firm,
		Timeout: e.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("熔断状态变化",
				zap.String("firm", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	e.breakers[firm] = cb
	return cb
}
