package execution

import (
	"context"

	"prop-router/internal/connector"
)

// Dispatcher 抽象派发接口，便于路由器替换为测试桩。
type Dispatcher interface {
	Dispatch(ctx context.Context, firm string, order connector.Order) connector.Result
}

var _ Dispatcher = (*Executor)(nil)
