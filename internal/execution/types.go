package execution

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"prop-router/internal/connector"
	"prop-router/internal/policy"
)

var (
	errUnknownSide     = errors.New("execution: 无法识别的方向")
	errMissingQuantity = errors.New("execution: 缺少下单手数")
)

// clientOrderNamespace 用于生成确定性的客户端订单号。
var clientOrderNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("prop-router/client-order"))

// Plan 描述单个机构的一次派发。
type Plan struct {
	TaskID   int64
	Firm     string
	Intent   policy.Intent
	Quantity *int
	Program  *int64
}

// BuildOrder 根据下单意图生成归一化订单：方向决定买卖，仓位评估给出的手数优先于任务手数。
func BuildOrder(plan Plan) (connector.Order, error) {
	var side string
	switch plan.Intent.Side() {
	case policy.DirectionLong:
		side = connector.SideBuy
	case policy.DirectionShort:
		side = connector.SideSell
	default:
		return connector.Order{}, fmt.Errorf("%w: %q", errUnknownSide, plan.Intent.Direction)
	}

	qty := plan.Quantity
	if qty == nil {
		qty = plan.Intent.Quantity
	}
	if qty == nil {
		return connector.Order{}, errMissingQuantity
	}
	if *qty <= 0 {
		return connector.Order{}, fmt.Errorf("execution: 下单手数无效 quantity=%d", *qty)
	}

	orderType := connector.TypeMarket
	if plan.Intent.EntryPrice != nil {
		orderType = connector.TypeLimit
	}

	firm := strings.ToUpper(strings.TrimSpace(plan.Firm))
	return connector.Order{
		ClientOrderID: ClientOrderID(plan.TaskID, firm),
		TaskID:        plan.TaskID,
		Firm:          firm,
		Program:       plan.Program,
		Symbol:        plan.Intent.Symbol,
		Side:          side,
		Type:          orderType,
		Quantity:      *qty,
		EntryPrice:    plan.Intent.EntryPrice,
		StopLoss:      plan.Intent.StopLoss,
		Session:       plan.Intent.Session,
	}, nil
}

// ClientOrderID 对同一任务与机构始终返回相同的订单号，重试与重复处理不会产生重复委托。
func ClientOrderID(taskID int64, firm string) string {
	name := fmt.Sprintf("%d:%s", taskID, strings.ToUpper(strings.TrimSpace(firm)))
	return uuid.NewSHA1(clientOrderNamespace, []byte(name)).String()
}
