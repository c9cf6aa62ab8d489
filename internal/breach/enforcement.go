// Package breach 实现账户违规与下单强制校验。该评估器出错时一律拒绝。
package breach

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"prop-router/internal/account"
	"prop-router/internal/config"
	"prop-router/internal/policy"
)

// 违规类型。
const (
	TypePaused           = "paused"
	TypeSession          = "session"
	TypeMaxContracts     = "max_contracts"
	TypeRisk             = "risk"
	TypeDailyLoss        = "daily_loss"
	TypeTrailingDrawdown = "trailing_drawdown"
	TypeAccountDailyLoss = "account_daily_loss"
	TypeAccountTotalLoss = "account_total_loss"
	TypeAccountDrawdown  = "account_drawdown"
	TypeError            = "error"
)

// OnError 为评估出错时的默认决定。
var OnError = Decision{Allowed: false, BreachType: TypeError}

var errNonFinite = errors.New("breach: 输入不是有限数值")

// Order 为强制校验所需的订单字段。
type Order struct {
	Session  string   `json:"session,omitempty"`
	Quantity *int     `json:"quantity,omitempty"`
	Entry    *float64 `json:"entry_price,omitempty"`
	Stop     *float64 `json:"stop_loss,omitempty"`
}

// Decision 为强制校验结论。
type Decision struct {
	Allowed    bool                   `json:"allowed"`
	Reason     string                 `json:"reason,omitempty"`
	BreachType string                 `json:"breach_type,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(breachType, reason string, details map[string]interface{}) Decision {
	return Decision{Allowed: false, Reason: reason, BreachType: breachType, Details: details}
}

// CheckOrderEnforcement 按 暂停、时段、手数、单笔风险、日亏损、移动回撤 的顺序校验，
// 首个失败即返回，输入不全的项跳过。
func CheckOrderEnforcement(meta config.ProgramMetadata, state account.State, order Order, tickValue float64) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			decision = onError(fmt.Errorf("breach: 校验异常: %v", r))
		}
	}()

	d, err := checkOrder(meta, state, order, tickValue)
	if err != nil {
		return onError(err)
	}
	return d
}

func checkOrder(meta config.ProgramMetadata, state account.State, order Order, tickValue float64) (Decision, error) {
	for _, v := range []*float64{order.Entry, order.Stop, state.Equity, state.StartingBalance, state.PeakEquity,
		meta.DailyLossLimit, meta.MaxDrawdown, meta.MaxRiskPerTradePct} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return Decision{}, errNonFinite
		}
	}

	if state.IsPaused() {
		return deny(TypePaused, "Account is paused", map[string]interface{}{"paused": true}), nil
	}

	if len(meta.AllowedSessions) > 0 && order.Session != "" {
		if !policy.ContainsSession(meta.AllowedSessions, order.Session) {
			return deny(TypeSession,
				fmt.Sprintf("Session %q not allowed for program", order.Session),
				map[string]interface{}{
					"session":          order.Session,
					"allowed_sessions": meta.AllowedSessions,
				}), nil
		}
	}

	if meta.MaxContracts != nil && order.Quantity != nil && *order.Quantity > *meta.MaxContracts {
		return deny(TypeMaxContracts,
			fmt.Sprintf("Quantity %d exceeds program max %d", *order.Quantity, *meta.MaxContracts),
			map[string]interface{}{
				"quantity":      *order.Quantity,
				"max_contracts": *meta.MaxContracts,
			}), nil
	}

	if meta.MaxRiskPerTradePct != nil && state.Equity != nil && order.Entry != nil && order.Stop != nil &&
		order.Quantity != nil && tickValue > 0 {
		risk := decimal.NewFromFloat(*order.Entry).Sub(decimal.NewFromFloat(*order.Stop)).Abs().
			Mul(decimal.NewFromFloat(tickValue)).
			Mul(decimal.NewFromInt(int64(*order.Quantity)))
		limit := decimal.NewFromFloat(*state.Equity).Mul(decimal.NewFromFloat(*meta.MaxRiskPerTradePct))
		if risk.GreaterThan(limit) {
			return deny(TypeRisk,
				fmt.Sprintf("Trade risk %s exceeds limit %s", risk.StringFixed(2), limit.StringFixed(2)),
				map[string]interface{}{
					"trade_risk":             risk.InexactFloat64(),
					"risk_limit":             limit.InexactFloat64(),
					"tick_value":             tickValue,
					"contracts":              *order.Quantity,
					"equity":                 *state.Equity,
					"max_risk_per_trade_pct": *meta.MaxRiskPerTradePct,
				}), nil
		}
	}

	if meta.DailyLossLimit != nil && state.Equity != nil && state.StartingBalance != nil {
		floor := decimal.NewFromFloat(*state.StartingBalance).Sub(decimal.NewFromFloat(*meta.DailyLossLimit))
		if decimal.NewFromFloat(*state.Equity).LessThanOrEqual(floor) {
			return deny(TypeDailyLoss,
				fmt.Sprintf("Equity %.2f at or below daily loss floor %s", *state.Equity, floor.StringFixed(2)),
				map[string]interface{}{
					"equity":           *state.Equity,
					"starting_balance": *state.StartingBalance,
					"daily_loss_limit": *meta.DailyLossLimit,
					"floor":            floor.InexactFloat64(),
				}), nil
		}
	}

	if meta.MaxDrawdown != nil && state.Equity != nil && state.PeakEquity != nil {
		floor := decimal.NewFromFloat(*state.PeakEquity).Sub(decimal.NewFromFloat(*meta.MaxDrawdown))
		if decimal.NewFromFloat(*state.Equity).LessThanOrEqual(floor) {
			return deny(TypeTrailingDrawdown,
				fmt.Sprintf("Equity %.2f at or below trailing drawdown floor %s", *state.Equity, floor.StringFixed(2)),
				map[string]interface{}{
					"equity":       *state.Equity,
					"peak_equity":  *state.PeakEquity,
					"max_drawdown": *meta.MaxDrawdown,
					"floor":        floor.InexactFloat64(),
				}), nil
		}
	}

	return allow(), nil
}

// CheckAccountBreach 校验账户计划级亏损阈值，缺少输入的项跳过。
func CheckAccountBreach(rules config.BreachRules, state account.State) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			decision = onError(fmt.Errorf("breach: 校验异常: %v", r))
		}
	}()

	if rules.MaxDailyLoss != nil && state.DayPnL != nil {
		if decimal.NewFromFloat(*state.DayPnL).LessThanOrEqual(decimal.NewFromFloat(*rules.MaxDailyLoss).Neg()) {
			return deny(TypeAccountDailyLoss,
				fmt.Sprintf("Day P/L %.2f breaches max daily loss %.2f", *state.DayPnL, *rules.MaxDailyLoss),
				map[string]interface{}{
					"day_pnl":        *state.DayPnL,
					"max_daily_loss": *rules.MaxDailyLoss,
				})
		}
	}

	if rules.MaxTotalLoss != nil && state.TotalPnL != nil {
		if decimal.NewFromFloat(*state.TotalPnL).LessThanOrEqual(decimal.NewFromFloat(*rules.MaxTotalLoss).Neg()) {
			return deny(TypeAccountTotalLoss,
				fmt.Sprintf("Total P/L %.2f breaches max total loss %.2f", *state.TotalPnL, *rules.MaxTotalLoss),
				map[string]interface{}{
					"total_pnl":      *state.TotalPnL,
					"max_total_loss": *rules.MaxTotalLoss,
				})
		}
	}

	if rules.MaxDrawdown != nil && state.Drawdown != nil {
		if decimal.NewFromFloat(*state.Drawdown).GreaterThanOrEqual(decimal.NewFromFloat(*rules.MaxDrawdown)) {
			return deny(TypeAccountDrawdown,
				fmt.Sprintf("Drawdown %.2f breaches max drawdown %.2f", *state.Drawdown, *rules.MaxDrawdown),
				map[string]interface{}{
					"drawdown":     *state.Drawdown,
					"max_drawdown": *rules.MaxDrawdown,
				})
		}
	}

	return allow()
}

// Input 汇总一次 (机构, 计划) 评估所需的全部输入。
type Input struct {
	Metadata  config.ProgramMetadata
	Rules     config.BreachRules
	State     account.State
	Order     Order
	TickValue float64
}

// Evaluate 先执行下单强制校验，通过后再校验账户亏损阈值，结果转换为统一的评估结构。
func Evaluate(firm string, program int64, in Input) policy.Result {
	d := CheckOrderEnforcement(in.Metadata, in.State, in.Order, in.TickValue)
	if d.Allowed {
		d = CheckAccountBreach(in.Rules, in.State)
	}
	if d.Allowed {
		d.Details = map[string]interface{}{
			"metadata":   in.Metadata,
			"rules":      in.Rules,
			"state":      in.State,
			"order":      in.Order,
			"tick_value": in.TickValue,
		}
	}
	return toResult(firm, program, d)
}

// Failed 将评估前的外部错误（如元数据读取失败）按出错默认值转换为拒绝结果。
func Failed(firm string, program int64, err error) policy.Result {
	return toResult(firm, program, onError(err))
}

func toResult(firm string, program int64, d Decision) policy.Result {
	prog := policy.ProgramRef(program)
	details := d.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	details["allowed"] = d.Allowed
	if d.Allowed {
		res := policy.Approve(firm, prog)
		res.Details = details
		return res
	}
	return policy.Reject(firm, prog, d.BreachType, d.Reason, details)
}

func onError(err error) Decision {
	d := OnError
	d.Reason = err.Error()
	return d
}
