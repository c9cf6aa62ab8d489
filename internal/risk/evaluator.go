// Package risk 实现机构级下单规则校验。
package risk

import (
	"errors"
	"fmt"
	"math"

	"prop-router/internal/config"
	"prop-router/internal/policy"
)

// 规则标识。
const (
	RuleMaxContracts    = "MAX_CONTRACTS"
	RuleAllowedSessions = "ALLOWED_SESSIONS"
	RuleMinStopDistance = "MIN_STOP_DISTANCE"
	RuleException       = "EXCEPTION"
)

// OnErrorStatus 为评估过程出错时的默认结果：拒绝。
const OnErrorStatus = policy.StatusRejected

var errNonFinite = errors.New("risk: 价格或数量不是有限数值")

// Evaluate 依次校验最大手数、交易时段、最小止损距离，首个失败即返回。
// 缺少输入的规则视为不适用。
func Evaluate(firm string, intent policy.Intent, rules config.RiskRules) (result policy.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = onError(firm, fmt.Errorf("risk: 评估异常: %v", r))
		}
	}()

	res, err := evaluate(firm, intent, rules)
	if err != nil {
		return onError(firm, err)
	}
	return res
}

func evaluate(firm string, intent policy.Intent, rules config.RiskRules) (policy.Result, error) {
	if !finite(intent.EntryPrice) || !finite(intent.StopLoss) {
		return policy.Result{}, errNonFinite
	}

	// 记录实际参与校验的输入与阈值，放行时一并写入结果
	checked := map[string]interface{}{}

	if rules.MaxContracts != nil && intent.Quantity != nil {
		checked["quantity"] = *intent.Quantity
		checked["max_contracts"] = *rules.MaxContracts
		if *intent.Quantity > *rules.MaxContracts {
			return policy.Reject(firm, nil, RuleMaxContracts,
				fmt.Sprintf("Quantity %d exceeds %d max contracts", *intent.Quantity, *rules.MaxContracts),
				map[string]interface{}{
					"quantity":      *intent.Quantity,
					"max_contracts": *rules.MaxContracts,
				},
			), nil
		}
	}

	if len(rules.AllowedSessions) > 0 && intent.Session != "" {
		checked["session"] = intent.Session
		checked["allowed_sessions"] = rules.AllowedSessions
		if !policy.ContainsSession(rules.AllowedSessions, intent.Session) {
			return policy.Reject(firm, nil, RuleAllowedSessions,
				fmt.Sprintf("Session %q not in allowed sessions %v", intent.Session, rules.AllowedSessions),
				map[string]interface{}{
					"session":          intent.Session,
					"allowed_sessions": rules.AllowedSessions,
				},
			), nil
		}
	}

	if rules.MinStopDistancePoints != nil {
		if distance, ok := policy.StopDistance(intent.Side(), intent.EntryPrice, intent.StopLoss); ok {
			checked["stop_distance"] = distance
			checked["min_stop_distance_points"] = *rules.MinStopDistancePoints
			if distance < *rules.MinStopDistancePoints {
				return policy.Reject(firm, nil, RuleMinStopDistance,
					fmt.Sprintf("Stop distance %.2f below minimum %.2f points", distance, *rules.MinStopDistancePoints),
					map[string]interface{}{
						"direction":                string(intent.Side()),
						"entry_price":              *intent.EntryPrice,
						"stop_loss":                *intent.StopLoss,
						"stop_distance":            distance,
						"min_stop_distance_points": *rules.MinStopDistancePoints,
					},
				), nil
			}
		}
	}

	res := policy.Approve(firm, nil)
	res.Details = checked
	return res, nil
}

func onError(firm string, err error) policy.Result {
	return policy.Result{
		Firm:    policy.NormalizeFirm(firm),
		Status:  OnErrorStatus,
		Rule:    RuleException,
		Reason:  err.Error(),
		Details: map[string]interface{}{"error": err.Error()},
	}
}

func finite(v *float64) bool {
	return v == nil || (!math.IsNaN(*v) && !math.IsInf(*v, 0))
}
