// Package sizing 按账户计划的风险参数校验或计算下单手数。
package sizing

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"prop-router/internal/config"
	"prop-router/internal/policy"
)

// 规则标识。
const (
	RuleMaxRiskPercent  = "MAX_RISK_PERCENT"
	RuleAboveMax        = "ABOVE_MAX_CONTRACTS"
	RuleBelowMin        = "BELOW_MIN_CONTRACTS"
	RuleInvalidQuantity = "INVALID_QUANTITY"
	RuleException       = "EXCEPTION"
)

// OnErrorStatus 为计算出错时的默认结果：放行并沿用调用方手数。
const OnErrorStatus = policy.StatusApproved

var errNonFinite = errors.New("sizing: 输入不是有限数值")

// Input 为单次仓位计算的输入。
type Input struct {
	Direction         policy.Direction
	Entry             *float64
	Stop              *float64
	Quantity          *int
	RiskPercent       *float64
	DefaultPointValue float64
}

// Result 为仓位评估结果，Quantity 为最终放行的手数。
type Result struct {
	policy.Result
	Quantity *int `json:"quantity,omitempty"`
	AutoSize bool `json:"auto_sized"`
}

// ComputeSize 校验调用方给定的手数，或在未给定时按风险比例计算手数。
// 计算值超过上限时向下截断，低于下限时拒绝，从不向上放大。
func ComputeSize(firm string, program int64, rules config.ScalingRules, in Input) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = onError(firm, program, in, fmt.Errorf("sizing: 计算异常: %v", r))
		}
	}()

	res, err := computeSize(firm, program, rules, in)
	if err != nil {
		return onError(firm, program, in, err)
	}
	return res
}

func computeSize(firm string, program int64, rules config.ScalingRules, in Input) (Result, error) {
	prog := policy.ProgramRef(program)

	for _, v := range []*float64{in.Entry, in.Stop, in.RiskPercent, rules.AccountSize, rules.PointValue} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return Result{}, errNonFinite
		}
	}

	if rules.AccountSize == nil || *rules.AccountSize <= 0 {
		res := approve(firm, prog, in.Quantity, false)
		res.Reason = "account size unknown, quantity passed through"
		return res, nil
	}

	if in.RiskPercent != nil && rules.MaxRiskPercent != nil && *in.RiskPercent > *rules.MaxRiskPercent {
		return reject(firm, prog, RuleMaxRiskPercent,
			fmt.Sprintf("Risk percent %g exceeds max %g", *in.RiskPercent, *rules.MaxRiskPercent),
			map[string]interface{}{
				"risk_percent":     *in.RiskPercent,
				"max_risk_percent": *rules.MaxRiskPercent,
			},
		), nil
	}

	if in.Quantity != nil {
		return validateExplicit(firm, prog, rules, *in.Quantity), nil
	}

	distance, ok := policy.StopDistance(in.Direction, in.Entry, in.Stop)
	if in.RiskPercent == nil || *in.RiskPercent <= 0 || !ok || distance <= 0 {
		res := approve(firm, prog, in.Quantity, false)
		res.Reason = "risk percent or stop distance unusable, auto-sizing skipped"
		return res, nil
	}

	pointValue := in.DefaultPointValue
	if rules.PointValue != nil {
		pointValue = *rules.PointValue
	}
	if pointValue <= 0 {
		res := approve(firm, prog, in.Quantity, false)
		res.Reason = "point value unusable, auto-sizing skipped"
		return res, nil
	}

	riskAmount := decimal.NewFromFloat(*rules.AccountSize).Mul(decimal.NewFromFloat(*in.RiskPercent))
	perContract := decimal.NewFromFloat(distance).Mul(decimal.NewFromFloat(pointValue))
	computed := riskAmount.Div(perContract).Floor().IntPart()

	details := map[string]interface{}{
		"account_size":  *rules.AccountSize,
		"risk_percent":  *in.RiskPercent,
		"stop_distance": distance,
		"point_value":   pointValue,
		"risk_amount":   riskAmount.InexactFloat64(),
		"computed":      computed,
	}

	if computed <= 0 {
		return reject(firm, prog, RuleInvalidQuantity,
			fmt.Sprintf("Computed quantity %d is invalid", computed), details), nil
	}

	qty := int(computed)
	if rules.MaxContracts != nil && qty > *rules.MaxContracts {
		details["clamped_from"] = qty
		details["max_contracts"] = *rules.MaxContracts
		qty = *rules.MaxContracts
	}
	if rules.MinContracts != nil && qty < *rules.MinContracts {
		details["min_contracts"] = *rules.MinContracts
		return reject(firm, prog, RuleBelowMin,
			fmt.Sprintf("Computed quantity %d too small, minimum %d", qty, *rules.MinContracts), details), nil
	}

	res := approve(firm, prog, &qty, true)
	res.Details = details
	return res, nil
}

func validateExplicit(firm string, prog *int64, rules config.ScalingRules, qty int) Result {
	details := map[string]interface{}{"quantity": qty}
	if rules.MaxContracts != nil {
		details["max_contracts"] = *rules.MaxContracts
		if qty > *rules.MaxContracts {
			return reject(firm, prog, RuleAboveMax,
				fmt.Sprintf("Quantity %d exceeds max %d", qty, *rules.MaxContracts), details)
		}
	}
	if rules.MinContracts != nil {
		details["min_contracts"] = *rules.MinContracts
		if qty < *rules.MinContracts {
			return reject(firm, prog, RuleBelowMin,
				fmt.Sprintf("Quantity %d below min %d", qty, *rules.MinContracts), details)
		}
	}
	res := approve(firm, prog, &qty, false)
	res.Details = details
	return res
}

func approve(firm string, prog *int64, qty *int, auto bool) Result {
	var q *int
	if qty != nil {
		v := *qty
		q = &v
	}
	return Result{Result: policy.Approve(firm, prog), Quantity: q, AutoSize: auto}
}

func reject(firm string, prog *int64, rule, reason string, details map[string]interface{}) Result {
	return Result{Result: policy.Reject(firm, prog, rule, reason, details)}
}

func onError(firm string, program int64, in Input, err error) Result {
	res := approve(firm, policy.ProgramRef(program), in.Quantity, false)
	res.Status = OnErrorStatus
	res.Rule = RuleException
	res.Reason = err.Error()
	return res
}
