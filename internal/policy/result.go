// Package policy 定义各风控评估器共享的结果结构与订单意图。
package policy

import "strings"

// Status 表示单个评估结果。
type Status string

const (
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Result 为评估器输出，仅在审计日志中持久化。
type Result struct {
	Firm    string                 `json:"firm"`
	Program *int64                 `json:"program_id,omitempty"`
	Status  Status                 `json:"status"`
	Rule    string                 `json:"rule,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Approved 判断是否放行。
func (r Result) Approved() bool {
	return r.Status == StatusApproved
}

// Approve 构造放行结果。
func Approve(firm string, program *int64) Result {
	return Result{Firm: NormalizeFirm(firm), Program: program, Status: StatusApproved}
}

// Reject 构造拒绝结果。
func Reject(firm string, program *int64, rule, reason string, details map[string]interface{}) Result {
	return Result{
		Firm:    NormalizeFirm(firm),
		Program: program,
		Status:  StatusRejected,
		Rule:    rule,
		Reason:  reason,
		Details: details,
	}
}

// NormalizeFirm 统一机构代码大小写。
func NormalizeFirm(firm string) string {
	return strings.ToUpper(strings.TrimSpace(firm))
}

// ProgramRef 返回 program 的指针副本。
func ProgramRef(program int64) *int64 {
	return &program
}

// ContainsSession 判断 session 是否在允许列表中，忽略大小写与首尾空白。
func ContainsSession(allowed []string, session string) bool {
	session = strings.TrimSpace(session)
	for _, s := range allowed {
		if strings.EqualFold(strings.TrimSpace(s), session) {
			return true
		}
	}
	return false
}
