package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Lookup 按名称读取单个环境变量。
type Lookup func(key string) (string, bool)

// 连接器类型。
const (
	ConnectorREST = "rest"
	ConnectorCCXT = "ccxt"
)

// FirmConfig 描述单个机构的启用状态与凭证。
type FirmConfig struct {
	Code      string `json:"code"`
	Enabled   bool   `json:"enabled"`
	APIKey    string `json:"-"`
	APISecret string `json:"-"`
	BaseURL   string `json:"base_url,omitempty"`
	Connector string `json:"connector,omitempty"`
	Exchange  string `json:"exchange,omitempty"`
	Market    string `json:"market,omitempty"`
	Sandbox   bool   `json:"sandbox,omitempty"`
}

// RiskRules 为机构级下单规则，字段为空表示该规则不适用。
type RiskRules struct {
	MaxContracts          *int     `json:"max_contracts,omitempty"`
	MinStopDistancePoints *float64 `json:"min_stop_distance_points,omitempty"`
	AllowedSessions       []string `json:"allowed_sessions,omitempty"`
}

// ScalingRules 为账户计划级仓位规则。百分比字段均为小数（0.01 即 1%）。
type ScalingRules struct {
	AccountSize    *float64 `json:"account_size,omitempty"`
	MaxContracts   *int     `json:"max_contracts,omitempty"`
	MinContracts   *int     `json:"min_contracts,omitempty"`
	MaxRiskPercent *float64 `json:"max_risk_percent,omitempty"`
	PointValue     *float64 `json:"point_value,omitempty"`
}

// BreachRules 为账户计划级违规阈值。
type BreachRules struct {
	MaxDailyLoss *float64 `json:"max_daily_loss,omitempty"`
	MaxTotalLoss *float64 `json:"max_total_loss,omitempty"`
	MaxDrawdown  *float64 `json:"max_drawdown,omitempty"`
}

// Empty 判断是否未配置任何阈值。
func (r BreachRules) Empty() bool {
	return r.MaxDailyLoss == nil && r.MaxTotalLoss == nil && r.MaxDrawdown == nil
}

// ProgramMetadata 为合并后的账户计划元数据。
type ProgramMetadata struct {
	DailyLossLimit     *float64 `json:"daily_loss_limit,omitempty"`
	MaxDrawdown        *float64 `json:"max_drawdown,omitempty"`
	MaxContracts       *int     `json:"max_contracts,omitempty"`
	MaxRiskPerTradePct *float64 `json:"max_risk_per_trade_pct,omitempty"`
	AllowedSessions    []string `json:"allowed_sessions,omitempty"`
}

// Overlay 返回以 over 中已设置字段覆盖 m 的结果。
func (m ProgramMetadata) Overlay(over ProgramMetadata) ProgramMetadata {
	out := m
	if over.DailyLossLimit != nil {
		out.DailyLossLimit = over.DailyLossLimit
	}
	if over.MaxDrawdown != nil {
		out.MaxDrawdown = over.MaxDrawdown
	}
	if over.MaxContracts != nil {
		out.MaxContracts = over.MaxContracts
	}
	if over.MaxRiskPerTradePct != nil {
		out.MaxRiskPerTradePct = over.MaxRiskPerTradePct
	}
	if len(over.AllowedSessions) > 0 {
		out.AllowedSessions = over.AllowedSessions
	}
	return out
}

// PolicySource 从环境变量读取机构与账户计划的策略配置。
type PolicySource struct {
	lookup Lookup
}

// NewPolicySource 创建策略配置源，lookup 为空时读取进程环境变量。
func NewPolicySource(lookup Lookup) *PolicySource {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &PolicySource{lookup: lookup}
}

// MapLookup 将固定键值对包装为 Lookup。
func MapLookup(values map[string]string) Lookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

// Lookup 返回底层读取函数。
func (s *PolicySource) Lookup() Lookup {
	return s.lookup
}

// Firm 读取机构启用状态、凭证与连接器类型。
func (s *PolicySource) Firm(code string) FirmConfig {
	firm := strings.ToUpper(strings.TrimSpace(code))
	cfg := FirmConfig{
		Code:      firm,
		Enabled:   s.boolValue(EnvKey(firm, "ENABLED")),
		APIKey:    s.stringValue(EnvKey(firm, "API_KEY")),
		APISecret: s.stringValue(EnvKey(firm, "API_SECRET")),
		BaseURL:   s.stringValue(EnvKey(firm, "BASE_URL")),
		Connector: strings.ToLower(s.stringValue(EnvKey(firm, "CONNECTOR"))),
		Exchange:  strings.ToLower(s.stringValue(EnvKey(firm, "CCXT_EXCHANGE"))),
		Market:    s.stringValue(EnvKey(firm, "MARKET")),
		Sandbox:   s.boolValue(EnvKey(firm, "SANDBOX")),
	}
	if cfg.Connector == "" {
		cfg.Connector = ConnectorREST
	}
	return cfg
}

// RiskRules 读取机构级风控规则。
func (s *PolicySource) RiskRules(firm string) RiskRules {
	return RiskRules{
		MaxContracts:          s.intValue(EnvKey(firm, "MAX_CONTRACTS")),
		MinStopDistancePoints: s.floatValue(EnvKey(firm, "MIN_STOP_DISTANCE_POINTS")),
		AllowedSessions:       s.listValue(EnvKey(firm, "ALLOWED_SESSIONS")),
	}
}

// ScalingRules 读取账户计划级仓位规则。
func (s *PolicySource) ScalingRules(firm string, program int64) ScalingRules {
	prefix := EnvKey(firm, programKey(program))
	return ScalingRules{
		AccountSize:    s.floatValue(prefix + "_ACCOUNT_SIZE"),
		MaxContracts:   s.intValue(prefix + "_SCALING_MAX_CONTRACTS"),
		MinContracts:   s.intValue(prefix + "_SCALING_MIN_CONTRACTS"),
		MaxRiskPercent: s.floatValue(prefix + "_MAX_RISK_PERCENT"),
		PointValue:     s.floatValue(prefix + "_POINT_VALUE"),
	}
}

// BreachRules 读取账户计划级违规阈值。
func (s *PolicySource) BreachRules(firm string, program int64) BreachRules {
	prefix := EnvKey(firm, programKey(program))
	return BreachRules{
		MaxDailyLoss: s.floatValue(prefix + "_MAX_DAILY_LOSS"),
		MaxTotalLoss: s.floatValue(prefix + "_MAX_TOTAL_LOSS"),
		MaxDrawdown:  s.floatValue(prefix + "_MAX_DRAWDOWN"),
	}
}

// ProgramMetadata 按 数据库行 → 机构级环境变量 → 计划级环境变量 的顺序逐层覆盖。
func (s *PolicySource) ProgramMetadata(firm string, program int64, row ProgramMetadata) ProgramMetadata {
	firmLevel := s.metadataAt(EnvKey(firm, "PROGRAM"))
	programLevel := s.metadataAt(EnvKey(firm, "PROGRAM", programKey(program)))
	return row.Overlay(firmLevel).Overlay(programLevel)
}

func (s *PolicySource) metadataAt(prefix string) ProgramMetadata {
	return ProgramMetadata{
		DailyLossLimit:     s.floatValue(prefix + "_DAILY_LOSS_LIMIT"),
		MaxDrawdown:        s.floatValue(prefix + "_MAX_DRAWDOWN"),
		MaxContracts:       s.intValue(prefix + "_MAX_CONTRACTS"),
		MaxRiskPerTradePct: s.floatValue(prefix + "_MAX_RISK_PER_TRADE_PCT"),
		AllowedSessions:    s.listValue(prefix + "_ALLOWED_SESSIONS"),
	}
}

func (s *PolicySource) raw(key string) (string, bool) {
	v, ok := s.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (s *PolicySource) stringValue(key string) string {
	v, _ := s.raw(key)
	return v
}

func (s *PolicySource) boolValue(key string) bool {
	v, ok := s.raw(key)
	if !ok {
		return false
	}
	b, err := cast.ToBoolE(strings.ToLower(v))
	if err != nil {
		return false
	}
	return b
}

func (s *PolicySource) floatValue(key string) *float64 {
	v, ok := s.raw(key)
	if !ok {
		return nil
	}
	return ParseFloat(v)
}

func (s *PolicySource) intValue(key string) *int {
	v, ok := s.raw(key)
	if !ok {
		return nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return &n
	}
	f := ParseFloat(v)
	if f == nil || *f != float64(int(*f)) {
		return nil
	}
	n := int(*f)
	return &n
}

func (s *PolicySource) listValue(key string) []string {
	v, ok := s.raw(key)
	if !ok {
		return nil
	}
	return SplitList(v)
}

// ParseFloat 解析数字，无法解析时返回 nil。
func ParseFloat(v string) *float64 {
	f, err := cast.ToFloat64E(strings.TrimSpace(v))
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// SplitList 按逗号拆分并去除空白项。
func SplitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// EnvKey 将各段拼接为大写、下划线分隔的环境变量名。
func EnvKey(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		p = strings.Map(func(r rune) rune {
			if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
				return r
			}
			return '_'
		}, p)
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "_")
}

func programKey(program int64) string {
	return strconv.FormatInt(program, 10)
}

func parseProgramID(v string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("program id 无效: %w", err)
	}
	return id, nil
}
