// Package account 维护各机构账户计划的实时指标。
package account

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// 数据来源标记。
const (
	SourceEnv    = "env"
	SourceCCXT   = "ccxt"
	SourceManual = "manual"
)

// State 为单个 (机构, 计划) 的账户指标，未提供的字段保持为 nil。
type State struct {
	Equity          *float64   `json:"equity,omitempty"`
	Balance         *float64   `json:"balance,omitempty"`
	DayPnL          *float64   `json:"day_pnl,omitempty"`
	TotalPnL        *float64   `json:"total_pnl,omitempty"`
	Drawdown        *float64   `json:"drawdown,omitempty"`
	PeakEquity      *float64   `json:"peak_equity,omitempty"`
	StartingBalance *float64   `json:"starting_balance,omitempty"`
	Paused          *bool      `json:"paused,omitempty"`
	LastUpdate      *time.Time `json:"last_update,omitempty"`
	Source          string     `json:"source,omitempty"`
}

// IsEmpty 判断是否从未提供过任何指标。
func (s State) IsEmpty() bool {
	return s.Equity == nil && s.Balance == nil && s.DayPnL == nil && s.TotalPnL == nil &&
		s.Drawdown == nil && s.PeakEquity == nil && s.StartingBalance == nil &&
		s.Paused == nil && s.LastUpdate == nil && s.Source == ""
}

// IsPaused 判断账户是否被暂停。
func (s State) IsPaused() bool {
	return s.Paused != nil && *s.Paused
}

// Clone 返回深拷贝。
func (s State) Clone() State {
	return State{
		Equity:          cloneFloat(s.Equity),
		Balance:         cloneFloat(s.Balance),
		DayPnL:          cloneFloat(s.DayPnL),
		TotalPnL:        cloneFloat(s.TotalPnL),
		Drawdown:        cloneFloat(s.Drawdown),
		PeakEquity:      cloneFloat(s.PeakEquity),
		StartingBalance: cloneFloat(s.StartingBalance),
		Paused:          cloneBool(s.Paused),
		LastUpdate:      cloneTime(s.LastUpdate),
		Source:          s.Source,
	}
}

// merge 以 src 中已设置的字段覆盖 s。
func (s *State) merge(src State) {
	if src.Equity != nil {
		s.Equity = cloneFloat(src.Equity)
	}
	if src.Balance != nil {
		s.Balance = cloneFloat(src.Balance)
	}
	if src.DayPnL != nil {
		s.DayPnL = cloneFloat(src.DayPnL)
	}
	if src.TotalPnL != nil {
		s.TotalPnL = cloneFloat(src.TotalPnL)
	}
	if src.Drawdown != nil {
		s.Drawdown = cloneFloat(src.Drawdown)
	}
	if src.PeakEquity != nil {
		s.PeakEquity = cloneFloat(src.PeakEquity)
	}
	if src.StartingBalance != nil {
		s.StartingBalance = cloneFloat(src.StartingBalance)
	}
	if src.Paused != nil {
		s.Paused = cloneBool(src.Paused)
	}
	if src.LastUpdate != nil {
		s.LastUpdate = cloneTime(src.LastUpdate)
	}
	if src.Source != "" {
		s.Source = src.Source
	}
}

// numericFields 列出可按名称设置的数值字段，键同时作为环境变量后缀。
var numericFields = map[string]func(*State) **float64{
	"equity":           func(s *State) **float64 { return &s.Equity },
	"balance":          func(s *State) **float64 { return &s.Balance },
	"day_pnl":          func(s *State) **float64 { return &s.DayPnL },
	"total_pnl":        func(s *State) **float64 { return &s.TotalPnL },
	"drawdown":         func(s *State) **float64 { return &s.Drawdown },
	"peak_equity":      func(s *State) **float64 { return &s.PeakEquity },
	"starting_balance": func(s *State) **float64 { return &s.StartingBalance },
}

// envFields 为环境变量导入顺序。
var envFields = []string{"equity", "balance", "day_pnl", "total_pnl", "drawdown", "peak_equity", "starting_balance"}

func (s *State) set(key string, value interface{}) error {
	key = strings.ToLower(strings.TrimSpace(key))
	switch key {
	case "paused":
		b, err := cast.ToBoolE(value)
		if err != nil {
			return fmt.Errorf("account: paused 取值无效: %w", err)
		}
		s.Paused = &b
		return nil
	case "source":
		s.Source = cast.ToString(value)
		return nil
	}

	field, ok := numericFields[key]
	if !ok {
		return fmt.Errorf("account: 未知字段 %q", key)
	}
	if value == nil {
		*field(s) = nil
		return nil
	}
	f, err := cast.ToFloat64E(value)
	if err != nil {
		return fmt.Errorf("account: 字段 %s 取值无效: %w", key, err)
	}
	*field(s) = &f
	return nil
}

func key(firm string, program int64) string {
	return strings.ToUpper(strings.TrimSpace(firm)) + "|" + strconv.FormatInt(program, 10)
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
