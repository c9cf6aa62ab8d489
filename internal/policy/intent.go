package policy

import "strings"

// Direction 为归一化后的方向。
type Direction string

const (
	DirectionLong    Direction = "LONG"
	DirectionShort   Direction = "SHORT"
	DirectionUnknown Direction = ""
)

// Intent 为上游生产者写入任务的下单意图。
type Intent struct {
	Direction   string   `json:"direction"`
	EntryPrice  *float64 `json:"entry_price,omitempty"`
	StopLoss    *float64 `json:"stop_loss,omitempty"`
	Session     string   `json:"session,omitempty"`
	Symbol      string   `json:"symbol,omitempty"`
	Quantity    *int     `json:"quantity,omitempty"`
	RiskPercent *float64 `json:"risk_percent,omitempty"`
	Firms       []string `json:"firms,omitempty"`
	Programs    []int64  `json:"programs,omitempty"`
}

// Side 解析方向标签。
func (i Intent) Side() Direction {
	return ParseDirection(i.Direction)
}

// ParseDirection 将 LONG/BUY 等标签归一化。
func ParseDirection(tag string) Direction {
	switch strings.ToUpper(strings.TrimSpace(tag)) {
	case "LONG", "BUY", "BULL", "BULLISH", "CALL":
		return DirectionLong
	case "SHORT", "SELL", "BEAR", "BEARISH", "PUT":
		return DirectionShort
	default:
		return DirectionUnknown
	}
}

// StopDistance 计算方向性止损距离：多头为 entry-stop，空头为 stop-entry。
// 方向未知或价格缺失时 ok 为 false。
func StopDistance(direction Direction, entry, stop *float64) (float64, bool) {
	if entry == nil || stop == nil {
		return 0, false
	}
	switch direction {
	case DirectionLong:
		return *entry - *stop, true
	case DirectionShort:
		return *stop - *entry, true
	default:
		return 0, false
	}
}

// FirmCodes 返回去重并大写后的目标机构，保持原有顺序。
func (i Intent) FirmCodes() []string {
	seen := make(map[string]struct{}, len(i.Firms))
	out := make([]string, 0, len(i.Firms))
	for _, f := range i.Firms {
		code := NormalizeFirm(f)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}
