package account

import (
	"context"
	"fmt"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// BalanceFetcher 为可查询账户余额的交易所客户端。
type BalanceFetcher interface {
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
}

// Target 为一个需要同步余额的账户计划。
type Target struct {
	Firm    string
	Program int64
	Client  BalanceFetcher
}

// BalanceSyncer 定期拉取交易所余额并写入账户状态。
type BalanceSyncer struct {
	store   *Store
	targets []Target
	logger  *zap.Logger
}

// NewBalanceSyncer 创建余额同步器。
func NewBalanceSyncer(store *Store, targets []Target, logger *zap.Logger) *BalanceSyncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BalanceSyncer{
		store:   store,
		targets: targets,
		logger:  logger,
	}
}

// Run 按固定间隔同步，直到 ctx 结束。
func (s *BalanceSyncer) Run(ctx context.Context, interval time.Duration) error {
	if len(s.targets) == 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}

	s.syncAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.syncAll(ctx)
		}
	}
}

func (s *BalanceSyncer) syncAll(ctx context.Context) {
	for _, t := range s.targets {
		if ctx.Err() != nil {
			return
		}
		if err := s.Sync(t); err != nil {
			s.logger.Warn("账户余额同步失败",
				zap.String("firm", t.Firm),
				zap.Int64("program", t.Program),
				zap.Error(err),
			)
		}
	}
}

// Sync 拉取单个账户余额，只写入实际取到的字段。
func (s *BalanceSyncer) Sync(t Target) error {
	if t.Client == nil {
		return fmt.Errorf("account: %s 未配置余额客户端", t.Firm)
	}

	balances, err := t.Client.FetchBalance()
	if err != nil {
		return fmt.Errorf("account: 获取账户余额失败: %w", err)
	}

	metrics := extractBalances(balances)
	if metrics.IsEmpty() {
		s.logger.Debug("余额响应中无可用字段", zap.String("firm", t.Firm))
		return nil
	}
	metrics.Source = SourceCCXT
	s.store.Update(t.Firm, t.Program, metrics)

	s.logger.Debug("账户余额已同步",
		zap.String("firm", t.Firm),
		zap.Int64("program", t.Program),
	)
	return nil
}

var stableCodes = []string{"USDC", "USD", "USDT"}

func extractBalances(balances ccxt.Balances) State {
	var st State

	if balances.Total != nil {
		for _, code := range stableCodes {
			if total, ok := balances.Total[code]; ok && total != nil {
				v := *total
				st.Balance = &v
				break
			}
		}
	}

	if balances.Info != nil {
		if summary, ok := balances.Info["marginSummary"].(map[string]interface{}); ok {
			if v, ok := parseNumeric(summary["accountValue"]); ok {
				st.Equity = &v
			}
		}
		if st.Equity == nil {
			if v, ok := parseNumeric(balances.Info["totalMarginBalance"]); ok {
				st.Equity = &v
			}
		}
	}

	if st.Equity == nil && st.Balance != nil {
		v := *st.Balance
		st.Equity = &v
	}
	return st
}

func parseNumeric(value interface{}) (float64, bool) {
	if value == nil {
		return 0, false
	}
	if s, ok := value.(string); ok {
		if strings.TrimSpace(s) == "" {
			return 0, false
		}
		value = strings.TrimSpace(s)
	}
	f, err := cast.ToFloat64E(value)
	if err != nil {
		return 0, false
	}
	return f, true
}
