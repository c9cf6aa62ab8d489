//go:build integration
// +build integration

package execution

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"prop-router/internal/config"
	"prop-router/internal/connector"
	"prop-router/internal/policy"
)

// 通过环境变量指定沙盒机构，例如:
//
//	ROUTER_IT_FIRM=HL HL_ENABLED=true HL_CONNECTOR=ccxt HL_CCXT_EXCHANGE=hyperliquid \
//	HL_SANDBOX=true HL_API_KEY=0x... HL_API_SECRET=0x... HL_MARKET=BTC/USDC:USDC
func TestExecutorIntegration_SandboxDispatch(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("integration test panic: %v", r)
		}
	}()

	firm := os.Getenv("ROUTER_IT_FIRM")
	if firm == "" {
		t.Skip("未设置 ROUTER_IT_FIRM，跳过集成测试")
	}

	source := config.NewPolicySource(nil)
	firmCfg := source.Firm(firm)
	if !firmCfg.Enabled {
		t.Skipf("%s 未启用，跳过集成测试", firmCfg.Code)
	}
	if firmCfg.Connector == config.ConnectorCCXT && !firmCfg.Sandbox {
		t.Skip("sandbox=false，出于安全考虑跳过真实下单测试")
	}

	registry := connector.NewRegistry(source, config.ConnectorConfig{Timeout: 20 * time.Second}, zap.NewNop())
	conn, err := registry.Build(firm)
	if err != nil {
		t.Fatalf("构造连接器失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	auth := conn.Authenticate(ctx)
	if auth.Status != connector.StatusSuccess {
		t.Fatalf("认证失败: status=%s error=%s", auth.Status, auth.Error)
	}

	if os.Getenv("ROUTER_IT_PLACE") != "1" {
		t.Logf("认证成功，未设置 ROUTER_IT_PLACE=1，跳过下单")
		return
	}

	qty := 1
	order, err := BuildOrder(Plan{
		TaskID: time.Now().Unix(),
		Firm:   firm,
		Intent: policy.Intent{Direction: "LONG", Symbol: firmCfg.Market, Quantity: &qty},
	})
	if err != nil {
		t.Fatalf("BuildOrder 失败: %v", err)
	}

	exec := NewExecutor(registry, Options{MaxRetries: 2, RetryDelay: time.Second}, nil, zap.NewNop())
	res := exec.Dispatch(ctx, firm, order)
	if res.Status != connector.StatusSuccess {
		t.Fatalf("下单失败: status=%s reason=%s error=%s", res.Status, res.Reason, res.Error)
	}

	t.Logf("成功提交订单 firm=%s external_id=%s attempts=%d", firm, res.ExternalOrderID, res.Attempts)
}
