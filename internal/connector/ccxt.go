package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"prop-router/internal/config"
)

// 支持的 ccxt 交易所。
const (
	ExchangeHyperliquid = "hyperliquid"
	ExchangeBinanceUSDM = "binanceusdm"
)

// ErrMaintenance 表示交易所处于维护状态。
var ErrMaintenance = errors.New("connector: exchange on maintenance")

type exchangeClient interface {
	CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
}

// CCXTConnector 通过 ccxt 统一接口下单，适用于以交易所账户承载的计划。
type CCXTConnector struct {
	cfg      config.FirmConfig
	exchange exchangeClient
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewCCXT 按 {FIRM}_CCXT_EXCHANGE 构造 ccxt 连接器。
func NewCCXT(cfg config.FirmConfig, opts Options) (Connector, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s 缺少 API key", ErrConfig, cfg.Code)
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if opts.Timeout > 0 {
		userConfig["timeout"] = opts.Timeout.Milliseconds()
	}

	var ex exchangeClient
	switch strings.ToLower(cfg.Exchange) {
	case ExchangeHyperliquid:
		userConfig["walletAddress"] = cfg.APIKey
		if cfg.APISecret != "" {
			userConfig["privateKey"] = cfg.APISecret
		}
		client := ccxt.NewHyperliquid(userConfig)
		if cfg.Sandbox {
			client.SetSandboxMode(true)
		}
		ex = client
	case ExchangeBinanceUSDM:
		userConfig["apiKey"] = cfg.APIKey
		if cfg.APISecret != "" {
			userConfig["secret"] = cfg.APISecret
		}
		userConfig["options"] = map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		}
		client := ccxt.NewBinanceusdm(userConfig)
		if cfg.Sandbox {
			client.SetSandboxMode(true)
		}
		ex = client
	default:
		return nil, fmt.Errorf("%w: %s 不支持的交易所 %q", ErrConfig, cfg.Code, cfg.Exchange)
	}

	return newCCXTWithClient(cfg, ex, opts), nil
}

func newCCXTWithClient(cfg config.FirmConfig, ex exchangeClient, opts Options) *CCXTConnector {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CCXTConnector{
		cfg:      cfg,
		exchange: ex,
		limiter:  opts.Limiter,
		logger:   logger,
	}
}

// FetchBalance 供余额同步器使用。
func (c *CCXTConnector) FetchBalance(params ...interface{}) (ccxt.Balances, error) {
	return c.exchange.FetchBalance(params...)
}

// Authenticate 通过查询余额校验凭证。
func (c *CCXTConnector) Authenticate(ctx context.Context) Result {
	return c.call(ctx, "fetch_balance", nil, func() (interface{}, string, error) {
		balances, err := c.exchange.FetchBalance()
		if err != nil {
			return nil, "", err
		}
		return map[string]interface{}{"total": balances.Total}, "", nil
	})
}

// PlaceOrder 提交订单，带止损价时附加 ccxt 统一的 stopLoss 参数。
func (c *CCXTConnector) PlaceOrder(ctx context.Context, order Order) Result {
	symbol := c.symbol(order.Symbol)
	params := map[string]interface{}{
		"clientOrderId": c.clientOrderID(order.ClientOrderID),
	}
	if order.StopLoss != nil {
		params["stopLoss"] = map[string]interface{}{"triggerPrice": *order.StopLoss}
	}

	request := map[string]interface{}{
		"symbol": symbol,
		"type":   order.Type,
		"side":   order.Side,
		"amount": order.Quantity,
		"params": params,
	}

	opts := []ccxt.CreateOrderOptions{ccxt.WithCreateOrderParams(params)}
	if order.Type == TypeLimit && order.EntryPrice != nil {
		opts = append(opts, ccxt.WithCreateOrderPrice(*order.EntryPrice))
		request["price"] = *order.EntryPrice
	}

	return c.call(ctx, "create_order", request, func() (interface{}, string, error) {
		placed, err := c.exchange.CreateOrder(symbol, order.Type, order.Side, float64(order.Quantity), opts...)
		if err != nil {
			return nil, "", err
		}
		return orderSnapshot(placed), deref(placed.Id), nil
	})
}

// GetOrderStatus 查询订单。
func (c *CCXTConnector) GetOrderStatus(ctx context.Context, externalID string) Result {
	symbol := c.symbol("")
	request := map[string]interface{}{"id": externalID, "symbol": symbol}
	return c.call(ctx, "fetch_order", request, func() (interface{}, string, error) {
		var opts []ccxt.FetchOrderOptions
		if symbol != "" {
			opts = append(opts, ccxt.WithFetchOrderSymbol(symbol))
		}
		o, err := c.exchange.FetchOrder(externalID, opts...)
		if err != nil {
			return nil, "", err
		}
		return orderSnapshot(o), deref(o.Id), nil
	})
}

// CancelOrder 撤销订单。
func (c *CCXTConnector) CancelOrder(ctx context.Context, externalID string) Result {
	symbol := c.symbol("")
	request := map[string]interface{}{"id": externalID, "symbol": symbol}
	return c.call(ctx, "cancel_order", request, func() (interface{}, string, error) {
		var opts []ccxt.CancelOrderOptions
		if symbol != "" {
			opts = append(opts, ccxt.WithCancelOrderSymbol(symbol))
		}
		o, err := c.exchange.CancelOrder(externalID, opts...)
		if err != nil {
			return nil, "", err
		}
		return orderSnapshot(o), deref(o.Id), nil
	})
}

func (c *CCXTConnector) call(ctx context.Context, operation string, request interface{}, fn func() (interface{}, string, error)) (res Result) {
	res.Request = request

	if err := ctx.Err(); err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("rate limiter: %v", err)
			return res
		}
	}

	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("exchange panic: %v", r)
			c.logger.Error("交易所调用异常", zap.String("operation", operation), zap.Any("panic", r))
		}
	}()

	response, id, err := fn()
	if err != nil {
		normalized, status := classifyError(err)
		res.Status = status
		res.Error = normalized.Error()
		c.logger.Warn("交易所调用失败",
			zap.String("operation", operation),
			zap.String("status", string(status)),
			zap.Error(normalized),
		)
		return res
	}

	res.Status = StatusSuccess
	res.Response = response
	res.ExternalOrderID = id
	return res
}

func (c *CCXTConnector) symbol(fallback string) string {
	if c.cfg.Market != "" {
		return c.cfg.Market
	}
	return fallback
}

// Hyperliquid 要求 clientOrderId 为 16 字节十六进制。
func (c *CCXTConnector) clientOrderID(id string) string {
	if strings.EqualFold(c.cfg.Exchange, ExchangeHyperliquid) {
		return "0x" + strings.ReplaceAll(id, "-", "")
	}
	return id
}

// classifyError 将 ccxt 错误映射为结果状态，可重试的网络与限流错误返回 RETRY。
func classifyError(err error) (error, Status) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, StatusFailed
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, StatusRetry
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), StatusRetry
		default:
			return err, StatusFailed
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, StatusRetry
	}
	return err, StatusFailed
}

func orderSnapshot(o ccxt.Order) map[string]interface{} {
	out := map[string]interface{}{
		"id":     deref(o.Id),
		"status": deref(o.Status),
	}
	if o.ClientOrderId != nil {
		out["client_order_id"] = *o.ClientOrderId
	}
	if o.Filled != nil {
		out["filled"] = *o.Filled
	}
	if o.Average != nil {
		out["average"] = *o.Average
	}
	return out
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
