// Package connector 定义对外下单接口及各机构实现。
package connector

import (
	"context"
	"errors"
)

// Status 为单次外部调用的结果。
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusRetry   Status = "RETRY"
	StatusSkipped Status = "SKIPPED"
)

// 跳过或失败原因。
const (
	ReasonRiskRejected = "RISK_REJECTED"
	ReasonNoConnector  = "NO_CONNECTOR"
	ReasonFirmDisabled = "FIRM_DISABLED"
	ReasonConfigError  = "CONFIG_ERROR"
	ReasonCircuitOpen  = "CIRCUIT_OPEN"
	ReasonInvalidOrder = "INVALID_ORDER"
)

var (
	// ErrUnknownFirm 表示机构没有注册连接器。
	ErrUnknownFirm = errors.New("connector: unknown firm")
	// ErrDisabled 表示机构未启用。
	ErrDisabled = errors.New("connector: firm disabled")
	// ErrConfig 表示机构凭证或地址缺失。
	ErrConfig = errors.New("connector: configuration error")
)

// Order 为归一化后的下单请求。
type Order struct {
	ClientOrderID string   `json:"client_order_id"`
	TaskID        int64    `json:"task_id"`
	Firm          string   `json:"firm"`
	Program       *int64   `json:"program_id,omitempty"`
	Symbol        string   `json:"symbol,omitempty"`
	Side          string   `json:"side"`
	Type          string   `json:"type"`
	Quantity      int      `json:"quantity"`
	EntryPrice    *float64 `json:"entry_price,omitempty"`
	StopLoss      *float64 `json:"stop_loss,omitempty"`
	Session       string   `json:"session,omitempty"`
}

// 订单方向与类型。
const (
	SideBuy    = "buy"
	SideSell   = "sell"
	TypeMarket = "market"
	TypeLimit  = "limit"
)

// Result 为单次外部调用的结果快照，会原样写入审计日志。
type Result struct {
	Status          Status      `json:"status"`
	ExternalOrderID string      `json:"external_order_id,omitempty"`
	Request         interface{} `json:"request,omitempty"`
	Response        interface{} `json:"response,omitempty"`
	Error           string      `json:"error,omitempty"`
	Reason          string      `json:"reason,omitempty"`
	HTTPStatus      int         `json:"http_status,omitempty"`
	Attempts        int         `json:"attempts,omitempty"`
}

// Skipped 构造未发起网络调用的结果。
func Skipped(reason, message string) Result {
	return Result{Status: StatusSkipped, Reason: reason, Error: message}
}

// Failed 构造失败结果。
func Failed(reason, message string) Result {
	return Result{Status: StatusFailed, Reason: reason, Error: message}
}

// Connector 为每个目标机构实现的四个操作，任何错误都体现在 Result 中而不是返回。
type Connector interface {
	Authenticate(ctx context.Context) Result
	PlaceOrder(ctx context.Context, order Order) Result
	GetOrderStatus(ctx context.Context, externalID string) Result
	CancelOrder(ctx context.Context, externalID string) Result
}
