package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"prop-router/internal/config"
)

// DefaultTimeout 为外部调用的默认超时。
const DefaultTimeout = 30 * time.Second

const maxResponseBytes = 1 << 20

// RESTConnector 通过 JSON over HTTP 调用机构下单接口。
type RESTConnector struct {
	cfg     config.FirmConfig
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewREST 构造 REST 连接器。
func NewREST(cfg config.FirmConfig, opts Options) (Connector, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s 缺少 API key 或 base url", ErrConfig, cfg.Code)
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: %s base url 无效: %v", ErrConfig, cfg.Code, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &RESTConnector{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		limiter: opts.Limiter,
		logger:  logger,
	}, nil
}

// Authenticate 通过读取账户信息校验凭证。
func (c *RESTConnector) Authenticate(ctx context.Context) Result {
	return c.do(ctx, http.MethodGet, "/account", nil)
}

// PlaceOrder 提交订单。
func (c *RESTConnector) PlaceOrder(ctx context.Context, order Order) Result {
	return c.do(ctx, http.MethodPost, "/orders", order)
}

// GetOrderStatus 查询订单状态。
func (c *RESTConnector) GetOrderStatus(ctx context.Context, externalID string) Result {
	return c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(externalID), nil)
}

// CancelOrder 撤销订单。
func (c *RESTConnector) CancelOrder(ctx context.Context, externalID string) Result {
	return c.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(externalID), nil)
}

func (c *RESTConnector) do(ctx context.Context, method, path string, payload interface{}) Result {
	endpoint := c.baseURL + path
	snapshot := map[string]interface{}{
		"method": method,
		"url":    endpoint,
	}
	if payload != nil {
		snapshot["body"] = payload
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			res := Failed("", fmt.Sprintf("rate limiter: %v", err))
			res.Request = snapshot
			return res
		}
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			res := Failed("", fmt.Sprintf("encode request: %v", err))
			res.Request = snapshot
			return res
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		res := Failed("", fmt.Sprintf("build request: %v", err))
		res.Request = snapshot
		return res
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("机构接口调用失败",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		res := Failed("", fmt.Sprintf("network error: %v", err))
		res.Request = snapshot
		return res
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		res := Failed("", fmt.Sprintf("network error: read response: %v", err))
		res.Request = snapshot
		res.HTTPStatus = resp.StatusCode
		return res
	}

	res := Result{
		Request:    snapshot,
		Response:   decodeBody(raw),
		HTTPStatus: resp.StatusCode,
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.Status = StatusSuccess
		res.ExternalOrderID = orderID(res.Response)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		res.Status = StatusRetry
		res.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	default:
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}

	c.logger.Debug("机构接口调用完成",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("http_status", resp.StatusCode),
		zap.String("status", string(res.Status)),
		zap.Duration("latency", time.Since(start)),
	)
	return res
}

func decodeBody(raw []byte) interface{} {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	return v
}

func orderID(body interface{}) string {
	m, ok := body.(map[string]interface{})
	if !ok {
		return ""
	}
	for _, key := range []string{"order_id", "id"} {
		if v, ok := m[key]; ok && v != nil {
			if id, err := cast.ToStringE(v); err == nil && id != "" {
				return id
			}
		}
	}
	return ""
}
