package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prop-router/internal/config"
)

func restConnector(t *testing.T, baseURL string) Connector {
	t.Helper()
	c, err := NewREST(config.FirmConfig{Code: "FTMO", Enabled: true, APIKey: "k-1", BaseURL: baseURL}, Options{Timeout: time.Second})
	require.NoError(t, err)
	return c
}

func TestRESTPlaceOrderSuccess(t *testing.T) {
	var got Order
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "k-1", r.Header.Get("X-API-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"order_id":"EXT-9","status":"accepted"}`))
	}))
	defer srv.Close()

	res := restConnector(t, srv.URL+"/").PlaceOrder(context.Background(), Order{
		ClientOrderID: "c-1",
		Firm:          "FTMO",
		Side:          SideBuy,
		Type:          TypeMarket,
		Quantity:      3,
	})

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "EXT-9", res.ExternalOrderID)
	assert.Equal(t, http.StatusCreated, res.HTTPStatus)
	assert.Equal(t, 3, got.Quantity)
	assert.NotNil(t, res.Request)
	assert.NotNil(t, res.Response)
}

func TestRESTStatusMapping(t *testing.T) {
	cases := []struct {
		code   int
		status Status
	}{
		{http.StatusOK, StatusSuccess},
		{http.StatusTooManyRequests, StatusRetry},
		{http.StatusServiceUnavailable, StatusRetry},
		{http.StatusBadRequest, StatusFailed},
		{http.StatusInternalServerError, StatusFailed},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(`{"id":12345678901234}`))
			}))
			defer srv.Close()

			res := restConnector(t, srv.URL).PlaceOrder(context.Background(), Order{Side: SideSell, Quantity: 1})
			assert.Equal(t, tc.status, res.Status)
			assert.Equal(t, tc.code, res.HTTPStatus)
			if tc.status == StatusSuccess {
				assert.Equal(t, "12345678901234", res.ExternalOrderID)
			} else {
				assert.NotEmpty(t, res.Error)
			}
		})
	}
}

func TestRESTNetworkErrorIsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	res := restConnector(t, url).PlaceOrder(context.Background(), Order{Side: SideBuy, Quantity: 1})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "network error")
	assert.Zero(t, res.HTTPStatus)
}

func TestRESTStatusAndCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/orders/EXT-1":
			_, _ = w.Write([]byte(`{"id":"EXT-1","status":"filled"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/orders/EXT-1":
			_, _ = w.Write([]byte(`{"id":"EXT-1","status":"cancelled"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/account":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := restConnector(t, srv.URL)
	assert.Equal(t, StatusSuccess, c.GetOrderStatus(context.Background(), "EXT-1").Status)
	assert.Equal(t, StatusSuccess, c.CancelOrder(context.Background(), "EXT-1").Status)
	assert.Equal(t, StatusFailed, c.Authenticate(context.Background()).Status)
}

func TestRegistryBuildValidatesConfig(t *testing.T) {
	source := config.NewPolicySource(config.MapLookup(map[string]string{
		"FTMO_ENABLED":    "true",
		"FTMO_API_KEY":    "key",
		"FTMO_BASE_URL":   "https://api.ftmo.test",
		"APEX_ENABLED":    "false",
		"TOPSTEP_ENABLED": "true",
	}))
	reg := NewRegistry(source, config.ConnectorConfig{RateLimit: 10, RateBurst: 1}, nil)

	c, err := reg.Build("ftmo")
	require.NoError(t, err)
	assert.IsType(t, &RESTConnector{}, c)

	_, err = reg.Build("APEX")
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = reg.Build("TOPSTEP")
	assert.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), "TOPSTEP_API_KEY")

	_, err = reg.Build("UNKNOWN")
	assert.ErrorIs(t, err, ErrUnknownFirm)
}

func TestRegistryLimiterIsPerFirm(t *testing.T) {
	reg := NewRegistry(config.NewPolicySource(config.MapLookup(nil)), config.ConnectorConfig{RateLimit: 2, RateBurst: 2}, nil)
	assert.Same(t, reg.limiter("FTMO"), reg.limiter("FTMO"))
	assert.NotSame(t, reg.limiter("FTMO"), reg.limiter("APEX"))

	noLimit := NewRegistry(nil, config.ConnectorConfig{}, nil)
	assert.Nil(t, noLimit.limiter("FTMO"))
}

func TestRegistryResolvesCCXTFirms(t *testing.T) {
	source := config.NewPolicySource(config.MapLookup(map[string]string{
		"HL_ENABLED":       "1",
		"HL_CONNECTOR":     "ccxt",
		"HL_API_KEY":       "0xabc",
		"HL_CCXT_EXCHANGE": "",
	}))
	reg := NewRegistry(source, config.ConnectorConfig{}, nil)

	_, ok := reg.Lookup("hl")
	assert.True(t, ok)

	_, err := reg.Build("HL")
	assert.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), "HL_CCXT_EXCHANGE")
}

func TestRegistryRegisterOverrides(t *testing.T) {
	source := config.NewPolicySource(config.MapLookup(map[string]string{
		"ACME_ENABLED":  "true",
		"ACME_API_KEY":  "k",
		"ACME_BASE_URL": "http://acme.test",
	}))
	reg := NewRegistry(source, config.ConnectorConfig{}, nil)

	called := false
	reg.Register("acme", func(cfg config.FirmConfig, opts Options) (Connector, error) {
		called = true
		assert.Equal(t, "ACME", cfg.Code)
		return NewREST(cfg, opts)
	})
	_, err := reg.Build("ACME")
	require.NoError(t, err)
	assert.True(t, called)
	assert.Contains(t, reg.Firms(), "ACME")
}

type fakeExchange struct {
	order    ccxt.Order
	err      error
	lastType string
	lastAmt  float64
}

func (f *fakeExchange) CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error) {
	f.lastType = typeVar
	f.lastAmt = amount
	return f.order, f.err
}

func (f *fakeExchange) FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error) {
	return f.order, f.err
}

func (f *fakeExchange) CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error) {
	return f.order, f.err
}

func (f *fakeExchange) FetchBalance(params ...interface{}) (ccxt.Balances, error) {
	return ccxt.Balances{}, f.err
}

func TestCCXTPlaceOrder(t *testing.T) {
	id, status := "9001", "open"
	ex := &fakeExchange{order: ccxt.Order{Id: &id, Status: &status}}
	c := newCCXTWithClient(config.FirmConfig{Code: "HL", Exchange: ExchangeHyperliquid, Market: "BTC/USDC:USDC"}, ex, Options{})

	entry := 65000.0
	res := c.PlaceOrder(context.Background(), Order{
		ClientOrderID: "6f1c1e2a-0000-5000-8000-000000000001",
		Side:          SideBuy,
		Type:          TypeLimit,
		Quantity:      2,
		EntryPrice:    &entry,
	})

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "9001", res.ExternalOrderID)
	assert.Equal(t, TypeLimit, ex.lastType)
	assert.Equal(t, 2.0, ex.lastAmt)

	req := res.Request.(map[string]interface{})
	params := req["params"].(map[string]interface{})
	assert.Equal(t, "0x6f1c1e2a000050008000000000000001", params["clientOrderId"])
}

func TestCCXTErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status Status
	}{
		{"rate limited", &ccxt.Error{Type: ccxt.RateLimitExceededErrType, Message: "slow down"}, StatusRetry},
		{"network", &ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "reset"}, StatusRetry},
		{"maintenance", &ccxt.Error{Type: ccxt.OnMaintenanceErrType}, StatusRetry},
		{"insufficient funds", &ccxt.Error{Type: ccxt.InsufficientFundsErrType, Message: "no margin"}, StatusFailed},
		{"plain", errors.New("boom"), StatusFailed},
		{"cancelled", context.Canceled, StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newCCXTWithClient(config.FirmConfig{Code: "BN", Exchange: ExchangeBinanceUSDM}, &fakeExchange{err: tc.err}, Options{})
			res := c.PlaceOrder(context.Background(), Order{Side: SideSell, Type: TypeMarket, Quantity: 1})
			assert.Equal(t, tc.status, res.Status)
			assert.NotEmpty(t, res.Error)
		})
	}
}
