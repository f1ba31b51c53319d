package http

import (
	"bytes"
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"spotex.com/internal/engine"
	"spotex.com/internal/exchange"
	"spotex.com/internal/ledger"
	ledgermodel "spotex.com/internal/ledger/repo/model"
	ledgerrepo "spotex.com/internal/ledger/repo/mysql"
	"spotex.com/internal/market"
	"spotex.com/internal/order"
	"spotex.com/internal/trade"
	"spotex.com/pkg/orm/ormtest"
	"spotex.com/pkg/xerr"
)

type envelope struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"request_id"`
}

func newRouter(t *testing.T) (*gin.Engine, *exchange.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := ormtest.NewSQLite(t, &ledgermodel.BalanceRow{}, &ledgermodel.EntryRow{},
		&market.TradingPair{}, &order.Order{}, &trade.Trade{})
	catalog := market.NewCachedCatalog(market.NewPairRepo(db), time.Minute)
	require.NoError(t, catalog.Create(context.Background(), &market.TradingPair{
		Symbol: "BTC-USDT", Base: "BTC", Quote: "USDT",
		MinOrderSize: decimal.RequireFromString("0.001"), MaxOrderSize: decimal.NewFromInt(100),
		PricePrecision: 2, QuantityPrecision: 4, Active: true,
	}))
	eng := engine.NewEngine(engine.EngineConfig{})
	t.Cleanup(eng.Stop)
	l := ledger.New(db, ledgerrepo.NewLedgerRepo(db), nil)
	svc := exchange.NewService(db, catalog, l, order.NewRepo(db), trade.NewRepo(db), eng, nil, exchange.ExchangeCfg{})
	return NewEngine(svc, Options{DisableMetrics: true}), svc
}

func do(r *gin.Engine, method, path string, user uint64, body any) (*httptest.ResponseRecorder, envelope) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != 0 {
		req.Header.Set(HeaderUserID, strconv.FormatUint(user, 10))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	r, svc := newRouter(t)
	require.NoError(t, svc.Deposit(context.Background(), 7, "USDT", "seed", decimal.NewFromInt(1000)))

	w, env := do(r, nethttp.MethodPost, "/api/orders", 7, map[string]any{
		"symbol": "btc-usdt", "type": "limit", "side": "buy", "quantity": "2", "price": "50",
	})
	require.Equal(t, nethttp.StatusOK, w.Code, w.Body.String())
	var placed order.Order
	require.NoError(t, json.Unmarshal(env.Data, &placed))
	assert.Equal(t, order.StatusOpen, placed.Status)
	assert.True(t, decimal.NewFromInt(100).Equal(placed.Reserved))

	w, env = do(r, nethttp.MethodGet, "/api/orderbook/BTC-USDT?depth=5", 0, nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	var book exchange.OrderBook
	require.NoError(t, json.Unmarshal(env.Data, &book))
	require.Len(t, book.Bids, 1)
	assert.True(t, decimal.NewFromInt(50).Equal(book.Bids[0].Price))

	path := "/api/orders/" + strconv.FormatUint(placed.ID, 10)
	w, _ = do(r, nethttp.MethodDelete, path, 8, nil)
	assert.Equal(t, nethttp.StatusForbidden, w.Code)

	w, env = do(r, nethttp.MethodDelete, path, 7, nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	var canceled order.Order
	require.NoError(t, json.Unmarshal(env.Data, &canceled))
	assert.Equal(t, order.StatusCanceled, canceled.Status)

	w, env = do(r, nethttp.MethodDelete, path, 7, nil)
	assert.Equal(t, nethttp.StatusConflict, w.Code)
	assert.Equal(t, xerr.InvalidState, env.Code)

	w, env = do(r, nethttp.MethodGet, "/api/balances?asset=USDT", 7, nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	var bals []ledger.Balance
	require.NoError(t, json.Unmarshal(env.Data, &bals))
	require.Len(t, bals, 1)
	assert.True(t, decimal.NewFromInt(1000).Equal(bals[0].Available))
}

func TestHTTPErrors(t *testing.T) {
	r, _ := newRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		user   uint64
		body   any
		status int
		code   int
	}{
		{"没有用户头", nethttp.MethodPost, "/api/orders", 0, map[string]any{"symbol": "BTC-USDT", "type": "limit", "side": "buy"}, nethttp.StatusForbidden, xerr.Forbidden},
		{"body 缺字段", nethttp.MethodPost, "/api/orders", 1, map[string]any{"symbol": "BTC-USDT"}, nethttp.StatusBadRequest, xerr.RequestParamsError},
		{"余额不足", nethttp.MethodPost, "/api/orders", 1, map[string]any{"symbol": "BTC-USDT", "type": "limit", "side": "buy", "quantity": "1", "price": "10"}, nethttp.StatusUnprocessableEntity, xerr.InsufficientBalance},
		{"订单号非法", nethttp.MethodGet, "/api/orders/abc", 1, nil, nethttp.StatusBadRequest, xerr.RequestParamsError},
		{"订单不存在", nethttp.MethodGet, "/api/orders/42", 1, nil, nethttp.StatusNotFound, xerr.RecordNotFound},
		{"交易对不存在", nethttp.MethodGet, "/api/ticker/NOPE-USDT", 0, nil, nethttp.StatusNotFound, xerr.RecordNotFound},
		{"K 线周期非法", nethttp.MethodGet, "/api/klines/BTC-USDT?interval=3m", 0, nil, nethttp.StatusBadRequest, xerr.RequestParamsError},
		{"from 非法", nethttp.MethodGet, "/api/klines/BTC-USDT?from=yesterday", 0, nil, nethttp.StatusBadRequest, xerr.RequestParamsError},
		{"深度为负", nethttp.MethodGet, "/api/orderbook/BTC-USDT?depth=-1", 0, nil, nethttp.StatusBadRequest, xerr.RequestParamsError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := do(r, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, env.Code)
			assert.NotEmpty(t, env.RequestID)
			assert.Equal(t, w.Header().Get("X-Request-Id"), env.RequestID)
		})
	}
}

func TestMarketEndpoints(t *testing.T) {
	r, _ := newRouter(t)

	w, env := do(r, nethttp.MethodGet, "/api/pairs", 0, nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	var pairs []market.TradingPair
	require.NoError(t, json.Unmarshal(env.Data, &pairs))
	require.Len(t, pairs, 1)
	assert.Equal(t, "BTC-USDT", pairs[0].Symbol)

	w, _ = do(r, nethttp.MethodGet, "/api/trades/BTC-USDT", 0, nil)
	assert.Equal(t, nethttp.StatusOK, w.Code)
	w, _ = do(r, nethttp.MethodGet, "/api/ticker/BTC-USDT", 0, nil)
	assert.Equal(t, nethttp.StatusOK, w.Code)
	w, _ = do(r, nethttp.MethodGet, "/healthz", 0, nil)
	assert.Equal(t, nethttp.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}
