package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/internal/footprint"
	"marketflow/internal/hub"
	"marketflow/internal/market"
	"marketflow/internal/metrics"
	"marketflow/internal/provider/mock"
	"marketflow/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server *Server
	stores Stores
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	m := metrics.New()
	stores := Stores{
		Candles: store.NewCandleStore(0),
		Trades:  store.NewTradeStore(0),
		Books:   store.NewOrderBookStore(0, 0),
		Tickers: store.NewBookTickerStore(0, 0),
	}

	dispatch := hub.New(0, hub.Stores{
		Candles: stores.Candles,
		Trades:  stores.Trades,
		Books:   stores.Books,
		Tickers: stores.Tickers,
	}, m, zerolog.Nop())

	registry := hub.NewRegistry(dispatch, zerolog.Nop())
	registry.Register(mock.New(mock.Config{Symbols: []string{"BTCUSDT", "ETHUSDT"}}, zerolog.Nop()))

	tracker := footprint.NewTracker(footprint.Config{}, zerolog.Nop())
	push := NewPushHub(m, zerolog.Nop())

	server := NewServer(ServerConfig{
		Host:            "127.0.0.1",
		Port:            0,
		DefaultProvider: mock.ProviderName,
	}, registry, stores, tracker, push, m, zerolog.Nop())

	return &testEnv{server: server, stores: stores}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), into))
}

func seedCandle(openUnix int64, close string, closed bool) market.Candle {
	open := time.Unix(openUnix, 0).UTC()
	price := decimal.RequireFromString(close)
	return market.Candle{
		Symbol:    "BTCUSDT",
		Provider:  mock.ProviderName,
		Interval:  market.Interval1m,
		OpenTime:  open,
		CloseTime: open.Add(time.Minute - time.Millisecond),
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    decimal.RequireFromString("10"),
		Closed:    closed,
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/health", "")

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status    string            `json:"status"`
		Providers map[string]string `json:"providers"`
	}
	decode(t, w, &body)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "REGISTERED", body.Providers[mock.ProviderName])
}

func TestGetProviders(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/trading/providers", "")

	require.Equal(t, http.StatusOK, w.Code)
	// Bare array of provider names.
	var names []string
	decode(t, w, &names)
	assert.Equal(t, []string{mock.ProviderName}, names)
}

func TestGetIntervalsBareArray(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/trading/intervals/mock", "")

	require.Equal(t, http.StatusOK, w.Code)
	var labels []string
	decode(t, w, &labels)
	assert.Contains(t, labels, "1m")
	assert.Contains(t, labels, "1d")
}

func TestGetIntervalsUnknownProvider(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/trading/intervals/nope", "")

	require.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	decode(t, w, &body)
	assert.Contains(t, body["error"], "unknown provider")
}

func TestConnectAndSubscribeKlines(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/trading/connect/mock", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/trading/subscribe/klines/mock/BTCUSDT/1m", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	decode(t, w, &body)
	assert.Equal(t, true, body["success"])

	w = env.do(t, http.MethodGet, "/api/trading/status/mock", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		State string `json:"state"`
		Count int    `json:"count"`
	}
	decode(t, w, &status)
	assert.Equal(t, "SUBSCRIBED", status.State)
	assert.Equal(t, 1, status.Count)
}

func TestSubscribeInvalidIntervalRejected(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/trading/connect/mock", "")

	w := env.do(t, http.MethodPost, "/api/trading/subscribe/klines/mock/BTCUSDT/7q", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubscribeUnknownSymbolSoftError(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/trading/connect/mock", "")

	w := env.do(t, http.MethodPost, "/api/trading/subscribe/klines/mock/DOGEUSDT/1m", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	decode(t, w, &body)
	assert.Equal(t, false, body["success"])
}

func TestHistoricalKlinesShape(t *testing.T) {
	env := newTestEnv(t)
	env.stores.Candles.Add(seedCandle(1700000040, "100.5", true))
	env.stores.Candles.Add(seedCandle(1700000100, "101.5", false))

	w := env.do(t, http.MethodGet, "/api/trading/historical/mock/BTCUSDT/1m?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body []map[string]any
	decode(t, w, &body)
	require.Len(t, body, 2)

	first := body[0]
	assert.Equal(t, "BTCUSDT", first["symbol"])
	assert.Equal(t, mock.ProviderName, first["provider"])
	assert.Equal(t, "1m", first["interval"])
	assert.Equal(t, "2023-11-14T22:14:00Z", first["openTime"])
	assert.EqualValues(t, 1700000040, first["time"])
	assert.EqualValues(t, 1700000040, first["timestamp"])
	assert.EqualValues(t, 1700000040000, first["timeMs"])
	assert.EqualValues(t, 100.5, first["close"])
	assert.Equal(t, true, first["closed"])

	// Numerics must be JSON numbers, not strings.
	_, isString := first["open"].(string)
	assert.False(t, isString)
}

func TestHistoricalKlinesNoLimitReturnsAll(t *testing.T) {
	env := newTestEnv(t)
	for i := int64(0); i < 5; i++ {
		env.stores.Candles.Add(seedCandle(1700000040+i*60, "100", true))
	}

	w := env.do(t, http.MethodGet, "/api/trading/historical/mock/BTCUSDT/1m", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body []map[string]any
	decode(t, w, &body)
	assert.Len(t, body, 5)
}

func TestOrderFlowLatestTrade404WhenEmpty(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/orderflow/historical/trades/mock/BTCUSDT/latest", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOrderFlowTradesCountAndRange(t *testing.T) {
	env := newTestEnv(t)
	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 5; i++ {
		env.stores.Trades.Add(market.Trade{
			Symbol:   "BTCUSDT",
			Provider: mock.ProviderName,
			TradeID:  string(rune('a' + i)),
			Time:     base.Add(time.Duration(i) * time.Second),
			Price:    decimal.NewFromInt(int64(100 + i)),
			Quantity: decimal.NewFromInt(1),
		})
	}

	w := env.do(t, http.MethodGet, "/api/orderflow/historical/trades/mock/BTCUSDT?count=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var trades []map[string]any
	decode(t, w, &trades)
	assert.Len(t, trades, 2)

	from := base.Add(1 * time.Second).Format(time.RFC3339)
	to := base.Add(3 * time.Second).Format(time.RFC3339)
	w = env.do(t, http.MethodGet, "/api/orderflow/historical/trades/mock/BTCUSDT?startTime="+from+"&endTime="+to, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &trades)
	assert.Len(t, trades, 3)
}

func TestOrderFlowBadWindowRejected(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/orderflow/historical/trades/mock/BTCUSDT?count=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/orderflow/historical/trades/mock/BTCUSDT?startTime=oops&endTime=2023-01-01T00:00:00Z", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrderBookAtTimestamp(t *testing.T) {
	env := newTestEnv(t)
	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 3; i++ {
		env.stores.Books.Add(market.OrderBookSnapshot{
			Symbol:   "BTCUSDT",
			Provider: mock.ProviderName,
			Time:     base.Add(time.Duration(i) * 20 * time.Second),
			Bids:     []market.PriceLevel{{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}},
			Asks:     []market.PriceLevel{{Price: decimal.NewFromInt(101), Quantity: decimal.NewFromInt(1)}},
		})
	}

	target := base.Add(22 * time.Second).Format(time.RFC3339)
	w := env.do(t, http.MethodGet, "/api/orderflow/historical/orderbook/mock/BTCUSDT/at/"+target, "")
	require.Equal(t, http.StatusOK, w.Code)

	var snap map[string]any
	decode(t, w, &snap)
	assert.EqualValues(t, base.Add(20*time.Second).UnixMilli(), snap["timeMs"])
}

func TestSpreadAnomalies(t *testing.T) {
	env := newTestEnv(t)
	base := time.Unix(1700000000, 0).UTC()
	one := decimal.NewFromInt(1)

	// Nine tight spreads then one 10x outlier.
	for i := 0; i < 9; i++ {
		env.stores.Tickers.Add(market.NewBookTicker(
			mock.ProviderName, "BTCUSDT", base.Add(time.Duration(i)*2*time.Second),
			decimal.NewFromInt(100), one, decimal.RequireFromString("100.1"), one))
	}
	env.stores.Tickers.Add(market.NewBookTicker(
		mock.ProviderName, "BTCUSDT", base.Add(18*2*time.Second),
		decimal.NewFromInt(100), one, decimal.NewFromInt(101), one))

	w := env.do(t, http.MethodGet, "/api/orderflow/historical/bookticker/mock/BTCUSDT/anomalies?lookback=10&threshold=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count     int              `json:"count"`
		Anomalies []map[string]any `json:"anomalies"`
	}
	decode(t, w, &body)
	assert.Equal(t, 1, body.Count)
}

func TestOrderBookConfigEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/orderflow/historical/orderbook/config/interval?value=30", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 30*time.Second, env.stores.Books.Window())

	w = env.do(t, http.MethodPost, "/api/orderflow/historical/orderbook/config/max?value=50", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, env.stores.Books.Max())

	w = env.do(t, http.MethodPost, "/api/orderflow/historical/orderbook/config/max?value=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClearOrderFlow(t *testing.T) {
	env := newTestEnv(t)
	env.stores.Trades.Add(market.Trade{
		Symbol: "BTCUSDT", Provider: mock.ProviderName,
		Time: time.Now(), Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1),
	})
	require.Equal(t, 1, env.stores.Trades.Count(mock.ProviderName, "BTCUSDT"))

	w := env.do(t, http.MethodDelete, "/api/orderflow/historical/mock/BTCUSDT", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, env.stores.Trades.Count(mock.ProviderName, "BTCUSDT"))
}

func TestSubscribeAllOrderFlow(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/trading/connect/mock", "")

	body := `{"symbol":"BTCUSDT","trades":true,"bookTicker":true,"orderBook":true,"depth":10}`
	w := env.do(t, http.MethodPost, "/api/orderflow/subscribe/all", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool              `json:"success"`
		Results map[string]string `json:"results"`
	}
	decode(t, w, &resp)
	assert.True(t, resp.Success)
	assert.Len(t, resp.Results, 3)
	assert.Equal(t, "subscribed", resp.Results["TRADE"])
}

func TestSubscribeAllRequiresSymbol(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/orderflow/subscribe/all", `{"trades":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFootprintCurrentAndHistorical(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	tracker := env.server.tracker
	tracker.OnTrade(market.Trade{
		Symbol: "BTCUSDT", Provider: mock.ProviderName, Time: now,
		Price: decimal.RequireFromString("100.01"), Quantity: decimal.NewFromInt(2), AggressiveBuy: true,
	})

	w := env.do(t, http.MethodGet, "/api/footprint/current?symbol=BTCUSDT&interval=1m", "")
	require.Equal(t, http.StatusOK, w.Code)
	var candle map[string]any
	decode(t, w, &candle)
	assert.EqualValues(t, 2, candle["totalBuyVolume"])

	w = env.do(t, http.MethodGet, "/api/footprint/historical?symbol=BTCUSDT&interval=1m", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/footprint/current?symbol=BTCUSDT", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetTickSize(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/footprint/tick-size?symbol=BTCUSDT&tickSize=0.5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.5, env.server.tracker.TickSize("BTCUSDT"))

	w = env.do(t, http.MethodPost, "/api/footprint/tick-size?symbol=BTCUSDT&tickSize=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/health", "")

	w := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "marketflow_http_request_duration_seconds")
}
