package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"marketflow/internal/market"
)

const rangeFetchCap = 1000

// restClient wraps the exchange REST API behind a token-bucket rate
// limiter and a circuit breaker. Every request waits for a token
// first so breaker trips reflect server health, not local bursts.
type restClient struct {
	http    *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

func newRESTClient(baseURL string, timeout time.Duration, rps float64, burst int, logger zerolog.Logger) *restClient {
	c := &restClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "binance-rest",
		Interval: time.Minute,
		Timeout:  time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 3 {
				return true
			}
			return counts.Requests >= 20 &&
				float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("rest breaker state change")
		},
	})
	return c
}

// setAPIKey attaches the exchange API key to every request. Market
// data endpoints work without one, but keyed requests get higher rate
// limits.
func (c *restClient) setAPIKey(key string) {
	c.http.SetHeader("X-MBX-APIKEY", key)
}

// get runs one GET through the limiter and breaker and returns the
// response body.
func (c *restClient) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %v", market.ErrTransportFailure, err)
	}

	body, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			Get(path)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode(), resp.String())
		}
		return resp.Body(), nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open for %s", market.ErrTransportFailure, path)
		}
		return nil, fmt.Errorf("%w: %v", market.ErrTransportFailure, err)
	}
	return body.([]byte), nil
}

// tradableSymbols fetches the exchange's symbol universe, keeping only
// symbols in TRADING status.
func (c *restClient) tradableSymbols(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, "/api/v3/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}

	var info struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}

	out := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status == "TRADING" {
			out = append(out, s.Symbol)
		}
	}
	return out, nil
}

// klines fetches up to limit candles. start/end are optional
// (zero time means unset).
func (c *restClient) klines(ctx context.Context, providerName, symbol string, interval market.Interval, limit int, start, end time.Time) ([]market.Candle, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": wireInterval(interval),
		"limit":    strconv.Itoa(limit),
	}
	if !start.IsZero() {
		params["startTime"] = strconv.FormatInt(start.UnixMilli(), 10)
	}
	if !end.IsZero() {
		params["endTime"] = strconv.FormatInt(end.UnixMilli(), 10)
	}

	body, err := c.get(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	candles := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := parseKlineRow(row, providerName, symbol, interval)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	// The exchange's last row is the still-open bucket.
	if n := len(candles); n > 0 {
		last := &candles[n-1]
		last.Closed = time.Now().After(last.CloseTime)
	}
	return candles, nil
}

// parseKlineRow decodes one REST kline row:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades, ...].
func parseKlineRow(row []json.RawMessage, providerName, symbol string, interval market.Interval) (market.Candle, error) {
	if len(row) < 9 {
		return market.Candle{}, fmt.Errorf("kline row has %d fields, want 9+", len(row))
	}

	var openMs, closeMs, trades int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return market.Candle{}, fmt.Errorf("parse kline open time: %w", err)
	}
	if err := json.Unmarshal(row[6], &closeMs); err != nil {
		return market.Candle{}, fmt.Errorf("parse kline close time: %w", err)
	}
	if err := json.Unmarshal(row[8], &trades); err != nil {
		return market.Candle{}, fmt.Errorf("parse kline trade count: %w", err)
	}

	c := market.Candle{
		Symbol:     symbol,
		Provider:   providerName,
		Interval:   interval,
		OpenTime:   time.UnixMilli(openMs).UTC(),
		CloseTime:  time.UnixMilli(closeMs).UTC(),
		TradeCount: trades,
		Closed:     true,
	}
	targets := []struct {
		dst *decimal.Decimal
		idx int
		tag string
	}{
		{&c.Open, 1, "open"},
		{&c.High, 2, "high"},
		{&c.Low, 3, "low"},
		{&c.Close, 4, "close"},
		{&c.Volume, 5, "volume"},
		{&c.QuoteVolume, 7, "quote volume"},
	}
	for _, t := range targets {
		var s string
		if err := json.Unmarshal(row[t.idx], &s); err != nil {
			return market.Candle{}, fmt.Errorf("parse kline %s: %w", t.tag, err)
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return market.Candle{}, fmt.Errorf("parse kline %s: %w", t.tag, err)
		}
		*t.dst = v
	}
	return c, nil
}

// restTrade mirrors GET /api/v3/trades entries.
type restTrade struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Quantity     string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

func (c *restClient) trades(ctx context.Context, providerName, symbol string, limit int) ([]market.Trade, error) {
	body, err := c.get(ctx, "/api/v3/trades", map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	var rows []restTrade
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}

	out := make([]market.Trade, 0, len(rows))
	for _, r := range rows {
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			return nil, fmt.Errorf("parse trade price: %w", err)
		}
		qty, err := decimal.NewFromString(r.Quantity)
		if err != nil {
			return nil, fmt.Errorf("parse trade quantity: %w", err)
		}
		out = append(out, market.Trade{
			Symbol:        symbol,
			Provider:      providerName,
			TradeID:       strconv.FormatInt(r.ID, 10),
			Time:          time.UnixMilli(r.Time).UTC(),
			Price:         price,
			Quantity:      qty,
			AggressiveBuy: !r.IsBuyerMaker,
		})
	}
	return out, nil
}

func (c *restClient) aggregateTrades(ctx context.Context, providerName, symbol string, limit int) ([]market.Trade, error) {
	body, err := c.get(ctx, "/api/v3/aggTrades", map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	var rows []wsTrade
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode aggregate trades: %w", err)
	}

	out := make([]market.Trade, 0, len(rows))
	for i := range rows {
		rows[i].Symbol = symbol
		trade, err := rows[i].normalize(providerName, true)
		if err != nil {
			return nil, err
		}
		out = append(out, trade)
	}
	return out, nil
}

func (c *restClient) depth(ctx context.Context, providerName, symbol string, limit int) (*market.OrderBookSnapshot, error) {
	body, err := c.get(ctx, "/api/v3/depth", map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	var payload wsDepth
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode depth: %w", err)
	}
	snap, err := payload.normalize(providerName, symbol, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
