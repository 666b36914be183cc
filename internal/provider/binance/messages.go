package binance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marketflow/internal/market"
)

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// combinedMessage is the envelope of the combined-stream endpoint:
// {"stream":"btcusdt@trade","data":{...}}.
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// subscribeFrame is the SUBSCRIBE/UNSUBSCRIBE control message.
type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// wsKline is the payload of <symbol>@kline_<interval>. Price and
// volume fields arrive as strings and must be parsed to decimals.
type wsKline struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime    int64  `json:"t"`
		CloseTime   int64  `json:"T"`
		Symbol      string `json:"s"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		Close       string `json:"c"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Volume      string `json:"v"`
		TradeCount  int64  `json:"n"`
		Closed      bool   `json:"x"`
		QuoteVolume string `json:"q"`
	} `json:"k"`
}

func (m *wsKline) normalize(provider string) (market.Candle, error) {
	interval, err := parseWireInterval(m.Kline.Interval)
	if err != nil {
		return market.Candle{}, err
	}

	c := market.Candle{
		Symbol:     m.Symbol,
		Provider:   provider,
		Interval:   interval,
		OpenTime:   time.UnixMilli(m.Kline.OpenTime).UTC(),
		CloseTime:  time.UnixMilli(m.Kline.CloseTime).UTC(),
		TradeCount: m.Kline.TradeCount,
		Closed:     m.Kline.Closed,
	}
	fields := []struct {
		dst *decimal.Decimal
		src string
		tag string
	}{
		{&c.Open, m.Kline.Open, "open"},
		{&c.High, m.Kline.High, "high"},
		{&c.Low, m.Kline.Low, "low"},
		{&c.Close, m.Kline.Close, "close"},
		{&c.Volume, m.Kline.Volume, "volume"},
		{&c.QuoteVolume, m.Kline.QuoteVolume, "quote volume"},
	}
	for _, f := range fields {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return market.Candle{}, fmt.Errorf("parse kline %s: %w", f.tag, err)
		}
	}
	return c, nil
}

// wsTrade is the payload of <symbol>@trade and <symbol>@aggTrade. The
// aggregate stream uses "a" for its id; both carry the same price
// fields.
type wsTrade struct {
	EventTime  int64  `json:"E"`
	Symbol     string `json:"s"`
	TradeID    int64  `json:"t"`
	AggID      int64  `json:"a"`
	Price      string `json:"p"`
	Quantity   string `json:"q"`
	TradeTime  int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

func (m *wsTrade) normalize(provider string, aggregate bool) (market.Trade, error) {
	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return market.Trade{}, fmt.Errorf("parse trade price: %w", err)
	}
	qty, err := decimal.NewFromString(m.Quantity)
	if err != nil {
		return market.Trade{}, fmt.Errorf("parse trade quantity: %w", err)
	}

	id := m.TradeID
	if aggregate {
		id = m.AggID
	}
	return market.Trade{
		Symbol:   m.Symbol,
		Provider: provider,
		TradeID:  fmt.Sprintf("%d", id),
		Time:     time.UnixMilli(m.TradeTime).UTC(),
		Price:    price,
		Quantity: qty,
		// Buyer being the maker means the taker sold.
		AggressiveBuy: !m.BuyerMaker,
	}, nil
}

// wsDepth is the payload of <symbol>@depth<levels>. Partial book
// streams carry no symbol, so it is recovered from the stream name.
type wsDepth struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

func (m *wsDepth) normalize(provider, symbol string, ts time.Time) (market.OrderBookSnapshot, error) {
	snap := market.OrderBookSnapshot{
		Symbol:   symbol,
		Provider: provider,
		Time:     ts,
	}
	var err error
	if snap.Bids, err = parseLevels(m.Bids); err != nil {
		return market.OrderBookSnapshot{}, fmt.Errorf("parse bids: %w", err)
	}
	if snap.Asks, err = parseLevels(m.Asks); err != nil {
		return market.OrderBookSnapshot{}, fmt.Errorf("parse asks: %w", err)
	}
	return snap, nil
}

func parseLevels(raw [][2]string) ([]market.PriceLevel, error) {
	out := make([]market.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(entry[1])
		if err != nil {
			return nil, err
		}
		out = append(out, market.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

// wsBookTicker is the payload of <symbol>@bookTicker.
type wsBookTicker struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

func (m *wsBookTicker) normalize(provider string, ts time.Time) (market.BookTickerSnapshot, error) {
	var parsed [4]decimal.Decimal
	for i, src := range [4]string{m.BidPrice, m.BidQty, m.AskPrice, m.AskQty} {
		v, err := decimal.NewFromString(src)
		if err != nil {
			return market.BookTickerSnapshot{}, fmt.Errorf("parse book ticker: %w", err)
		}
		parsed[i] = v
	}
	return market.NewBookTicker(provider, m.Symbol, ts, parsed[0], parsed[1], parsed[2], parsed[3]), nil
}

// wsMiniTicker is the payload of <symbol>@miniTicker, used for the
// plain price stream.
type wsMiniTicker struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

func (m *wsMiniTicker) normalize(provider string) (market.PriceTick, error) {
	price, err := decimal.NewFromString(m.Close)
	if err != nil {
		return market.PriceTick{}, fmt.Errorf("parse ticker price: %w", err)
	}
	return market.PriceTick{
		Symbol:   m.Symbol,
		Provider: provider,
		Time:     time.UnixMilli(m.EventTime).UTC(),
		Price:    price,
	}, nil
}

// wireInterval maps our interval labels to Binance's (identical apart
// from the month).
func wireInterval(i market.Interval) string {
	if i == market.Interval1mo {
		return "1M"
	}
	return string(i)
}

func parseWireInterval(s string) (market.Interval, error) {
	if s == "1M" {
		return market.Interval1mo, nil
	}
	return market.ParseInterval(s)
}
