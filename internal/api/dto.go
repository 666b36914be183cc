package api

import (
	"time"

	"marketflow/internal/market"
)

// candleDTO is the wire shape for candles. Time arrives in four
// encodings because chart libraries disagree: ISO-8601 strings,
// epoch seconds (twice, under both historical names) and epoch
// milliseconds. Numerics are JSON numbers, not strings.
type candleDTO struct {
	Symbol           string  `json:"symbol"`
	Provider         string  `json:"provider"`
	Interval         string  `json:"interval"`
	OpenTime         string  `json:"openTime"`
	CloseTime        string  `json:"closeTime"`
	Time             int64   `json:"time"`
	Timestamp        int64   `json:"timestamp"`
	TimeMs           int64   `json:"timeMs"`
	Open             float64 `json:"open"`
	High             float64 `json:"high"`
	Low              float64 `json:"low"`
	Close            float64 `json:"close"`
	Volume           float64 `json:"volume"`
	QuoteAssetVolume float64 `json:"quoteAssetVolume"`
	NumberOfTrades   int64   `json:"numberOfTrades"`
	Closed           bool    `json:"closed"`
}

func toCandleDTO(c market.Candle) candleDTO {
	return candleDTO{
		Symbol:           c.Symbol,
		Provider:         c.Provider,
		Interval:         string(c.Interval),
		OpenTime:         c.OpenTime.UTC().Format(time.RFC3339),
		CloseTime:        c.CloseTime.UTC().Format(time.RFC3339),
		Time:             c.OpenTime.Unix(),
		Timestamp:        c.OpenTime.Unix(),
		TimeMs:           c.OpenTime.UnixMilli(),
		Open:             c.Open.InexactFloat64(),
		High:             c.High.InexactFloat64(),
		Low:              c.Low.InexactFloat64(),
		Close:            c.Close.InexactFloat64(),
		Volume:           c.Volume.InexactFloat64(),
		QuoteAssetVolume: c.QuoteVolume.InexactFloat64(),
		NumberOfTrades:   c.TradeCount,
		Closed:           c.Closed,
	}
}

func toCandleDTOs(candles []market.Candle) []candleDTO {
	out := make([]candleDTO, len(candles))
	for i, c := range candles {
		out[i] = toCandleDTO(c)
	}
	return out
}

type tradeDTO struct {
	Symbol        string  `json:"symbol"`
	Provider      string  `json:"provider"`
	TradeID       string  `json:"tradeId"`
	Time          string  `json:"time"`
	TimeMs        int64   `json:"timeMs"`
	Price         float64 `json:"price"`
	Quantity      float64 `json:"quantity"`
	AggressiveBuy bool    `json:"aggressiveBuy"`
}

func toTradeDTO(t market.Trade) tradeDTO {
	return tradeDTO{
		Symbol:        t.Symbol,
		Provider:      t.Provider,
		TradeID:       t.TradeID,
		Time:          t.Time.UTC().Format(time.RFC3339Nano),
		TimeMs:        t.Time.UnixMilli(),
		Price:         t.Price.InexactFloat64(),
		Quantity:      t.Quantity.InexactFloat64(),
		AggressiveBuy: t.AggressiveBuy,
	}
}

func toTradeDTOs(trades []market.Trade) []tradeDTO {
	out := make([]tradeDTO, len(trades))
	for i, t := range trades {
		out[i] = toTradeDTO(t)
	}
	return out
}

type priceLevelDTO struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

type orderBookDTO struct {
	Symbol   string          `json:"symbol"`
	Provider string          `json:"provider"`
	Time     string          `json:"time"`
	TimeMs   int64           `json:"timeMs"`
	Bids     []priceLevelDTO `json:"bids"`
	Asks     []priceLevelDTO `json:"asks"`
}

func toOrderBookDTO(s market.OrderBookSnapshot) orderBookDTO {
	return orderBookDTO{
		Symbol:   s.Symbol,
		Provider: s.Provider,
		Time:     s.Time.UTC().Format(time.RFC3339Nano),
		TimeMs:   s.Time.UnixMilli(),
		Bids:     toLevelDTOs(s.Bids),
		Asks:     toLevelDTOs(s.Asks),
	}
}

func toLevelDTOs(levels []market.PriceLevel) []priceLevelDTO {
	out := make([]priceLevelDTO, len(levels))
	for i, l := range levels {
		out[i] = priceLevelDTO{
			Price:    l.Price.InexactFloat64(),
			Quantity: l.Quantity.InexactFloat64(),
		}
	}
	return out
}

func toOrderBookDTOs(snaps []market.OrderBookSnapshot) []orderBookDTO {
	out := make([]orderBookDTO, len(snaps))
	for i, s := range snaps {
		out[i] = toOrderBookDTO(s)
	}
	return out
}

type bookTickerDTO struct {
	Symbol    string  `json:"symbol"`
	Provider  string  `json:"provider"`
	Time      string  `json:"time"`
	TimeMs    int64   `json:"timeMs"`
	BidPrice  float64 `json:"bidPrice"`
	BidQty    float64 `json:"bidQty"`
	AskPrice  float64 `json:"askPrice"`
	AskQty    float64 `json:"askQty"`
	Spread    float64 `json:"spread"`
	SpreadBps float64 `json:"spreadBps"`
	Imbalance float64 `json:"imbalance"`
}

func toBookTickerDTO(s market.BookTickerSnapshot) bookTickerDTO {
	return bookTickerDTO{
		Symbol:    s.Symbol,
		Provider:  s.Provider,
		Time:      s.Time.UTC().Format(time.RFC3339Nano),
		TimeMs:    s.Time.UnixMilli(),
		BidPrice:  s.BidPrice.InexactFloat64(),
		BidQty:    s.BidQty.InexactFloat64(),
		AskPrice:  s.AskPrice.InexactFloat64(),
		AskQty:    s.AskQty.InexactFloat64(),
		Spread:    s.Spread,
		SpreadBps: s.SpreadBps,
		Imbalance: s.Imbalance,
	}
}

func toBookTickerDTOs(snaps []market.BookTickerSnapshot) []bookTickerDTO {
	out := make([]bookTickerDTO, len(snaps))
	for i, s := range snaps {
		out[i] = toBookTickerDTO(s)
	}
	return out
}

