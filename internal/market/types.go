package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Key builds the composite store key for per-symbol streams.
func Key(provider, symbol string) string {
	return fmt.Sprintf("%s_%s", provider, symbol)
}

// KlineKey builds the composite store key for per-interval streams.
func KlineKey(provider, symbol string, interval Interval) string {
	return fmt.Sprintf("%s_%s_%s", provider, symbol, interval)
}

// Candle is one OHLCV bar. Prices and volumes keep the provider's
// decimal precision; analytics convert to float64 at their boundary.
// Identity is (Provider, Symbol, Interval, OpenTime).
type Candle struct {
	Symbol      string
	Provider    string
	Interval    Interval
	OpenTime    time.Time
	CloseTime   time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
	TradeCount  int64
	Closed      bool
}

// NewCandle returns a flat candle (O=H=L=C=price) opening the bucket
// that contains openTime.
func NewCandle(provider, symbol string, interval Interval, openTime time.Time, price decimal.Decimal) Candle {
	open := interval.BucketStart(openTime)
	return Candle{
		Symbol:    symbol,
		Provider:  provider,
		Interval:  interval,
		OpenTime:  open,
		CloseTime: open.Add(interval.Duration() - time.Millisecond),
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
	}
}

// Key returns the candle store key for this candle.
func (c Candle) Key() string {
	return KlineKey(c.Provider, c.Symbol, c.Interval)
}

// ApplyTick folds a price observation into an open candle: extends the
// high/low envelope, moves the close and accumulates volume.
func (c *Candle) ApplyTick(price, quantity decimal.Decimal) {
	if price.GreaterThan(c.High) {
		c.High = price
	}
	if price.LessThan(c.Low) {
		c.Low = price
	}
	c.Close = price
	if quantity.IsPositive() {
		c.Volume = c.Volume.Add(quantity)
		c.QuoteVolume = c.QuoteVolume.Add(quantity.Mul(price))
		c.TradeCount++
	}
}

// Trade is a single executed trade (or aggregate trade).
// AggressiveBuy is true when the taker bought.
type Trade struct {
	Symbol        string
	Provider      string
	TradeID       string
	Time          time.Time
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	AggressiveBuy bool
}

// Key returns the trade store key for this trade.
func (t Trade) Key() string {
	return Key(t.Provider, t.Symbol)
}

// Signature is the dedup key: (timestamp, price, quantity).
func (t Trade) Signature() string {
	return fmt.Sprintf("%d_%s_%s", t.Time.UnixMilli(), t.Price.String(), t.Quantity.String())
}

// PriceLevel is one (price, quantity) entry of an order-book side.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBookSnapshot is a full-depth snapshot. Bids are ordered price
// descending, asks ascending.
type OrderBookSnapshot struct {
	Symbol   string
	Provider string
	Time     time.Time
	Bids     []PriceLevel
	Asks     []PriceLevel
}

// Key returns the order-book store key for this snapshot.
func (s OrderBookSnapshot) Key() string {
	return Key(s.Provider, s.Symbol)
}

// BestBid returns the top bid level, if any.
func (s OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (s OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// ImbalanceSentinel is stored as the imbalance when the ask side is
// empty. Average calculations filter values >= 100 to exclude it.
const ImbalanceSentinel = 999.0

// BookTickerSnapshot is a best bid/ask observation with derived spread
// analytics. Build through NewBookTicker so the derived fields are set.
type BookTickerSnapshot struct {
	Symbol   string
	Provider string
	Time     time.Time
	BidPrice decimal.Decimal
	BidQty   decimal.Decimal
	AskPrice decimal.Decimal
	AskQty   decimal.Decimal

	// Derived at construction.
	Spread    float64
	SpreadBps float64
	Imbalance float64
}

// NewBookTicker derives spread, spreadBps and imbalance from the raw
// best bid/ask. Imbalance falls back to ImbalanceSentinel when the ask
// quantity is zero.
func NewBookTicker(provider, symbol string, ts time.Time, bidPrice, bidQty, askPrice, askQty decimal.Decimal) BookTickerSnapshot {
	snap := BookTickerSnapshot{
		Symbol:   symbol,
		Provider: provider,
		Time:     ts,
		BidPrice: bidPrice,
		BidQty:   bidQty,
		AskPrice: askPrice,
		AskQty:   askQty,
	}
	bid := bidPrice.InexactFloat64()
	ask := askPrice.InexactFloat64()
	snap.Spread = ask - bid
	if bid > 0 {
		snap.SpreadBps = snap.Spread / bid * 10000
	}
	if askQty.IsZero() {
		snap.Imbalance = ImbalanceSentinel
	} else {
		snap.Imbalance = bidQty.InexactFloat64() / askQty.InexactFloat64()
	}
	return snap
}

// Key returns the book-ticker store key for this snapshot.
func (s BookTickerSnapshot) Key() string {
	return Key(s.Provider, s.Symbol)
}

// PriceTick is a bare price observation, the payload of TICKER events.
type PriceTick struct {
	Symbol   string
	Provider string
	Time     time.Time
	Price    decimal.Decimal
}
