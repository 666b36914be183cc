package market

import (
	"fmt"
	"time"
)

// StreamType identifies a market-data stream. The values double as the
// type names of the WebSocket push protocol.
type StreamType string

const (
	StreamTicker     StreamType = "TICKER"
	StreamKline      StreamType = "KLINE"
	StreamTrade      StreamType = "TRADE"
	StreamAggTrade   StreamType = "AGGREGATE_TRADE"
	StreamOrderBook  StreamType = "ORDER_BOOK"
	StreamBookTicker StreamType = "BOOK_TICKER"
)

var streamTypes = map[StreamType]bool{
	StreamTicker:     true,
	StreamKline:      true,
	StreamTrade:      true,
	StreamAggTrade:   true,
	StreamOrderBook:  true,
	StreamBookTicker: true,
}

// ParseStreamType validates a stream type name from the push protocol.
func ParseStreamType(s string) (StreamType, error) {
	st := StreamType(s)
	if !streamTypes[st] {
		return "", fmt.Errorf("%w: stream type %q", ErrInvalidArgument, s)
	}
	return st, nil
}

// Event is one normalized observation emitted by a provider into the
// dispatch hub. Data is one of *Candle, *Trade, *OrderBookSnapshot,
// *BookTickerSnapshot or *PriceTick depending on Type. Events are
// immutable once emitted.
type Event struct {
	Type     StreamType
	Provider string
	Symbol   string
	Interval Interval
	Time     time.Time
	Data     any
}

// DataHandler is the provider sink. Implementations must not block;
// providers call it from their read loops.
type DataHandler func(Event)

// NewKlineEvent wraps a candle update.
func NewKlineEvent(c Candle) Event {
	return Event{
		Type:     StreamKline,
		Provider: c.Provider,
		Symbol:   c.Symbol,
		Interval: c.Interval,
		Time:     c.OpenTime,
		Data:     &c,
	}
}

// NewTradeEvent wraps a trade; aggregate selects the aggregate-trade
// stream type.
func NewTradeEvent(t Trade, aggregate bool) Event {
	st := StreamTrade
	if aggregate {
		st = StreamAggTrade
	}
	return Event{
		Type:     st,
		Provider: t.Provider,
		Symbol:   t.Symbol,
		Time:     t.Time,
		Data:     &t,
	}
}

// NewOrderBookEvent wraps a depth snapshot.
func NewOrderBookEvent(s OrderBookSnapshot) Event {
	return Event{
		Type:     StreamOrderBook,
		Provider: s.Provider,
		Symbol:   s.Symbol,
		Time:     s.Time,
		Data:     &s,
	}
}

// NewBookTickerEvent wraps a best bid/ask snapshot.
func NewBookTickerEvent(s BookTickerSnapshot) Event {
	return Event{
		Type:     StreamBookTicker,
		Provider: s.Provider,
		Symbol:   s.Symbol,
		Time:     s.Time,
		Data:     &s,
	}
}

// NewTickerEvent wraps a price tick.
func NewTickerEvent(p PriceTick) Event {
	return Event{
		Type:     StreamTicker,
		Provider: p.Provider,
		Symbol:   p.Symbol,
		Time:     p.Time,
		Data:     &p,
	}
}
