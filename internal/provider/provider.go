// Package provider defines the contract every market-data source
// implements. Providers own their external connections, normalize raw
// payloads into market.Event values and emit them into a single sink.
package provider

import (
	"context"
	"time"

	"marketflow/internal/market"
)

// ValidDepths are the order-book depths providers accept.
var ValidDepths = map[int]bool{5: true, 10: true, 20: true}

// Provider is a market-data source. Connect/Disconnect are idempotent;
// mutating subscribe calls before Connect fail with
// market.ErrNotConnected. Providers emit at most once per source event
// and preserve per-symbol arrival order.
type Provider interface {
	Name() string

	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Subscribe opens the ticker (last price) stream for a symbol.
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error

	SubscribeKline(symbol string, interval market.Interval) error
	UnsubscribeKline(symbol string, interval market.Interval) error

	SubscribeTrades(symbol string) error
	UnsubscribeTrades(symbol string) error
	SubscribeAggregateTrades(symbol string) error
	UnsubscribeAggregateTrades(symbol string) error
	SubscribeOrderBook(symbol string, depth int) error
	UnsubscribeOrderBook(symbol string) error
	SubscribeBookTicker(symbol string) error
	UnsubscribeBookTicker(symbol string) error

	// SetDataHandler installs the single event sink, replacing any
	// prior one. The sink must not block.
	SetDataHandler(sink market.DataHandler)

	// GetHistoricalKlines returns up to limit most-recent candles. The
	// last entry may be the still-open current candle.
	GetHistoricalKlines(ctx context.Context, symbol string, interval market.Interval, limit int) ([]market.Candle, error)
	// GetHistoricalKlinesRange returns candles with open times inside
	// [start, end], capped at 1000.
	GetHistoricalKlinesRange(ctx context.Context, symbol string, interval market.Interval, start, end time.Time) ([]market.Candle, error)

	// Historical order-flow fetches may return empty for providers
	// that do not back-fill.
	GetHistoricalTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error)
	GetHistoricalAggregateTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error)
	GetHistoricalOrderBookSnapshot(ctx context.Context, symbol string, limit int) (*market.OrderBookSnapshot, error)

	SupportedSymbols() []string
	SupportedIntervals() []market.Interval
}
