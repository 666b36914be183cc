// Package binance implements the Binance spot market-data provider:
// a combined-stream WebSocket for live events and the public REST API
// for historical back-fill.
package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketflow/config"
	"marketflow/internal/market"
	"marketflow/internal/metrics"
	"marketflow/internal/provider"
)

// ProviderName identifies this provider in events and API routes.
const ProviderName = "binance"

const (
	defaultHistoryLimit = 500
	maxHistoryLimit     = 1000
)

// Provider streams Binance spot market data. An empty Symbols config
// disables symbol validation and accepts any pair the exchange knows.
type Provider struct {
	cfg    config.BinanceConfig
	logger zerolog.Logger

	ws   *wsConn
	rest *restClient

	mu        sync.Mutex
	connected bool
	sink      market.DataHandler
	supported map[string]bool
	symbols   []string
}

// New builds a Binance provider from the exchange section of the
// configuration. symbols may be empty.
func New(cfg config.BinanceConfig, symbols []string, m *metrics.Metrics, logger zerolog.Logger) *Provider {
	p := &Provider{
		cfg:       cfg,
		logger:    logger.With().Str("component", "binance_provider").Logger(),
		supported: make(map[string]bool, len(symbols)),
		symbols:   append([]string(nil), symbols...),
	}
	for _, s := range symbols {
		p.supported[strings.ToUpper(s)] = true
	}

	p.ws = newWSConn(cfg.WSURL, cfg.HandshakeTimeout(), ProviderName, m, p.logger, p.dispatch)
	p.rest = newRESTClient(cfg.BaseURL, cfg.RequestTimeout(), cfg.RateLimitRPS, cfg.RateLimitBurst, p.logger)
	return p
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return ProviderName }

// SetCredentials attaches exchange API credentials to REST requests.
// Optional: market data works unauthenticated.
func (p *Provider) SetCredentials(apiKey string) {
	if apiKey != "" {
		p.rest.setAPIKey(apiKey)
	}
}

// Connect dials the combined-stream endpoint. Streams subscribed
// before a disconnect are replayed by the reconnect logic, not here;
// a fresh Connect starts with whatever the wsConn still tracks.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return nil
	}
	if err := p.ws.start(ctx); err != nil {
		return err
	}
	p.connected = true

	// No configured universe: take the exchange's tradable set. A
	// failed fetch leaves the universe unrestricted.
	if len(p.supported) == 0 {
		if symbols, err := p.rest.tradableSymbols(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("exchange info fetch failed, accepting any symbol")
		} else {
			p.symbols = symbols
			for _, s := range symbols {
				p.supported[strings.ToUpper(s)] = true
			}
		}
	}

	p.logger.Info().Str("url", p.cfg.WSURL).Msg("binance provider connected")
	return nil
}

// Disconnect closes the stream connection. Idempotent.
func (p *Provider) Disconnect() error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = false
	p.mu.Unlock()

	p.ws.stop()
	p.logger.Info().Msg("binance provider disconnected")
	return nil
}

// IsConnected implements provider.Provider.
func (p *Provider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SetDataHandler implements provider.Provider.
func (p *Provider) SetDataHandler(sink market.DataHandler) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// checkSubscribable validates connection state and symbol before any
// stream mutation.
func (p *Provider) checkSubscribable(symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return market.ErrNotConnected
	}
	if len(p.supported) > 0 && !p.supported[strings.ToUpper(symbol)] {
		return fmt.Errorf("%w: %s", market.ErrUnknownSymbol, symbol)
	}
	return nil
}

func streamName(symbol, suffix string) string {
	return strings.ToLower(symbol) + "@" + suffix
}

// Subscribe opens the mini-ticker (last price) stream.
func (p *Provider) Subscribe(symbol string) error {
	if err := p.checkSubscribable(symbol); err != nil {
		return err
	}
	return p.ws.subscribe(streamName(symbol, "miniTicker"))
}

// Unsubscribe implements provider.Provider.
func (p *Provider) Unsubscribe(symbol string) error {
	return p.ws.unsubscribe(streamName(symbol, "miniTicker"))
}

// SubscribeKline implements provider.Provider.
func (p *Provider) SubscribeKline(symbol string, interval market.Interval) error {
	if err := p.checkSubscribable(symbol); err != nil {
		return err
	}
	if !interval.Valid() {
		return fmt.Errorf("%w: %q", market.ErrInvalidInterval, interval)
	}
	return p.ws.subscribe(streamName(symbol, "kline_"+wireInterval(interval)))
}

// UnsubscribeKline implements provider.Provider.
func (p *Provider) UnsubscribeKline(symbol string, interval market.Interval) error {
	return p.ws.unsubscribe(streamName(symbol, "kline_"+wireInterval(interval)))
}

// SubscribeTrades implements provider.Provider.
func (p *Provider) SubscribeTrades(symbol string) error {
	if err := p.checkSubscribable(symbol); err != nil {
		return err
	}
	return p.ws.subscribe(streamName(symbol, "trade"))
}

// UnsubscribeTrades implements provider.Provider.
func (p *Provider) UnsubscribeTrades(symbol string) error {
	return p.ws.unsubscribe(streamName(symbol, "trade"))
}

// SubscribeAggregateTrades implements provider.Provider.
func (p *Provider) SubscribeAggregateTrades(symbol string) error {
	if err := p.checkSubscribable(symbol); err != nil {
		return err
	}
	return p.ws.subscribe(streamName(symbol, "aggTrade"))
}

// UnsubscribeAggregateTrades implements provider.Provider.
func (p *Provider) UnsubscribeAggregateTrades(symbol string) error {
	return p.ws.unsubscribe(streamName(symbol, "aggTrade"))
}

// SubscribeOrderBook opens a partial-depth stream at one of the
// supported levels.
func (p *Provider) SubscribeOrderBook(symbol string, depth int) error {
	if err := p.checkSubscribable(symbol); err != nil {
		return err
	}
	if !provider.ValidDepths[depth] {
		return fmt.Errorf("%w: depth %d", market.ErrInvalidArgument, depth)
	}
	return p.ws.subscribe(streamName(symbol, fmt.Sprintf("depth%d", depth)))
}

// UnsubscribeOrderBook drops whichever depth stream is live for the
// symbol.
func (p *Provider) UnsubscribeOrderBook(symbol string) error {
	for depth := range provider.ValidDepths {
		name := streamName(symbol, fmt.Sprintf("depth%d", depth))
		if p.ws.subscribed(name) {
			return p.ws.unsubscribe(name)
		}
	}
	return nil
}

// SubscribeBookTicker implements provider.Provider.
func (p *Provider) SubscribeBookTicker(symbol string) error {
	if err := p.checkSubscribable(symbol); err != nil {
		return err
	}
	return p.ws.subscribe(streamName(symbol, "bookTicker"))
}

// UnsubscribeBookTicker implements provider.Provider.
func (p *Provider) UnsubscribeBookTicker(symbol string) error {
	return p.ws.unsubscribe(streamName(symbol, "bookTicker"))
}

// GetHistoricalKlines implements provider.Provider.
func (p *Provider) GetHistoricalKlines(ctx context.Context, symbol string, interval market.Interval, limit int) ([]market.Candle, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("%w: %q", market.ErrInvalidInterval, interval)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return p.rest.klines(ctx, ProviderName, symbol, interval, limit, time.Time{}, time.Time{})
}

// GetHistoricalKlinesRange implements provider.Provider.
func (p *Provider) GetHistoricalKlinesRange(ctx context.Context, symbol string, interval market.Interval, start, end time.Time) ([]market.Candle, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("%w: %q", market.ErrInvalidInterval, interval)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end before start", market.ErrInvalidArgument)
	}
	return p.rest.klines(ctx, ProviderName, symbol, interval, rangeFetchCap, start, end)
}

// GetHistoricalTrades implements provider.Provider.
func (p *Provider) GetHistoricalTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return p.rest.trades(ctx, ProviderName, symbol, limit)
}

// GetHistoricalAggregateTrades implements provider.Provider.
func (p *Provider) GetHistoricalAggregateTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return p.rest.aggregateTrades(ctx, ProviderName, symbol, limit)
}

// GetHistoricalOrderBookSnapshot implements provider.Provider.
func (p *Provider) GetHistoricalOrderBookSnapshot(ctx context.Context, symbol string, limit int) (*market.OrderBookSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	return p.rest.depth(ctx, ProviderName, symbol, limit)
}

// SupportedSymbols returns the configured universe; empty means
// unrestricted.
func (p *Provider) SupportedSymbols() []string {
	return append([]string(nil), p.symbols...)
}

// SupportedIntervals implements provider.Provider.
func (p *Provider) SupportedIntervals() []market.Interval {
	return market.Intervals()
}

// dispatch normalizes one combined-stream message and hands the event
// to the sink. Malformed payloads are logged and skipped so one bad
// message never stalls the read loop.
func (p *Provider) dispatch(msg combinedMessage) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		return
	}

	symbol, suffix, ok := strings.Cut(msg.Stream, "@")
	if !ok {
		return
	}
	symbol = strings.ToUpper(symbol)

	ev, err := p.normalize(symbol, suffix, msg.Data)
	if err != nil {
		p.logger.Warn().Err(err).Str("stream", msg.Stream).Msg("drop malformed event")
		return
	}
	if ev != nil {
		sink(*ev)
	}
}

func (p *Provider) normalize(symbol, suffix string, data []byte) (*market.Event, error) {
	switch {
	case strings.HasPrefix(suffix, "kline_"):
		var payload wsKline
		if err := unmarshal(data, &payload); err != nil {
			return nil, err
		}
		candle, err := payload.normalize(ProviderName)
		if err != nil {
			return nil, err
		}
		ev := market.NewKlineEvent(candle)
		return &ev, nil

	case suffix == "trade", suffix == "aggTrade":
		var payload wsTrade
		if err := unmarshal(data, &payload); err != nil {
			return nil, err
		}
		trade, err := payload.normalize(ProviderName, suffix == "aggTrade")
		if err != nil {
			return nil, err
		}
		ev := market.NewTradeEvent(trade, suffix == "aggTrade")
		return &ev, nil

	case strings.HasPrefix(suffix, "depth"):
		var payload wsDepth
		if err := unmarshal(data, &payload); err != nil {
			return nil, err
		}
		snap, err := payload.normalize(ProviderName, symbol, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		ev := market.NewOrderBookEvent(snap)
		return &ev, nil

	case suffix == "bookTicker":
		var payload wsBookTicker
		if err := unmarshal(data, &payload); err != nil {
			return nil, err
		}
		snap, err := payload.normalize(ProviderName, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		ev := market.NewBookTickerEvent(snap)
		return &ev, nil

	case suffix == "miniTicker":
		var payload wsMiniTicker
		if err := unmarshal(data, &payload); err != nil {
			return nil, err
		}
		tick, err := payload.normalize(ProviderName)
		if err != nil {
			return nil, err
		}
		ev := market.NewTickerEvent(tick)
		return &ev, nil
	}
	return nil, nil
}
