package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"marketflow/internal/market"
	"marketflow/internal/provider"
	"marketflow/internal/store"
	"marketflow/internal/strategy"
)

// ProviderState is the lifecycle state of a registered provider.
type ProviderState string

const (
	StateRegistered ProviderState = "REGISTERED"
	StateConnected  ProviderState = "CONNECTED"
	StateSubscribed ProviderState = "SUBSCRIBED"
)

// StreamKey identifies one live subscription.
type StreamKey struct {
	Type     market.StreamType `json:"type"`
	Symbol   string            `json:"symbol"`
	Interval market.Interval   `json:"interval,omitempty"`
	Depth    int               `json:"depth,omitempty"`
}

// Registry owns the provider map and the per-provider subscription
// state machine. Every subscription goes through it so the set of
// live streams is always known.
type Registry struct {
	logger zerolog.Logger
	hub    *Hub

	mu        sync.RWMutex
	providers map[string]provider.Provider
	states    map[string]ProviderState
	streams   map[string]map[StreamKey]bool
}

// NewRegistry builds a registry feeding the given hub.
func NewRegistry(h *Hub, logger zerolog.Logger) *Registry {
	return &Registry{
		logger:    logger.With().Str("component", "registry").Logger(),
		hub:       h,
		providers: make(map[string]provider.Provider),
		states:    make(map[string]ProviderState),
		streams:   make(map[string]map[StreamKey]bool),
	}
}

// Register adds a provider and points its sink at the hub.
func (r *Registry) Register(p provider.Provider) {
	name := p.Name()
	p.SetDataHandler(r.hub.Sink())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	r.states[name] = StateRegistered
	r.streams[name] = make(map[StreamKey]bool)
	r.logger.Info().Str("provider", name).Msg("provider registered")
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (provider.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", market.ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}

// State returns the lifecycle state of a provider.
func (r *Registry) State(name string) (ProviderState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", market.ErrUnknownProvider, name)
	}
	return st, nil
}

// Connect connects a provider. Idempotent.
func (r *Registry) Connect(ctx context.Context, name string) error {
	p, err := r.Get(name)
	if err != nil {
		return err
	}
	if err := p.Connect(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[name] == StateRegistered {
		r.states[name] = StateConnected
	}
	return nil
}

// Disconnect disconnects a provider and forgets its streams.
func (r *Registry) Disconnect(name string) error {
	p, err := r.Get(name)
	if err != nil {
		return err
	}
	if err := p.Disconnect(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[name] = make(map[StreamKey]bool)
	r.states[name] = StateRegistered
	return nil
}

// Subscribe opens a stream on a provider and records it.
func (r *Registry) Subscribe(name string, key StreamKey) error {
	p, err := r.Get(name)
	if err != nil {
		return err
	}

	switch key.Type {
	case market.StreamTicker:
		err = p.Subscribe(key.Symbol)
	case market.StreamKline:
		err = p.SubscribeKline(key.Symbol, key.Interval)
	case market.StreamTrade:
		err = p.SubscribeTrades(key.Symbol)
	case market.StreamAggTrade:
		err = p.SubscribeAggregateTrades(key.Symbol)
	case market.StreamOrderBook:
		err = p.SubscribeOrderBook(key.Symbol, key.Depth)
	case market.StreamBookTicker:
		err = p.SubscribeBookTicker(key.Symbol)
	default:
		err = fmt.Errorf("%w: stream type %q", market.ErrInvalidArgument, key.Type)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[name][key] = true
	r.states[name] = StateSubscribed
	return nil
}

// Unsubscribe closes a stream on a provider and forgets it.
func (r *Registry) Unsubscribe(name string, key StreamKey) error {
	p, err := r.Get(name)
	if err != nil {
		return err
	}

	switch key.Type {
	case market.StreamTicker:
		err = p.Unsubscribe(key.Symbol)
	case market.StreamKline:
		err = p.UnsubscribeKline(key.Symbol, key.Interval)
	case market.StreamTrade:
		err = p.UnsubscribeTrades(key.Symbol)
	case market.StreamAggTrade:
		err = p.UnsubscribeAggregateTrades(key.Symbol)
	case market.StreamOrderBook:
		err = p.UnsubscribeOrderBook(key.Symbol)
	case market.StreamBookTicker:
		err = p.UnsubscribeBookTicker(key.Symbol)
	default:
		err = fmt.Errorf("%w: stream type %q", market.ErrInvalidArgument, key.Type)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Depth does not identify an order-book stream on unsubscribe.
	for stored := range r.streams[name] {
		if stored.Type == key.Type && stored.Symbol == key.Symbol && stored.Interval == key.Interval {
			delete(r.streams[name], stored)
		}
	}
	if len(r.streams[name]) == 0 && r.states[name] == StateSubscribed {
		r.states[name] = StateConnected
	}
	return nil
}

// Streams returns the live stream set of a provider.
func (r *Registry) Streams(name string) []StreamKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StreamKey, 0, len(r.streams[name]))
	for key := range r.streams[name] {
		out = append(out, key)
	}
	return out
}

// Stats reports per-provider state and stream counts.
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]any, len(r.providers))
	for name, p := range r.providers {
		out[name] = map[string]any{
			"state":     r.states[name],
			"connected": p.IsConnected(),
			"streams":   len(r.streams[name]),
		}
	}
	return out
}

// OrderFlowStreams selects the order-flow streams opted in at
// bootstrap.
type OrderFlowStreams struct {
	Trades          bool
	AggregateTrades bool
	OrderBook       bool
	BookTicker      bool
	Depth           int
}

// BootstrapConfig drives the startup subscription pass.
type BootstrapConfig struct {
	Provider      string
	Interval      market.Interval
	WarmupCandles int
	OrderFlow     OrderFlowStreams
}

// Bootstrap connects the default provider, subscribes klines for the
// union of strategy symbols, warms the candle store from historical
// fetches and opens the configured order-flow streams. Failures are
// logged and skipped: partial coverage beats no startup.
func (r *Registry) Bootstrap(ctx context.Context, strategies []strategy.Strategy, cfg BootstrapConfig, candles *store.CandleStore) error {
	if err := r.Connect(ctx, cfg.Provider); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Provider, err)
	}
	p, err := r.Get(cfg.Provider)
	if err != nil {
		return err
	}

	symbols := strategy.UnionSymbols(strategies)
	for _, symbol := range symbols {
		if err := r.Subscribe(cfg.Provider, StreamKey{
			Type:     market.StreamKline,
			Symbol:   symbol,
			Interval: cfg.Interval,
		}); err != nil {
			r.logger.Warn().Err(err).Str("symbol", symbol).Msg("kline subscription failed, continuing")
			continue
		}

		if cfg.WarmupCandles > 0 && candles != nil {
			batch, err := p.GetHistoricalKlines(ctx, symbol, cfg.Interval, cfg.WarmupCandles)
			if err != nil {
				r.logger.Warn().Err(err).Str("symbol", symbol).Msg("historical warmup failed, continuing")
			} else {
				inserted := candles.AddBulk(cfg.Provider, symbol, cfg.Interval, batch)
				r.logger.Info().
					Str("symbol", symbol).
					Str("interval", cfg.Interval.String()).
					Int("candles", inserted).
					Msg("candle store warmed")
			}
		}

		r.bootstrapOrderFlow(cfg, symbol)
	}

	r.logger.Info().
		Str("provider", cfg.Provider).
		Int("symbols", len(symbols)).
		Msg("subscription bootstrap complete")
	return nil
}

func (r *Registry) bootstrapOrderFlow(cfg BootstrapConfig, symbol string) {
	open := func(key StreamKey) {
		if err := r.Subscribe(cfg.Provider, key); err != nil {
			r.logger.Warn().Err(err).
				Str("symbol", symbol).
				Str("stream", string(key.Type)).
				Msg("order-flow subscription failed, continuing")
		}
	}
	if cfg.OrderFlow.Trades {
		open(StreamKey{Type: market.StreamTrade, Symbol: symbol})
	}
	if cfg.OrderFlow.AggregateTrades {
		open(StreamKey{Type: market.StreamAggTrade, Symbol: symbol})
	}
	if cfg.OrderFlow.OrderBook {
		open(StreamKey{Type: market.StreamOrderBook, Symbol: symbol, Depth: cfg.OrderFlow.Depth})
	}
	if cfg.OrderFlow.BookTicker {
		open(StreamKey{Type: market.StreamBookTicker, Symbol: symbol})
	}
}
