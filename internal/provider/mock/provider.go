// Package mock implements a deterministic in-process market-data
// provider. A per-symbol stochastic model generates prices; schedulers
// emit ticker, kline, trade, order-book and book-ticker events exactly
// like a live exchange feed, which makes every downstream component
// testable without a network.
package mock

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketflow/internal/market"
	"marketflow/internal/provider"
)

// ProviderName is the registry name of the mock provider.
const ProviderName = "mock"

// Defaults.
const (
	DefaultTickerInterval    = 100 * time.Millisecond
	DefaultOrderBookInterval = time.Second
	DefaultVolatility        = 0.001
	DefaultHistoryMax        = 2000
)

// Seed prices for the symbols the mock serves out of the box.
var defaultSeedPrices = map[string]float64{
	"BTCUSDT": 104500.00,
	"ETHUSDT": 3900.00,
	"BNBUSDT": 710.00,
	"SOLUSDT": 220.00,
	"XRPUSDT": 2.35,
	"ADAUSDT": 1.05,
	"DOGEUSDT": 0.40,
	"LINKUSDT": 28.00,
	"LTCUSDT": 115.00,
	"NEARUSDT": 7.00,
}

// Config tunes the mock provider.
type Config struct {
	TickerInterval    time.Duration
	OrderBookInterval time.Duration
	DefaultVolatility float64
	Scenario          Scenario
	Symbols           []string
	SeedPrices        map[string]float64
	HistoryMax        int
}

func (c *Config) fill() {
	if c.TickerInterval <= 0 {
		c.TickerInterval = DefaultTickerInterval
	}
	if c.OrderBookInterval <= 0 {
		c.OrderBookInterval = DefaultOrderBookInterval
	}
	if c.DefaultVolatility <= 0 {
		c.DefaultVolatility = DefaultVolatility
	}
	if c.Scenario == "" {
		c.Scenario = ScenarioNormal
	}
	if len(c.Symbols) == 0 {
		c.Symbols = make([]string, 0, len(defaultSeedPrices))
		for sym := range defaultSeedPrices {
			c.Symbols = append(c.Symbols, sym)
		}
	}
	if c.HistoryMax <= 0 {
		c.HistoryMax = DefaultHistoryMax
	}
}

// symbolSubs tracks the live streams of one symbol.
type symbolSubs struct {
	ticker     bool
	trades     bool
	aggTrades  bool
	bookTicker bool
	bookDepth  int // 0 = order book off
	intervals  map[market.Interval]bool
}

func (s *symbolSubs) empty() bool {
	return !s.ticker && !s.trades && !s.aggTrades && !s.bookTicker &&
		s.bookDepth == 0 && len(s.intervals) == 0
}

// Provider is the mock market-data source.
type Provider struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	connected bool
	sink      market.DataHandler
	supported map[string]bool
	states    map[string]*marketState
	subs      map[string]*symbolSubs
	// cache holds klineKey -> candle history (synthesized + live),
	// bounded at cfg.HistoryMax.
	cache map[string][]market.Candle

	engines map[string]context.CancelFunc // price engine per symbol
	rollers map[string]context.CancelFunc // per symbol_interval
	seed    int64
}

// New builds a mock provider.
func New(cfg Config, logger zerolog.Logger) *Provider {
	cfg.fill()
	p := &Provider{
		cfg:       cfg,
		logger:    logger.With().Str("component", "mock_provider").Logger(),
		supported: make(map[string]bool, len(cfg.Symbols)),
		states:    make(map[string]*marketState),
		subs:      make(map[string]*symbolSubs),
		cache:     make(map[string][]market.Candle),
		engines:   make(map[string]context.CancelFunc),
		rollers:   make(map[string]context.CancelFunc),
		seed:      time.Now().UnixNano(),
	}
	for _, sym := range cfg.Symbols {
		p.supported[sym] = true
	}
	return p
}

var _ provider.Provider = (*Provider)(nil)

// Name implements provider.Provider.
func (p *Provider) Name() string { return ProviderName }

// Connect marks the provider live and restarts schedulers for any
// surviving subscriptions. Idempotent.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return nil
	}
	p.connected = true
	for symbol, subs := range p.subs {
		if !subs.empty() {
			p.startEngineLocked(symbol)
		}
		for interval := range subs.intervals {
			p.startRollerLocked(symbol, interval)
		}
	}
	p.logger.Info().Msg("mock provider connected")
	return nil
}

// Disconnect stops every scheduler. Subscriptions survive so a
// reconnect resumes them. Idempotent.
func (p *Provider) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil
	}
	p.connected = false
	for key, cancel := range p.engines {
		cancel()
		delete(p.engines, key)
	}
	for key, cancel := range p.rollers {
		cancel()
		delete(p.rollers, key)
	}
	p.logger.Info().Msg("mock provider disconnected")
	return nil
}

// IsConnected implements provider.Provider.
func (p *Provider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SetDataHandler installs the event sink, replacing any prior one.
func (p *Provider) SetDataHandler(sink market.DataHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// SupportedSymbols implements provider.Provider.
func (p *Provider) SupportedSymbols() []string {
	out := make([]string, 0, len(p.supported))
	for sym := range p.supported {
		out = append(out, sym)
	}
	return out
}

// SupportedIntervals implements provider.Provider.
func (p *Provider) SupportedIntervals() []market.Interval {
	return market.Intervals()
}

// Subscribe opens the ticker stream for a symbol.
func (p *Provider) Subscribe(symbol string) error {
	return p.setStream(symbol, func(s *symbolSubs) { s.ticker = true })
}

// Unsubscribe closes the ticker stream.
func (p *Provider) Unsubscribe(symbol string) error {
	return p.clearStream(symbol, func(s *symbolSubs) { s.ticker = false })
}

// SubscribeTrades opens the trade stream.
func (p *Provider) SubscribeTrades(symbol string) error {
	return p.setStream(symbol, func(s *symbolSubs) { s.trades = true })
}

// UnsubscribeTrades closes the trade stream.
func (p *Provider) UnsubscribeTrades(symbol string) error {
	return p.clearStream(symbol, func(s *symbolSubs) { s.trades = false })
}

// SubscribeAggregateTrades opens the aggregate-trade stream.
func (p *Provider) SubscribeAggregateTrades(symbol string) error {
	return p.setStream(symbol, func(s *symbolSubs) { s.aggTrades = true })
}

// UnsubscribeAggregateTrades closes the aggregate-trade stream.
func (p *Provider) UnsubscribeAggregateTrades(symbol string) error {
	return p.clearStream(symbol, func(s *symbolSubs) { s.aggTrades = false })
}

// SubscribeBookTicker opens the best bid/ask stream.
func (p *Provider) SubscribeBookTicker(symbol string) error {
	return p.setStream(symbol, func(s *symbolSubs) { s.bookTicker = true })
}

// UnsubscribeBookTicker closes the best bid/ask stream.
func (p *Provider) UnsubscribeBookTicker(symbol string) error {
	return p.clearStream(symbol, func(s *symbolSubs) { s.bookTicker = false })
}

// SubscribeOrderBook opens the depth stream at the given depth.
func (p *Provider) SubscribeOrderBook(symbol string, depth int) error {
	if !provider.ValidDepths[depth] {
		return fmt.Errorf("%w: depth %d", market.ErrInvalidArgument, depth)
	}
	return p.setStream(symbol, func(s *symbolSubs) { s.bookDepth = depth })
}

// UnsubscribeOrderBook closes the depth stream.
func (p *Provider) UnsubscribeOrderBook(symbol string) error {
	return p.clearStream(symbol, func(s *symbolSubs) { s.bookDepth = 0 })
}

// SubscribeKline opens a kline stream. The price engine folds every
// tick into the current candle; the roller closes periods.
func (p *Provider) SubscribeKline(symbol string, interval market.Interval) error {
	if !interval.Valid() {
		return fmt.Errorf("%w: %q", market.ErrInvalidInterval, interval)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkSubscribableLocked(symbol); err != nil {
		return err
	}

	subs := p.subsLocked(symbol)
	if subs.intervals[interval] {
		return nil
	}
	subs.intervals[interval] = true
	p.ensureStateLocked(symbol)
	p.ensureCurrentCandleLocked(symbol, interval, time.Now())
	p.startEngineLocked(symbol)
	p.startRollerLocked(symbol, interval)
	return nil
}

// UnsubscribeKline closes a kline stream.
func (p *Provider) UnsubscribeKline(symbol string, interval market.Interval) error {
	if !interval.Valid() {
		return fmt.Errorf("%w: %q", market.ErrInvalidInterval, interval)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	subs, ok := p.subs[symbol]
	if !ok {
		return nil
	}
	delete(subs.intervals, interval)

	key := market.KlineKey(ProviderName, symbol, interval)
	if cancel, ok := p.rollers[key]; ok {
		cancel()
		delete(p.rollers, key)
	}
	p.stopEngineIfIdleLocked(symbol)
	return nil
}

func (p *Provider) setStream(symbol string, set func(*symbolSubs)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkSubscribableLocked(symbol); err != nil {
		return err
	}
	set(p.subsLocked(symbol))
	p.ensureStateLocked(symbol)
	p.startEngineLocked(symbol)
	return nil
}

func (p *Provider) clearStream(symbol string, clear func(*symbolSubs)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs, ok := p.subs[symbol]
	if !ok {
		return nil
	}
	clear(subs)
	p.stopEngineIfIdleLocked(symbol)
	return nil
}

func (p *Provider) checkSubscribableLocked(symbol string) error {
	if !p.connected {
		return market.ErrNotConnected
	}
	if !p.supported[symbol] {
		return fmt.Errorf("%w: %s", market.ErrUnknownSymbol, symbol)
	}
	return nil
}

func (p *Provider) subsLocked(symbol string) *symbolSubs {
	subs, ok := p.subs[symbol]
	if !ok {
		subs = &symbolSubs{intervals: make(map[market.Interval]bool)}
		p.subs[symbol] = subs
	}
	return subs
}

func (p *Provider) ensureStateLocked(symbol string) *marketState {
	state, ok := p.states[symbol]
	if !ok {
		price, found := p.cfg.SeedPrices[symbol]
		if !found {
			price = defaultSeedPrices[symbol]
		}
		if price <= 0 {
			price = 100.0
		}
		p.seed++
		state = newMarketState(symbol, price, p.cfg.DefaultVolatility, p.cfg.Scenario, p.seed)
		p.states[symbol] = state
	}
	return state
}

// startEngineLocked launches the per-symbol price engine if the symbol
// has any live stream and none is running yet.
func (p *Provider) startEngineLocked(symbol string) {
	if !p.connected {
		return
	}
	if _, running := p.engines[symbol]; running {
		return
	}
	subs, ok := p.subs[symbol]
	if !ok || subs.empty() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.engines[symbol] = cancel
	go p.runEngine(ctx, symbol)
}

func (p *Provider) stopEngineIfIdleLocked(symbol string) {
	subs, ok := p.subs[symbol]
	if ok && subs.empty() {
		delete(p.subs, symbol)
		if cancel, running := p.engines[symbol]; running {
			cancel()
			delete(p.engines, symbol)
		}
	}
}

// runEngine drives one symbol: price steps at the ticker cadence and
// depth snapshots at the order-book cadence.
func (p *Provider) runEngine(ctx context.Context, symbol string) {
	tick := time.NewTicker(p.cfg.TickerInterval)
	book := time.NewTicker(p.cfg.OrderBookInterval)
	defer tick.Stop()
	defer book.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			for _, ev := range p.priceStep(symbol, time.Now()) {
				p.emit(ev)
			}
		case <-book.C:
			if ev, ok := p.bookSnapshot(symbol, time.Now()); ok {
				p.emit(ev)
			}
		}
	}
}

// startRollerLocked launches the per-(symbol, interval) period closer.
func (p *Provider) startRollerLocked(symbol string, interval market.Interval) {
	if !p.connected {
		return
	}
	key := market.KlineKey(ProviderName, symbol, interval)
	if _, running := p.rollers[key]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.rollers[key] = cancel
	go p.runRoller(ctx, symbol, interval)
}

// runRoller fires just after each bucket boundary.
func (p *Provider) runRoller(ctx context.Context, symbol string, interval market.Interval) {
	for {
		wait := time.Until(interval.NextBucket(time.Now())) + 5*time.Millisecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			for _, ev := range p.roll(symbol, interval, time.Now()) {
				p.emit(ev)
			}
		}
	}
}

// priceStep advances the market state one tick and assembles the
// events the symbol's subscriptions call for.
func (p *Provider) priceStep(symbol string, now time.Time) []market.Event {
	p.mu.Lock()

	state, ok := p.states[symbol]
	subs, hasSubs := p.subs[symbol]
	if !ok || !hasSubs {
		p.mu.Unlock()
		return nil
	}

	price := state.step()
	priceDec := decimal.NewFromFloat(price).Round(8)
	events := make([]market.Event, 0, 4)

	if subs.ticker {
		events = append(events, market.NewTickerEvent(market.PriceTick{
			Symbol:   symbol,
			Provider: ProviderName,
			Time:     now,
			Price:    priceDec,
		}))
	}

	var trades []market.Trade
	if subs.trades || subs.aggTrades {
		trades = p.syntheticTradesLocked(state, priceDec, now)
	}
	tickVolume := decimal.Zero
	for _, t := range trades {
		tickVolume = tickVolume.Add(t.Quantity)
	}
	if tickVolume.IsZero() {
		// Kline volume keeps accumulating even when no trade stream
		// is live.
		tickVolume = decimal.NewFromFloat(0.05 + state.rng.Float64()*0.5).Round(8)
	}

	// Fold the tick into every open candle through the same path the
	// roller uses; the candle store makes the last write current.
	for interval := range subs.intervals {
		candle := p.ensureCurrentCandleLocked(symbol, interval, now)
		candle.ApplyTick(priceDec, tickVolume)
		p.storeCurrentCandleLocked(symbol, interval, *candle)
		events = append(events, market.NewKlineEvent(*candle))
	}

	if subs.bookTicker {
		events = append(events, market.NewBookTickerEvent(p.syntheticBookTickerLocked(state, now)))
	}

	emitAgg := subs.aggTrades
	p.mu.Unlock()

	// Each synthetic trade goes out exactly once; with both streams
	// live the aggregate stream carries it.
	for _, t := range trades {
		events = append(events, market.NewTradeEvent(t, emitAgg))
	}
	return events
}

// roll closes the previous period and opens the next one.
func (p *Provider) roll(symbol string, interval market.Interval, now time.Time) []market.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.states[symbol]
	if !ok {
		return nil
	}
	key := market.KlineKey(ProviderName, symbol, interval)
	bucket := interval.BucketStart(now)
	seq := p.cache[key]

	if len(seq) == 0 {
		candle := market.NewCandle(ProviderName, symbol, interval, now, decimal.NewFromFloat(state.currentPrice).Round(8))
		p.cache[key] = append(seq, candle)
		return []market.Event{market.NewKlineEvent(candle)}
	}

	last := &seq[len(seq)-1]
	if last.OpenTime.Before(bucket) {
		last.Closed = true
		closedEv := market.NewKlineEvent(*last)

		next := market.NewCandle(ProviderName, symbol, interval, bucket, decimal.NewFromFloat(state.currentPrice).Round(8))
		seq = append(seq, next)
		if len(seq) > p.cfg.HistoryMax {
			seq = seq[len(seq)-p.cfg.HistoryMax:]
		}
		p.cache[key] = seq
		return []market.Event{closedEv, market.NewKlineEvent(next)}
	}

	// Period candle already exists (ticker updates created it):
	// emit as-is.
	return []market.Event{market.NewKlineEvent(*last)}
}

// ensureCurrentCandleLocked returns the cached candle of the bucket
// containing now, creating (and appending) it when the cache ends
// earlier.
func (p *Provider) ensureCurrentCandleLocked(symbol string, interval market.Interval, now time.Time) *market.Candle {
	key := market.KlineKey(ProviderName, symbol, interval)
	bucket := interval.BucketStart(now)
	seq := p.cache[key]

	if n := len(seq); n > 0 {
		last := &seq[n-1]
		if last.OpenTime.Equal(bucket) {
			return last
		}
		if last.OpenTime.After(bucket) {
			// Clock skew between schedulers; treat the cached candle
			// as current.
			return last
		}
		last.Closed = true
	}

	state := p.ensureStateLocked(symbol)
	candle := market.NewCandle(ProviderName, symbol, interval, bucket, decimal.NewFromFloat(state.currentPrice).Round(8))
	seq = append(seq, candle)
	if len(seq) > p.cfg.HistoryMax {
		seq = seq[len(seq)-p.cfg.HistoryMax:]
	}
	p.cache[key] = seq
	return &p.cache[key][len(p.cache[key])-1]
}

func (p *Provider) storeCurrentCandleLocked(symbol string, interval market.Interval, c market.Candle) {
	key := market.KlineKey(ProviderName, symbol, interval)
	seq := p.cache[key]
	if n := len(seq); n > 0 && seq[n-1].OpenTime.Equal(c.OpenTime) {
		seq[n-1] = c
	}
}

// syntheticTradesLocked fabricates 1-3 trades around the current
// price. The taker side leans with the trend.
func (p *Provider) syntheticTradesLocked(state *marketState, price decimal.Decimal, now time.Time) []market.Trade {
	count := 1 + state.rng.Intn(3)
	buyBias := 0.5
	switch {
	case state.trend > 0:
		buyBias = 0.65
	case state.trend < 0:
		buyBias = 0.35
	}

	trades := make([]market.Trade, 0, count)
	for i := 0; i < count; i++ {
		jitter := 1 + state.rng.NormFloat64()*state.volatility*0.25
		tradePrice := price.Mul(decimal.NewFromFloat(jitter)).Round(8)
		if !tradePrice.IsPositive() {
			tradePrice = price
		}
		trades = append(trades, market.Trade{
			Symbol:        state.symbol,
			Provider:      ProviderName,
			TradeID:       uuid.NewString(),
			Time:          now,
			Price:         tradePrice,
			Quantity:      decimal.NewFromFloat(0.01 + state.rng.Float64()*0.8).Round(8),
			AggressiveBuy: state.rng.Float64() < buyBias,
		})
	}
	return trades
}

// syntheticBookTickerLocked fabricates a best bid/ask with a spread
// proportional to the symbol's volatility.
func (p *Provider) syntheticBookTickerLocked(state *marketState, now time.Time) market.BookTickerSnapshot {
	half := state.currentPrice * math.Max(state.volatility, 1e-5) * 0.5
	bid := decimal.NewFromFloat(state.currentPrice - half).Round(8)
	ask := decimal.NewFromFloat(state.currentPrice + half).Round(8)
	bidQty := decimal.NewFromFloat(0.5 + state.rng.Float64()*5).Round(8)
	askQty := decimal.NewFromFloat(0.5 + state.rng.Float64()*5).Round(8)
	return market.NewBookTicker(ProviderName, state.symbol, now, bid, bidQty, ask, askQty)
}

// bookSnapshot fabricates a depth snapshot when the symbol has an
// order-book subscription.
func (p *Provider) bookSnapshot(symbol string, now time.Time) (market.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.states[symbol]
	subs, hasSubs := p.subs[symbol]
	if !ok || !hasSubs || subs.bookDepth == 0 {
		return market.Event{}, false
	}

	depth := subs.bookDepth
	step := state.currentPrice * 0.0005
	if step <= 0 {
		step = 0.01
	}

	snap := market.OrderBookSnapshot{
		Symbol:   symbol,
		Provider: ProviderName,
		Time:     now,
		Bids:     make([]market.PriceLevel, 0, depth),
		Asks:     make([]market.PriceLevel, 0, depth),
	}
	for i := 0; i < depth; i++ {
		// Quantities decay away from the touch.
		qty := (2 + state.rng.Float64()*10) * math.Exp(-0.3*float64(i))
		snap.Bids = append(snap.Bids, market.PriceLevel{
			Price:    decimal.NewFromFloat(state.currentPrice - step*float64(i+1)).Round(8),
			Quantity: decimal.NewFromFloat(qty).Round(8),
		})
		qty = (2 + state.rng.Float64()*10) * math.Exp(-0.3*float64(i))
		snap.Asks = append(snap.Asks, market.PriceLevel{
			Price:    decimal.NewFromFloat(state.currentPrice + step*float64(i+1)).Round(8),
			Quantity: decimal.NewFromFloat(qty).Round(8),
		})
	}
	return market.NewOrderBookEvent(snap), true
}

func (p *Provider) emit(ev market.Event) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}
