package mock

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"marketflow/internal/market"
)

const rangeFetchCap = 1000

// GetHistoricalKlines synthesizes (or serves from cache) the limit
// most-recent candles. The batch ends at the current bucket with a
// still-open last candle, and the market state anchors to its close so
// the live stream continues seamlessly.
func (p *Provider) GetHistoricalKlines(_ context.Context, symbol string, interval market.Interval, limit int) ([]market.Candle, error) {
	if !p.supported[symbol] {
		return nil, fmt.Errorf("%w: %s", market.ErrUnknownSymbol, symbol)
	}
	if !interval.Valid() {
		return nil, fmt.Errorf("%w: %q", market.ErrInvalidInterval, interval)
	}
	if limit <= 0 {
		limit = 500
	}
	if limit > p.cfg.HistoryMax {
		limit = p.cfg.HistoryMax
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seq := p.historyLocked(symbol, interval, limit, time.Now())
	if len(seq) > limit {
		seq = seq[len(seq)-limit:]
	}
	out := make([]market.Candle, len(seq))
	copy(out, seq)
	return out, nil
}

// GetHistoricalKlinesRange serves candles with open times inside
// [start, end], capped at 1000.
func (p *Provider) GetHistoricalKlinesRange(_ context.Context, symbol string, interval market.Interval, start, end time.Time) ([]market.Candle, error) {
	if !p.supported[symbol] {
		return nil, fmt.Errorf("%w: %s", market.ErrUnknownSymbol, symbol)
	}
	if !interval.Valid() {
		return nil, fmt.Errorf("%w: %q", market.ErrInvalidInterval, interval)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: range end before start", market.ErrInvalidArgument)
	}

	now := time.Now()
	span := int(now.Sub(start)/interval.Duration()) + 1
	if span > p.cfg.HistoryMax {
		span = p.cfg.HistoryMax
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]market.Candle, 0)
	for _, c := range p.historyLocked(symbol, interval, span, now) {
		if c.OpenTime.Before(start) || c.OpenTime.After(end) {
			continue
		}
		out = append(out, c)
		if len(out) == rangeFetchCap {
			break
		}
	}
	return out, nil
}

// GetHistoricalTrades returns empty; the mock does not back-fill
// order flow.
func (p *Provider) GetHistoricalTrades(context.Context, string, int) ([]market.Trade, error) {
	return nil, nil
}

// GetHistoricalAggregateTrades returns empty.
func (p *Provider) GetHistoricalAggregateTrades(context.Context, string, int) ([]market.Trade, error) {
	return nil, nil
}

// GetHistoricalOrderBookSnapshot returns empty.
func (p *Provider) GetHistoricalOrderBookSnapshot(context.Context, string, int) (*market.OrderBookSnapshot, error) {
	return nil, nil
}

// historyLocked grows the cached sequence for the key until it holds
// at least want candles (or the bound), synthesizing older candles
// before the earliest cached one when needed.
func (p *Provider) historyLocked(symbol string, interval market.Interval, want int, now time.Time) []market.Candle {
	state := p.ensureStateLocked(symbol)
	key := market.KlineKey(ProviderName, symbol, interval)
	seq := p.cache[key]

	if len(seq) == 0 {
		seq = p.synthesize(state, symbol, interval, want, interval.BucketStart(now), state.currentPrice, false)
		if len(seq) > 0 {
			state.anchor(seq[len(seq)-1].Close.InexactFloat64())
		}
	} else if want > len(seq) {
		first := seq[0]
		older := p.synthesize(state, symbol, interval, want-len(seq),
			first.OpenTime.Add(-interval.Duration()), first.Open.InexactFloat64(), true)
		seq = append(older, seq...)
	}

	if len(seq) > p.cfg.HistoryMax {
		seq = seq[len(seq)-p.cfg.HistoryMax:]
	}
	p.cache[key] = seq
	return seq
}

// synthesize reverse-walks count candles ending at lastBucket whose
// final close equals endPrice. Candles are contiguous: each open is
// the previous candle's close. allClosed marks even the newest candle
// closed (used when back-filling before cached history).
func (p *Provider) synthesize(state *marketState, symbol string, interval market.Interval, count int, lastBucket time.Time, endPrice float64, allClosed bool) []market.Candle {
	if count <= 0 {
		return nil
	}

	minutes := float64(interval.Seconds()) / 60
	sigma := state.defaultVolatility * math.Sqrt(float64(interval.Seconds()))

	type bar struct{ open, high, low, close, volume float64; trades int64 }
	bars := make([]bar, count)

	price := endPrice
	for i := count - 1; i >= 0; i-- {
		change := state.rng.NormFloat64() * sigma
		open := price / (1 + change)
		if open < priceFloor {
			open = priceFloor
		}
		hi := math.Max(open, price) * (1 + math.Abs(state.rng.NormFloat64())*sigma*0.5)
		lo := math.Min(open, price) * (1 - math.Abs(state.rng.NormFloat64())*sigma*0.5)
		if lo < priceFloor {
			lo = priceFloor
		}
		bars[i] = bar{
			open:   open,
			high:   hi,
			low:    lo,
			close:  price,
			volume: (50 + state.rng.Float64()*200) * math.Sqrt(minutes),
			trades: int64(100 + state.rng.Intn(900)),
		}
		price = open
	}

	out := make([]market.Candle, count)
	for i, b := range bars {
		openTime := lastBucket.Add(-time.Duration(count-1-i) * interval.Duration())
		out[i] = market.Candle{
			Symbol:      symbol,
			Provider:    ProviderName,
			Interval:    interval,
			OpenTime:    openTime,
			CloseTime:   openTime.Add(interval.Duration() - time.Millisecond),
			Open:        decimal.NewFromFloat(b.open).Round(8),
			High:        decimal.NewFromFloat(b.high).Round(8),
			Low:         decimal.NewFromFloat(b.low).Round(8),
			Close:       decimal.NewFromFloat(b.close).Round(8),
			Volume:      decimal.NewFromFloat(b.volume).Round(8),
			QuoteVolume: decimal.NewFromFloat(b.volume * b.close).Round(8),
			TradeCount:  b.trades,
			Closed:      allClosed || i < count-1,
		}
	}
	return out
}

// SetMarketScenario switches a symbol's regime.
func (p *Provider) SetMarketScenario(symbol string, scenario Scenario) error {
	if !scenarios[scenario] {
		return fmt.Errorf("%w: scenario %q", market.ErrInvalidArgument, scenario)
	}
	return p.withState(symbol, func(s *marketState) {
		s.scenario = scenario
		s.phase = phaseDormant
		s.ticksSinceTrend = 0
		s.momentum = 0
		s.trend = 0
	})
}

// SetSymbolVolatility overrides a symbol's baseline volatility.
func (p *Provider) SetSymbolVolatility(symbol string, volatility float64) error {
	if volatility <= 0 {
		return fmt.Errorf("%w: volatility must be > 0", market.ErrInvalidArgument)
	}
	return p.withState(symbol, func(s *marketState) {
		s.volatility = volatility
		s.defaultVolatility = volatility
	})
}

// SetSymbolTrend forces a symbol's trend.
func (p *Provider) SetSymbolTrend(symbol string, trend float64) error {
	return p.withState(symbol, func(s *marketState) {
		s.trend = trend
		s.ticksSinceTrend = 0
	})
}

// ResetSymbolPrice re-anchors both the current price and the
// mean-reversion base.
func (p *Provider) ResetSymbolPrice(symbol string, price float64) error {
	if price <= 0 {
		return fmt.Errorf("%w: price must be > 0", market.ErrInvalidArgument)
	}
	return p.withState(symbol, func(s *marketState) { s.anchor(price) })
}

// TriggerPump starts a pump cycle immediately, regardless of scenario.
func (p *Provider) TriggerPump(symbol string) error {
	return p.withState(symbol, func(s *marketState) {
		s.scenario = ScenarioPumpAndDump
		s.startPump()
	})
}

// TriggerDump starts a dump cycle immediately.
func (p *Provider) TriggerDump(symbol string) error {
	return p.withState(symbol, func(s *marketState) {
		s.scenario = ScenarioPumpAndDump
		s.startDump()
	})
}

// CurrentPrice exposes the simulated price, mainly for tests and the
// simulator binary.
func (p *Provider) CurrentPrice(symbol string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.states[symbol]
	if !ok {
		return 0, false
	}
	return state.currentPrice, true
}

func (p *Provider) withState(symbol string, fn func(*marketState)) error {
	if !p.supported[symbol] {
		return fmt.Errorf("%w: %s", market.ErrUnknownSymbol, symbol)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.ensureStateLocked(symbol))
	return nil
}
