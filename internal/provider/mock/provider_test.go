package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/internal/market"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	return New(Config{
		Symbols:    []string{"BTCUSDT", "ETHUSDT"},
		SeedPrices: map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000},
	}, zerolog.Nop())
}

func TestMeanReversionBound(t *testing.T) {
	for _, scenario := range []Scenario{
		ScenarioNormal, ScenarioBullRun, ScenarioBearMarket,
		ScenarioVolatile, ScenarioSideways, ScenarioPumpAndDump,
	} {
		t.Run(string(scenario), func(t *testing.T) {
			state := newMarketState("TESTUSDT", 100, DefaultVolatility, scenario, 42)

			sum := 0.0
			for i := 0; i < 10000; i++ {
				sum += state.step()
			}
			mean := sum / 10000

			// Loose bound: mean reversion keeps the drift in check.
			assert.InDelta(t, 100.0, mean, 20.0, "mean price %f under %s", mean, scenario)
		})
	}
}

func TestPriceFloor(t *testing.T) {
	state := newMarketState("TESTUSDT", 0.02, 0.5, ScenarioBearMarket, 7)
	for i := 0; i < 1000; i++ {
		assert.GreaterOrEqual(t, state.step(), priceFloor)
	}
}

func TestPumpAndDumpCycle(t *testing.T) {
	state := newMarketState("TESTUSDT", 100, DefaultVolatility, ScenarioPumpAndDump, 1)
	state.startPump()

	require.Equal(t, phasePumping, state.phase)
	assert.Equal(t, pumpTrend, state.trend)

	for i := 0; i < pumpTicks; i++ {
		state.step()
	}
	require.Equal(t, phaseDumping, state.phase)
	assert.Equal(t, dumpTrend, state.trend)

	for i := 0; i < dumpTicks; i++ {
		state.step()
	}
	assert.Equal(t, phaseDormant, state.phase)
	assert.Zero(t, state.trend)
}

func TestSubscribeRequiresConnect(t *testing.T) {
	p := newTestProvider(t)

	err := p.Subscribe("BTCUSDT")
	assert.ErrorIs(t, err, market.ErrNotConnected)

	require.NoError(t, p.Connect(context.Background()))
	assert.NoError(t, p.Subscribe("BTCUSDT"))
	assert.ErrorIs(t, p.Subscribe("NOPEUSDT"), market.ErrUnknownSymbol)
	assert.ErrorIs(t, p.SubscribeOrderBook("BTCUSDT", 7), market.ErrInvalidArgument)
	require.NoError(t, p.Disconnect())
}

func TestConnectDisconnectIdempotent(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.Connect(ctx))
	require.NoError(t, p.Connect(ctx))
	assert.True(t, p.IsConnected())

	require.NoError(t, p.Disconnect())
	require.NoError(t, p.Disconnect())
	assert.False(t, p.IsConnected())
}

func TestHistoricalKlinesShape(t *testing.T) {
	p := newTestProvider(t)

	candles, err := p.GetHistoricalKlines(context.Background(), "BTCUSDT", market.Interval1m, 500)
	require.NoError(t, err)
	require.Len(t, candles, 500)

	interval := market.Interval1m.Duration()
	for i, c := range candles {
		// OHLC envelope.
		assert.True(t, c.High.GreaterThanOrEqual(c.Open), "candle %d", i)
		assert.True(t, c.High.GreaterThanOrEqual(c.Close), "candle %d", i)
		assert.True(t, c.Low.LessThanOrEqual(c.Open), "candle %d", i)
		assert.True(t, c.Low.LessThanOrEqual(c.Close), "candle %d", i)

		if i > 0 {
			// Contiguity: adjacent open times one interval apart, and
			// each open equals the previous close.
			assert.Equal(t, interval, c.OpenTime.Sub(candles[i-1].OpenTime), "candle %d", i)
			assert.True(t, c.Open.Equal(candles[i-1].Close), "candle %d open %s prev close %s", i, c.Open, candles[i-1].Close)
		}

		if i < len(candles)-1 {
			assert.True(t, c.Closed, "candle %d must be closed", i)
		}
	}
	// The newest candle is the still-open current bucket.
	last := candles[len(candles)-1]
	assert.False(t, last.Closed)
	assert.Equal(t, market.Interval1m.BucketStart(time.Now()), last.OpenTime)

	// The market state anchors to the final close.
	price, ok := p.CurrentPrice("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, last.Close.InexactFloat64(), price, 1e-6)
}

func TestHistoricalKlinesCacheGrows(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	first, err := p.GetHistoricalKlines(ctx, "BTCUSDT", market.Interval1m, 100)
	require.NoError(t, err)
	require.Len(t, first, 100)

	// A bigger request back-fills before the cached head; the shared
	// suffix is served unchanged.
	second, err := p.GetHistoricalKlines(ctx, "BTCUSDT", market.Interval1m, 300)
	require.NoError(t, err)
	require.Len(t, second, 300)

	tail := second[len(second)-100:]
	for i := range tail {
		assert.True(t, tail[i].Open.Equal(first[i].Open), "candle %d", i)
		assert.Equal(t, first[i].OpenTime, tail[i].OpenTime)
	}
}

func TestHistoricalContinuityWithLiveTick(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	defer p.Disconnect()

	candles, err := p.GetHistoricalKlines(ctx, "BTCUSDT", market.Interval1m, 500)
	require.NoError(t, err)
	lastOpen := candles[len(candles)-1].OpenTime

	var mu sync.Mutex
	var klines []market.Candle
	p.SetDataHandler(func(ev market.Event) {
		if ev.Type != market.StreamKline {
			return
		}
		mu.Lock()
		klines = append(klines, *ev.Data.(*market.Candle))
		mu.Unlock()
	})
	require.NoError(t, p.SubscribeKline("BTCUSDT", market.Interval1m))

	// Drive one tick directly instead of waiting on the scheduler.
	now := time.Now()
	for _, ev := range p.priceStep("BTCUSDT", now) {
		p.emit(ev)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, klines)
	got := klines[len(klines)-1]

	// The live candle lands on the historical batch's last bucket or
	// exactly one interval later, and closes at the simulated price.
	diff := got.OpenTime.Sub(lastOpen)
	assert.True(t, diff == 0 || diff == market.Interval1m.Duration(), "open time gap %s", diff)

	price, ok := p.CurrentPrice("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, price, got.Close.InexactFloat64(), 1e-6)
}

func TestRollClosesPreviousPeriod(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	defer p.Disconnect()
	require.NoError(t, p.SubscribeKline("BTCUSDT", market.Interval1m))

	// Seed a current candle one bucket in the past, then roll.
	past := time.Now().Add(-time.Minute)
	p.mu.Lock()
	p.ensureCurrentCandleLocked("BTCUSDT", market.Interval1m, past)
	p.mu.Unlock()

	events := p.roll("BTCUSDT", market.Interval1m, time.Now())
	require.Len(t, events, 2)

	closed := events[0].Data.(*market.Candle)
	opened := events[1].Data.(*market.Candle)
	assert.True(t, closed.Closed)
	assert.False(t, opened.Closed)
	assert.Equal(t, market.Interval1m.Duration(), opened.OpenTime.Sub(closed.OpenTime))
	assert.True(t, opened.Open.Equal(opened.Close), "new candle must be flat")
}

func TestSyntheticTradesEmittedOnce(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	defer p.Disconnect()

	require.NoError(t, p.SubscribeTrades("BTCUSDT"))
	require.NoError(t, p.SubscribeAggregateTrades("BTCUSDT"))

	seen := make(map[string]int)
	types := make(map[market.StreamType]int)
	now := time.Now()
	for i := 0; i < 50; i++ {
		for _, ev := range p.priceStep("BTCUSDT", now.Add(time.Duration(i)*100*time.Millisecond)) {
			trade, ok := ev.Data.(*market.Trade)
			if !ok {
				continue
			}
			seen[trade.Signature()]++
			types[ev.Type]++
		}
	}

	require.NotEmpty(t, seen)
	for sig, count := range seen {
		assert.Equal(t, 1, count, "trade %s emitted %d times", sig, count)
	}
	// With both streams live the aggregate stream carries every trade.
	assert.Zero(t, types[market.StreamTrade])
	assert.NotZero(t, types[market.StreamAggTrade])
}

func TestSyntheticTradeStreamSelection(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	defer p.Disconnect()
	require.NoError(t, p.SubscribeTrades("BTCUSDT"))

	types := make(map[market.StreamType]int)
	now := time.Now()
	for i := 0; i < 20; i++ {
		for _, ev := range p.priceStep("BTCUSDT", now.Add(time.Duration(i)*100*time.Millisecond)) {
			if _, ok := ev.Data.(*market.Trade); ok {
				types[ev.Type]++
			}
		}
	}

	assert.NotZero(t, types[market.StreamTrade])
	assert.Zero(t, types[market.StreamAggTrade])
}

func TestControlSurface(t *testing.T) {
	p := newTestProvider(t)

	require.NoError(t, p.SetMarketScenario("BTCUSDT", ScenarioBullRun))
	require.NoError(t, p.SetSymbolVolatility("BTCUSDT", 0.01))
	require.NoError(t, p.SetSymbolTrend("BTCUSDT", 0.002))
	require.NoError(t, p.ResetSymbolPrice("BTCUSDT", 123.45))

	price, ok := p.CurrentPrice("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 123.45, price)

	require.NoError(t, p.TriggerPump("BTCUSDT"))
	require.NoError(t, p.TriggerDump("BTCUSDT"))

	assert.ErrorIs(t, p.SetMarketScenario("NOPEUSDT", ScenarioNormal), market.ErrUnknownSymbol)
	assert.ErrorIs(t, p.SetSymbolVolatility("BTCUSDT", -1), market.ErrInvalidArgument)
	assert.ErrorIs(t, p.SetMarketScenario("BTCUSDT", Scenario("WAT")), market.ErrInvalidArgument)
}

func TestParseScenario(t *testing.T) {
	sc, err := ParseScenario("PUMP_AND_DUMP")
	require.NoError(t, err)
	assert.Equal(t, ScenarioPumpAndDump, sc)

	_, err = ParseScenario("SUPERCYCLE")
	assert.ErrorIs(t, err, market.ErrInvalidArgument)
}

func TestHistoricalRange(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	end := time.Now()
	start := end.Add(-30 * time.Minute)
	candles, err := p.GetHistoricalKlinesRange(ctx, "BTCUSDT", market.Interval1m, start, end)
	require.NoError(t, err)
	require.NotEmpty(t, candles)
	for _, c := range candles {
		assert.False(t, c.OpenTime.Before(start))
		assert.False(t, c.OpenTime.After(end))
	}

	_, err = p.GetHistoricalKlinesRange(ctx, "BTCUSDT", market.Interval1m, end, start)
	assert.ErrorIs(t, err, market.ErrInvalidArgument)
}
