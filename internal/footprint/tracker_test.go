package footprint

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/internal/market"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(Config{
		Intervals: []market.Interval{market.Interval1m},
	}, zerolog.Nop())
}

func tradeAt(ts int64, price, qty string, buy bool) market.Trade {
	return market.Trade{
		Symbol:        "BTCUSDT",
		Provider:      "mock",
		Time:          time.Unix(ts, 0).UTC(),
		Price:         decimal.RequireFromString(price),
		Quantity:      decimal.RequireFromString(qty),
		AggressiveBuy: buy,
	}
}

func TestPOCAndDelta(t *testing.T) {
	tr := newTestTracker(t)
	base := int64(1700000000)

	tr.OnTrade(tradeAt(base, "20.00", "100", true))
	tr.OnTrade(tradeAt(base+10, "20.01", "50", true))
	tr.OnTrade(tradeAt(base+20, "20.02", "200", false))
	tr.OnTrade(tradeAt(base+30, "20.02", "10", true))

	c, ok := tr.Current("mock", "BTCUSDT", market.Interval1m, time.Unix(base+30, 0))
	require.True(t, ok)

	assert.InDelta(t, 360.0, c.TotalVolume(), 1e-9)
	assert.InDelta(t, -40.0, c.Delta, 1e-9)
	assert.InDelta(t, 20.02, c.PointOfControl, 1e-9)
	assert.Equal(t, int64(4), c.TradeCount)

	// The 20.02 level holds both the sell 200 and the buy 10.
	var poc PriceLevelVolume
	for _, level := range c.VolumeProfile {
		if level.Price == c.PointOfControl {
			poc = level
		}
	}
	assert.InDelta(t, 210.0, poc.Total(), 1e-9)
}

func TestVolumeIdentity(t *testing.T) {
	tr := newTestTracker(t)
	base := int64(1700000000)

	trades := []market.Trade{
		tradeAt(base, "99.98", "5", true),
		tradeAt(base+1, "100.00", "12", false),
		tradeAt(base+2, "100.02", "7", true),
		tradeAt(base+3, "100.00", "3", true),
		tradeAt(base+4, "99.98", "9", false),
	}
	for _, trade := range trades {
		tr.OnTrade(trade)
	}

	c, ok := tr.Current("mock", "BTCUSDT", market.Interval1m, time.Unix(base, 0))
	require.True(t, ok)

	levelSum := 0.0
	for _, level := range c.VolumeProfile {
		levelSum += level.Total()
	}
	assert.InDelta(t, c.TotalVolume(), levelSum, 1e-9)
	assert.InDelta(t, c.TotalBuyVolume-c.TotalSellVolume, c.Delta, 1e-9)

	// POC has the largest total in the profile.
	for _, level := range c.VolumeProfile {
		if level.Price == c.PointOfControl {
			continue
		}
		var pocTotal float64
		for _, l := range c.VolumeProfile {
			if l.Price == c.PointOfControl {
				pocTotal = l.Total()
			}
		}
		assert.LessOrEqual(t, level.Total(), pocTotal)
	}
}

func TestValueAreaMinimality(t *testing.T) {
	profile := []PriceLevelVolume{
		{Price: 100.00, BuyVolume: 50},
		{Price: 100.01, BuyVolume: 200},
		{Price: 100.02, BuyVolume: 120},
		{Price: 100.03, BuyVolume: 80},
		{Price: 100.04, BuyVolume: 30},
	}
	poc, vah, val := profileStats(profile)

	assert.InDelta(t, 100.01, poc, 1e-9)

	total := 0.0
	for _, l := range profile {
		total += l.Total()
	}

	// Accumulated volume of the levels inside [val, vah] must reach
	// 70%, and dropping the smallest accumulated level must not.
	inArea := make([]PriceLevelVolume, 0)
	for _, l := range profile {
		if l.Price >= val-1e-9 && l.Price <= vah+1e-9 {
			inArea = append(inArea, l)
		}
	}
	sum := 0.0
	smallest := inArea[0].Total()
	for _, l := range inArea {
		sum += l.Total()
		if l.Total() < smallest {
			smallest = l.Total()
		}
	}
	assert.GreaterOrEqual(t, sum, ValueAreaShare*total)
	assert.Less(t, sum-smallest, ValueAreaShare*total)
}

func TestRolloverClosesPriorBucket(t *testing.T) {
	tr := newTestTracker(t)
	base := int64(1700000000)

	tr.OnTrade(tradeAt(base, "50", "10", true))
	tr.OnTrade(tradeAt(base+5, "51", "4", false))
	// Next minute: prior bucket closes.
	tr.OnTrade(tradeAt(base+60, "52", "1", true))

	hist := tr.Historical("mock", "BTCUSDT", market.Interval1m, 0)
	require.Len(t, hist, 1)
	closed := hist[0]
	assert.True(t, closed.Closed)
	assert.Equal(t, time.Unix(base, 0).UTC(), closed.OpenTime)
	assert.InDelta(t, 6.0, closed.Delta, 1e-9)
	assert.InDelta(t, 6.0, closed.CumulativeDelta, 1e-9)

	current, ok := tr.Current("mock", "BTCUSDT", market.Interval1m, time.Unix(base+60, 0))
	require.True(t, ok)
	assert.False(t, current.Closed)
	assert.Equal(t, time.Unix(base+60, 0).UTC(), current.OpenTime)
}

func TestSweepClosesStaleBuilders(t *testing.T) {
	tr := newTestTracker(t)
	base := int64(1700000000)

	tr.OnTrade(tradeAt(base, "50", "2", true))
	tr.Sweep(time.Unix(base+120, 0))

	hist := tr.Historical("mock", "BTCUSDT", market.Interval1m, 0)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Closed)

	_, ok := tr.Current("mock", "BTCUSDT", market.Interval1m, time.Unix(base+120, 0))
	assert.False(t, ok)
}

func TestSweepKeepsCurrentBucket(t *testing.T) {
	tr := newTestTracker(t)
	base := int64(1700000000)

	tr.OnTrade(tradeAt(base, "50", "2", true))
	// Sweep inside the same bucket must not close it.
	tr.Sweep(time.Unix(base+30, 0))

	assert.Empty(t, tr.Historical("mock", "BTCUSDT", market.Interval1m, 0))
	_, ok := tr.Current("mock", "BTCUSDT", market.Interval1m, time.Unix(base+30, 0))
	assert.True(t, ok)
}

func TestLateTradeForClosedBucketDropped(t *testing.T) {
	tr := newTestTracker(t)
	base := int64(1700000000)

	tr.OnTrade(tradeAt(base, "100.00", "10", true))
	// Next bucket: closes the first one.
	tr.OnTrade(tradeAt(base+60, "100.00", "5", true))

	hist := tr.Historical("mock", "BTCUSDT", market.Interval1m, 0)
	require.Len(t, hist, 1)
	closedDelta := hist[0].CumulativeDelta

	// A straggler for the closed bucket must not re-open it.
	tr.OnTrade(tradeAt(base+5, "100.00", "50", true))
	tr.Sweep(time.Unix(base+300, 0))

	hist = tr.Historical("mock", "BTCUSDT", market.Interval1m, 0)
	require.Len(t, hist, 2, "late trade must not duplicate the closed candle")
	assert.Equal(t, time.Unix(base+60, 0).UTC().Add(-20*time.Second), hist[1].OpenTime)
	assert.InDelta(t, closedDelta+5, hist[1].CumulativeDelta, 1e-9,
		"cumulative delta must advance only by the second bucket")
}

func TestCumulativeDeltaRuns(t *testing.T) {
	tr := newTestTracker(t)
	base := int64(1700000000)

	tr.OnTrade(tradeAt(base, "50", "10", true))     // delta +10
	tr.OnTrade(tradeAt(base+60, "50", "4", false))  // closes first; delta -4
	tr.OnTrade(tradeAt(base+120, "50", "1", true))  // closes second

	hist := tr.Historical("mock", "BTCUSDT", market.Interval1m, 0)
	require.Len(t, hist, 2)
	assert.InDelta(t, 10.0, hist[0].CumulativeDelta, 1e-9)
	assert.InDelta(t, 6.0, hist[1].CumulativeDelta, 1e-9)
}

func TestTickSize(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.SetTickSize("BTCUSDT", 0.5))
	assert.Equal(t, 0.5, tr.TickSize("BTCUSDT"))
	assert.Equal(t, DefaultTickSize, tr.TickSize("ETHUSDT"))
	assert.Error(t, tr.SetTickSize("BTCUSDT", 0))

	base := int64(1700000000)
	tr.OnTrade(tradeAt(base, "100.2", "1", true))
	tr.OnTrade(tradeAt(base+1, "100.3", "1", true))

	c, ok := tr.Current("mock", "BTCUSDT", market.Interval1m, time.Unix(base, 0))
	require.True(t, ok)
	// Both trades land on the 100.0 and 100.5 ticks.
	require.Len(t, c.VolumeProfile, 2)
	assert.InDelta(t, 100.0, c.VolumeProfile[0].Price, 1e-9)
	assert.InDelta(t, 100.5, c.VolumeProfile[1].Price, 1e-9)
}

func TestHistoricalBound(t *testing.T) {
	tr := NewTracker(Config{
		Intervals:    []market.Interval{market.Interval1m},
		CompletedMax: 3,
	}, zerolog.Nop())
	base := int64(1700000000)

	for i := int64(0); i < 6; i++ {
		tr.OnTrade(tradeAt(base+i*60, "50", "1", true))
	}

	hist := tr.Historical("mock", "BTCUSDT", market.Interval1m, 0)
	assert.Len(t, hist, 3)
	assert.Len(t, tr.Historical("mock", "BTCUSDT", market.Interval1m, 2), 2)
}
