package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/internal/market"
)

func bookAt(ts time.Time, bid, ask string) market.OrderBookSnapshot {
	return market.OrderBookSnapshot{
		Symbol:   "BTCUSDT",
		Provider: "mock",
		Time:     ts,
		Bids:     []market.PriceLevel{{Price: d(bid), Quantity: d("1")}},
		Asks:     []market.PriceLevel{{Price: d(ask), Quantity: d("1")}},
	}
}

func TestOrderBookThrottleSpacing(t *testing.T) {
	s := NewOrderBookStore(100, 10*time.Second)
	base := time.Unix(1700000000, 0).UTC()

	// One snapshot per second for a minute; only one per 10s window
	// may land.
	for i := 0; i < 60; i++ {
		s.Add(bookAt(base.Add(time.Duration(i)*time.Second), "100", "101"))
	}

	stored := s.Get("mock", "BTCUSDT")
	require.Len(t, stored, 6)
	for i := 1; i < len(stored); i++ {
		gap := stored[i].Time.Sub(stored[i-1].Time)
		assert.GreaterOrEqual(t, gap, 10*time.Second, "stored snapshots closer than the window")
	}
}

func TestOrderBookAddReportsThrottle(t *testing.T) {
	s := NewOrderBookStore(100, 10*time.Second)
	base := time.Unix(1700000000, 0).UTC()

	assert.True(t, s.Add(bookAt(base, "100", "101")))
	assert.False(t, s.Add(bookAt(base.Add(3*time.Second), "100", "101")))
	assert.True(t, s.Add(bookAt(base.Add(10*time.Second), "100", "101")))
}

func TestOrderBookAt(t *testing.T) {
	s := NewOrderBookStore(100, 10*time.Second)
	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 3; i++ {
		s.Add(bookAt(base.Add(time.Duration(i)*20*time.Second), "100", "101"))
	}

	// Exactly between samples: the one at-or-before wins.
	snap, ok := s.At("mock", "BTCUSDT", base.Add(25*time.Second))
	require.True(t, ok)
	assert.Equal(t, base.Add(20*time.Second), snap.Time)

	// Exact hit.
	snap, ok = s.At("mock", "BTCUSDT", base.Add(40*time.Second))
	require.True(t, ok)
	assert.Equal(t, base.Add(40*time.Second), snap.Time)

	// Before the first sample there is nothing.
	_, ok = s.At("mock", "BTCUSDT", base.Add(-time.Second))
	assert.False(t, ok)
}

func TestOrderBookAddBulkBypassesThrottle(t *testing.T) {
	s := NewOrderBookStore(100, 10*time.Second)
	base := time.Unix(1700000000, 0).UTC()

	batch := make([]market.OrderBookSnapshot, 5)
	for i := range batch {
		batch[i] = bookAt(base.Add(time.Duration(i)*time.Second), "100", "101")
	}
	assert.Equal(t, 5, s.AddBulk("mock", "BTCUSDT", batch))
	// Re-adding the same timestamps is a no-op.
	assert.Equal(t, 0, s.AddBulk("mock", "BTCUSDT", batch))
	assert.Equal(t, 5, s.Count("mock", "BTCUSDT"))
}

func TestOrderBookCapBound(t *testing.T) {
	s := NewOrderBookStore(3, time.Second)
	base := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 10; i++ {
		s.Add(bookAt(base.Add(time.Duration(i)*time.Second), "100", "101"))
	}

	stored := s.Get("mock", "BTCUSDT")
	require.Len(t, stored, 3)
	// Oldest evicted first.
	assert.Equal(t, base.Add(7*time.Second), stored[0].Time)
	assert.Equal(t, base.Add(9*time.Second), stored[2].Time)
}

func TestOrderBookWindowAndMaxUpdates(t *testing.T) {
	s := NewOrderBookStore(100, 10*time.Second)
	base := time.Unix(1700000000, 0).UTC()

	s.Add(bookAt(base, "100", "101"))
	assert.False(t, s.Add(bookAt(base.Add(2*time.Second), "100", "101")))

	s.SetWindow(time.Second)
	assert.True(t, s.Add(bookAt(base.Add(2*time.Second), "100", "101")))
	assert.Equal(t, time.Second, s.Window())

	s.SetMax(1)
	s.Add(bookAt(base.Add(10*time.Second), "100", "101"))
	assert.Equal(t, 1, s.Count("mock", "BTCUSDT"))
}

func TestOrderBookClearAndStats(t *testing.T) {
	s := NewOrderBookStore(100, time.Second)
	base := time.Unix(1700000000, 0).UTC()
	s.Add(bookAt(base, "100", "101"))

	stats := s.Stats()
	assert.Equal(t, 1, stats[market.Key("mock", "BTCUSDT")])

	s.Clear("mock", "BTCUSDT")
	assert.Equal(t, 0, s.Count("mock", "BTCUSDT"))
}
