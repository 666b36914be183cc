package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/internal/market"
)

func d(v string) decimal.Decimal {
	out, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return out
}

func candleAt(open int64, o, h, l, c string) market.Candle {
	ot := time.Unix(open, 0).UTC()
	return market.Candle{
		Symbol:    "BTCUSDT",
		Provider:  "mock",
		Interval:  market.Interval1m,
		OpenTime:  ot,
		CloseTime: ot.Add(time.Minute - time.Millisecond),
		Open:      d(o),
		High:      d(h),
		Low:       d(l),
		Close:     d(c),
	}
}

func TestCandleAddReplacesSameOpenTime(t *testing.T) {
	s := NewCandleStore(1000)

	s.Add(candleAt(1700000000, "10", "10", "10", "10"))
	s.Add(candleAt(1700000000, "10", "11", "9", "10.5"))

	latest, ok := s.Latest("mock", "BTCUSDT", market.Interval1m)
	require.True(t, ok)
	assert.True(t, latest.Close.Equal(d("10.5")), "close %s", latest.Close)
	assert.True(t, latest.High.Equal(d("11")))
	assert.Equal(t, 1, s.Count("mock", "BTCUSDT", market.Interval1m))
}

func TestCandleAddKeepsOrder(t *testing.T) {
	s := NewCandleStore(1000)

	// Arrive out of order; the sequence must come back sorted.
	s.Add(candleAt(1700000120, "3", "3", "3", "3"))
	s.Add(candleAt(1700000000, "1", "1", "1", "1"))
	s.Add(candleAt(1700000060, "2", "2", "2", "2"))

	seq := s.Get("mock", "BTCUSDT", market.Interval1m)
	require.Len(t, seq, 3)
	for i := 1; i < len(seq); i++ {
		assert.Equal(t, int64(60), seq[i].OpenTime.Unix()-seq[i-1].OpenTime.Unix())
	}
}

func TestCandleAddMiddleReplace(t *testing.T) {
	s := NewCandleStore(1000)
	s.Add(candleAt(1700000000, "1", "1", "1", "1"))
	s.Add(candleAt(1700000060, "2", "2", "2", "2"))
	s.Add(candleAt(1700000120, "3", "3", "3", "3"))

	s.Add(candleAt(1700000060, "2", "9", "1", "5"))

	seq := s.Get("mock", "BTCUSDT", market.Interval1m)
	require.Len(t, seq, 3)
	assert.True(t, seq[1].Close.Equal(d("5")))
}

func TestCandleCap(t *testing.T) {
	s := NewCandleStore(5)

	for i := 0; i < 12; i++ {
		s.Add(candleAt(1700000000+int64(i*60), "1", "1", "1", "1"))
	}

	seq := s.Get("mock", "BTCUSDT", market.Interval1m)
	require.Len(t, seq, 5)
	// Oldest candles dropped from the front.
	assert.Equal(t, int64(1700000000+7*60), seq[0].OpenTime.Unix())
}

func TestCandleAddBulkSkipsExisting(t *testing.T) {
	s := NewCandleStore(1000)
	s.Add(candleAt(1700000060, "5", "5", "5", "5"))

	batch := []market.Candle{
		candleAt(1700000000, "1", "1", "1", "1"),
		candleAt(1700000060, "7", "7", "7", "7"),
		candleAt(1700000120, "3", "3", "3", "3"),
	}
	inserted := s.AddBulk("mock", "BTCUSDT", market.Interval1m, batch)

	assert.Equal(t, 2, inserted)
	seq := s.Get("mock", "BTCUSDT", market.Interval1m)
	require.Len(t, seq, 3)
	// The live candle wins over the bulk duplicate.
	assert.True(t, seq[1].Close.Equal(d("5")))
}

func TestCandleAddBulkIdempotent(t *testing.T) {
	s := NewCandleStore(1000)
	batch := []market.Candle{
		candleAt(1700000000, "1", "1", "1", "1"),
		candleAt(1700000060, "2", "2", "2", "2"),
	}

	first := s.AddBulk("mock", "BTCUSDT", market.Interval1m, batch)
	second := s.AddBulk("mock", "BTCUSDT", market.Interval1m, batch)

	assert.Equal(t, 2, first)
	assert.Equal(t, 0, second)
	assert.Equal(t, 2, s.Count("mock", "BTCUSDT", market.Interval1m))
}

func TestCandleLastNAndRange(t *testing.T) {
	s := NewCandleStore(1000)
	for i := 0; i < 10; i++ {
		s.Add(candleAt(1700000000+int64(i*60), "1", "1", "1", "1"))
	}

	last3 := s.LastN("mock", "BTCUSDT", market.Interval1m, 3)
	require.Len(t, last3, 3)
	assert.Equal(t, int64(1700000000+9*60), last3[2].OpenTime.Unix())

	all := s.LastN("mock", "BTCUSDT", market.Interval1m, 0)
	assert.Len(t, all, 10)

	ranged := s.Range("mock", "BTCUSDT", market.Interval1m,
		time.Unix(1700000120, 0), time.Unix(1700000240, 0))
	assert.Len(t, ranged, 3)
}

func TestCandleReadsReturnCopies(t *testing.T) {
	s := NewCandleStore(1000)
	s.Add(candleAt(1700000000, "1", "1", "1", "1"))

	seq := s.Get("mock", "BTCUSDT", market.Interval1m)
	seq[0].Close = d("999")

	latest, _ := s.Latest("mock", "BTCUSDT", market.Interval1m)
	assert.True(t, latest.Close.Equal(d("1")))
}

func TestCandleClear(t *testing.T) {
	s := NewCandleStore(1000)
	s.Add(candleAt(1700000000, "1", "1", "1", "1"))
	other := candleAt(1700000000, "1", "1", "1", "1")
	other.Symbol = "ETHUSDT"
	s.Add(other)

	s.Clear("mock", "BTCUSDT")

	assert.Zero(t, s.Count("mock", "BTCUSDT", market.Interval1m))
	assert.Equal(t, 1, s.Count("mock", "ETHUSDT", market.Interval1m))
}
