package footprint

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketflow/internal/market"
)

// Defaults for the tracker.
const (
	DefaultTickSize     = 0.01
	DefaultCompletedMax = 500
	DefaultSweepEvery   = 10 * time.Second
)

// Config tunes a Tracker.
type Config struct {
	// Intervals to aggregate every trade into.
	Intervals []market.Interval
	// DefaultTickSize applies to symbols without an explicit entry.
	DefaultTickSize float64
	// TickSizes maps symbol to tick size.
	TickSizes map[string]float64
	// CompletedMax bounds the per-key closed-candle cache.
	CompletedMax int
	// SweepEvery is the auto-closer cadence.
	SweepEvery time.Duration
}

func (c *Config) fill() {
	if len(c.Intervals) == 0 {
		c.Intervals = []market.Interval{market.Interval1m}
	}
	if c.DefaultTickSize <= 0 {
		c.DefaultTickSize = DefaultTickSize
	}
	if c.CompletedMax <= 0 {
		c.CompletedMax = DefaultCompletedMax
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = DefaultSweepEvery
	}
}

// Tracker owns the live builders and the completed-candle caches. It
// consumes trade events (wire it to the dispatch hub with OnTrade) and
// closes candles on bucket rollover or via the periodic sweeper.
type Tracker struct {
	cfg    Config
	logger zerolog.Logger

	mu sync.Mutex
	// live builders: key (provider_symbol_interval) -> openTime unix -> builder
	builders map[string]map[int64]*builder
	// completed candles per key, oldest first, bounded.
	completed map[string][]Candle
	// running sum of closed-candle deltas per key. Reset at tracker
	// construction (documented decision; cross-restart persistence is
	// out of scope).
	cumulative map[string]float64
	// newest closed bucket open-time (unix) per key. Trades at or
	// before it arrive too late to fold in.
	lastClosed map[string]int64
	tickSizes  map[string]float64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTracker builds a tracker. Call Start to run the sweeper.
func NewTracker(cfg Config, logger zerolog.Logger) *Tracker {
	cfg.fill()
	sizes := make(map[string]float64, len(cfg.TickSizes))
	for sym, ts := range cfg.TickSizes {
		sizes[sym] = ts
	}
	return &Tracker{
		cfg:        cfg,
		logger:     logger.With().Str("component", "footprint").Logger(),
		builders:   make(map[string]map[int64]*builder),
		completed:  make(map[string][]Candle),
		cumulative: make(map[string]float64),
		lastClosed: make(map[string]int64),
		tickSizes:  sizes,
		stopCh:     make(chan struct{}),
	}
}

// Start runs the periodic sweeper that closes builders left behind
// when a stream goes quiet.
func (t *Tracker) Start() {
	go func() {
		ticker := time.NewTicker(t.cfg.SweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Sweep(time.Now())
			case <-t.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweeper. Idempotent.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// OnTrade folds one trade into the builder of every tracked interval.
// A trade landing in a bucket after an open builder's bucket closes
// that builder first.
func (t *Tracker) OnTrade(trade market.Trade) {
	price := trade.Price.InexactFloat64()
	quantity := trade.Quantity.InexactFloat64()
	if price <= 0 || quantity <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, interval := range t.cfg.Intervals {
		key := market.KlineKey(trade.Provider, trade.Symbol, interval)
		bucket := interval.BucketStart(trade.Time)
		bucketUnix := bucket.Unix()

		// A trade in an already-closed bucket would re-open it and close
		// it a second time, duplicating the completed candle and
		// double-counting cumulative delta. Drop it.
		if closed, ok := t.lastClosed[key]; ok && bucketUnix <= closed {
			t.logger.Debug().
				Str("key", key).
				Time("trade", trade.Time).
				Msg("late trade for closed bucket dropped")
			continue
		}

		buckets := t.builders[key]
		if buckets == nil {
			buckets = make(map[int64]*builder)
			t.builders[key] = buckets
		}

		// Close every builder from an earlier bucket before touching
		// the current one.
		for openUnix, b := range buckets {
			if openUnix < bucketUnix {
				t.closeLocked(key, b)
				delete(buckets, openUnix)
			}
		}

		b, ok := buckets[bucketUnix]
		if !ok {
			b = newBuilder(trade.Provider, trade.Symbol, interval, bucket, t.tickSizeLocked(trade.Symbol))
			buckets[bucketUnix] = b
		}
		b.addTrade(price, quantity, trade.AggressiveBuy)
	}
}

// Sweep closes every builder whose bucket lies strictly before the
// bucket containing now.
func (t *Tracker) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, buckets := range t.builders {
		for openUnix, b := range buckets {
			if b.openTime.Before(b.interval.BucketStart(now)) {
				t.closeLocked(key, b)
				delete(buckets, openUnix)
			}
		}
		if len(buckets) == 0 {
			delete(t.builders, key)
		}
	}
}

// closeLocked freezes a builder into the completed cache and advances
// the key's cumulative delta. Caller holds t.mu.
func (t *Tracker) closeLocked(key string, b *builder) {
	delta := b.buyVolume - b.sellVolume
	t.cumulative[key] += delta
	if openUnix := b.openTime.Unix(); openUnix > t.lastClosed[key] {
		t.lastClosed[key] = openUnix
	}
	candle := b.snapshot(t.cumulative[key], true)

	seq := append(t.completed[key], candle)
	if len(seq) > t.cfg.CompletedMax {
		trimmed := make([]Candle, t.cfg.CompletedMax)
		copy(trimmed, seq[len(seq)-t.cfg.CompletedMax:])
		seq = trimmed
	}
	t.completed[key] = seq

	t.logger.Debug().
		Str("key", key).
		Time("open", b.openTime).
		Float64("delta", delta).
		Float64("poc", candle.PointOfControl).
		Msg("footprint candle closed")
}

// Current synthesizes a non-frozen candle from the live builder of the
// bucket containing now.
func (t *Tracker) Current(provider, symbol string, interval market.Interval, now time.Time) (Candle, bool) {
	key := market.KlineKey(provider, symbol, interval)
	bucketUnix := interval.BucketStart(now).Unix()

	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.builders[key][bucketUnix]
	if !ok || !b.hasTrades {
		return Candle{}, false
	}
	return b.snapshot(t.cumulative[key]+b.buyVolume-b.sellVolume, false), true
}

// Historical returns up to limit most-recent completed candles
// (all when limit <= 0).
func (t *Tracker) Historical(provider, symbol string, interval market.Interval, limit int) []Candle {
	key := market.KlineKey(provider, symbol, interval)

	t.mu.Lock()
	defer t.mu.Unlock()

	seq := t.completed[key]
	if limit > 0 && limit < len(seq) {
		seq = seq[len(seq)-limit:]
	}
	out := make([]Candle, len(seq))
	copy(out, seq)
	return out
}

// SetTickSize changes a symbol's tick size. Applies to builders
// created afterwards; live builders keep their bucketing.
func (t *Tracker) SetTickSize(symbol string, tickSize float64) error {
	if tickSize <= 0 {
		return market.ErrInvalidArgument
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tickSizes[symbol] = tickSize
	return nil
}

// TickSize returns the effective tick size for a symbol.
func (t *Tracker) TickSize(symbol string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tickSizeLocked(symbol)
}

func (t *Tracker) tickSizeLocked(symbol string) float64 {
	if ts, ok := t.tickSizes[symbol]; ok {
		return ts
	}
	return t.cfg.DefaultTickSize
}

// Intervals returns the tracked intervals.
func (t *Tracker) Intervals() []market.Interval {
	out := make([]market.Interval, len(t.cfg.Intervals))
	copy(out, t.cfg.Intervals)
	return out
}

// Stats returns per-key counts of live builders and completed candles.
func (t *Tracker) Stats() map[string]map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]map[string]int)
	for key, buckets := range t.builders {
		out[key] = map[string]int{"live": len(buckets)}
	}
	for key, seq := range t.completed {
		entry, ok := out[key]
		if !ok {
			entry = map[string]int{}
			out[key] = entry
		}
		entry["completed"] = len(seq)
	}
	return out
}
