// Package footprint folds trade streams into per-candle volume
// profiles: buy/sell volume at each tick-aligned price level, point of
// control, value area and delta. Analytics are float64; the wire
// decimals are converted once at the trade boundary.
package footprint

import (
	"math"
	"sort"
	"time"

	"marketflow/internal/market"
)

// ValueAreaShare is the fraction of total volume the value area must
// cover.
const ValueAreaShare = 0.70

// PriceLevelVolume is the accumulated volume at one tick-aligned price.
type PriceLevelVolume struct {
	Price      float64 `json:"price"`
	BuyVolume  float64 `json:"buyVolume"`
	SellVolume float64 `json:"sellVolume"`
	TradeCount int64   `json:"tradeCount"`
}

// Total returns buy + sell volume.
func (l PriceLevelVolume) Total() float64 {
	return l.BuyVolume + l.SellVolume
}

// Delta returns buy - sell volume.
func (l PriceLevelVolume) Delta() float64 {
	return l.BuyVolume - l.SellVolume
}

// BuyRatio returns the buy share of the level's volume.
func (l PriceLevelVolume) BuyRatio() float64 {
	total := l.Total()
	if total == 0 {
		return 0
	}
	return l.BuyVolume / total
}

// Candle is a footprint candle: OHLC plus the per-price volume
// profile and its derived statistics.
type Candle struct {
	Symbol   string          `json:"symbol"`
	Provider string          `json:"provider"`
	Interval market.Interval `json:"interval"`
	OpenTime time.Time       `json:"openTime"`

	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`

	TotalBuyVolume  float64 `json:"totalBuyVolume"`
	TotalSellVolume float64 `json:"totalSellVolume"`
	Delta           float64 `json:"delta"`
	CumulativeDelta float64 `json:"cumulativeDelta"`
	TradeCount      int64   `json:"tradeCount"`

	VolumeProfile  []PriceLevelVolume `json:"volumeProfile"`
	PointOfControl float64            `json:"pointOfControl"`
	ValueAreaHigh  float64            `json:"valueAreaHigh"`
	ValueAreaLow   float64            `json:"valueAreaLow"`

	Closed bool `json:"closed"`
}

// TotalVolume returns buy + sell volume for the whole candle.
func (c Candle) TotalVolume() float64 {
	return c.TotalBuyVolume + c.TotalSellVolume
}

// builder accumulates trades for one (symbol, interval, bucket). Not
// safe for concurrent use; the tracker serializes access.
type builder struct {
	symbol   string
	provider string
	interval market.Interval
	openTime time.Time
	tickSize float64

	open, high, low, close float64
	hasTrades              bool

	buyVolume  float64
	sellVolume float64
	tradeCount int64

	// Level keys are tick indexes (round(price/tickSize)) so float
	// noise cannot split a level.
	levels map[int64]*PriceLevelVolume
}

func newBuilder(provider, symbol string, interval market.Interval, openTime time.Time, tickSize float64) *builder {
	return &builder{
		symbol:   symbol,
		provider: provider,
		interval: interval,
		openTime: openTime,
		tickSize: tickSize,
		levels:   make(map[int64]*PriceLevelVolume),
	}
}

// alignTick returns the tick index and the tick-aligned price.
func alignTick(price, tickSize float64) (int64, float64) {
	idx := int64(math.Round(price / tickSize))
	return idx, float64(idx) * tickSize
}

func (b *builder) addTrade(price, quantity float64, aggressiveBuy bool) {
	if !b.hasTrades {
		b.open, b.high, b.low = price, price, price
		b.hasTrades = true
	}
	if price > b.high {
		b.high = price
	}
	if price < b.low {
		b.low = price
	}
	b.close = price
	b.tradeCount++

	idx, aligned := alignTick(price, b.tickSize)
	level, ok := b.levels[idx]
	if !ok {
		level = &PriceLevelVolume{Price: aligned}
		b.levels[idx] = level
	}
	level.TradeCount++
	if aggressiveBuy {
		level.BuyVolume += quantity
		b.buyVolume += quantity
	} else {
		level.SellVolume += quantity
		b.sellVolume += quantity
	}
}

// snapshot assembles the candle in its current state. cumulative is
// the running delta sum including this candle.
func (b *builder) snapshot(cumulative float64, closed bool) Candle {
	c := Candle{
		Symbol:          b.symbol,
		Provider:        b.provider,
		Interval:        b.interval,
		OpenTime:        b.openTime,
		Open:            b.open,
		High:            b.high,
		Low:             b.low,
		Close:           b.close,
		TotalBuyVolume:  b.buyVolume,
		TotalSellVolume: b.sellVolume,
		Delta:           b.buyVolume - b.sellVolume,
		CumulativeDelta: cumulative,
		TradeCount:      b.tradeCount,
		Closed:          closed,
	}

	c.VolumeProfile = make([]PriceLevelVolume, 0, len(b.levels))
	for _, level := range b.levels {
		c.VolumeProfile = append(c.VolumeProfile, *level)
	}
	sort.Slice(c.VolumeProfile, func(i, j int) bool {
		return c.VolumeProfile[i].Price < c.VolumeProfile[j].Price
	})

	c.PointOfControl, c.ValueAreaHigh, c.ValueAreaLow = profileStats(c.VolumeProfile)
	return c
}

// profileStats computes POC and the value area: levels sorted by total
// volume descending are accumulated until their sum reaches 70% of the
// candle volume; VAH/VAL bound the accumulated set.
func profileStats(profile []PriceLevelVolume) (poc, vah, val float64) {
	if len(profile) == 0 {
		return 0, 0, 0
	}

	byVolume := make([]PriceLevelVolume, len(profile))
	copy(byVolume, profile)
	sort.SliceStable(byVolume, func(i, j int) bool {
		return byVolume[i].Total() > byVolume[j].Total()
	})

	poc = byVolume[0].Price

	totalVolume := 0.0
	for _, level := range profile {
		totalVolume += level.Total()
	}
	if totalVolume == 0 {
		return poc, poc, poc
	}

	target := totalVolume * ValueAreaShare
	accumulated := 0.0
	vah, val = byVolume[0].Price, byVolume[0].Price
	for _, level := range byVolume {
		accumulated += level.Total()
		if level.Price > vah {
			vah = level.Price
		}
		if level.Price < val {
			val = level.Price
		}
		if accumulated >= target {
			break
		}
	}
	return poc, vah, val
}
