// Package store holds the bounded in-memory time-series for every
// stream type. Each store owns its sequences: writers go through Add,
// readers get copies, and per-key order is maintained on insert.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"marketflow/internal/market"
)

// Default per-key bounds and sampling windows.
const (
	DefaultCandleMax  = 1000
	DefaultTradeMax   = 1000000
	DefaultBookMax    = 1000
	DefaultTickerMax  = 3600
	DefaultBookWindow = 10 * time.Second
	DefaultTickWindow = time.Second
)

// CandleStore keeps per-(provider, symbol, interval) candle sequences
// ordered by open time with at most one entry per open time. Adding a
// candle with an existing open time replaces it, which is what lets
// the live ticker drive the current candle through the same path as
// closed klines.
type CandleStore struct {
	mu      sync.RWMutex
	max     int
	candles map[string][]market.Candle
}

// NewCandleStore builds a candle store with the given per-key cap
// (values <= 0 fall back to DefaultCandleMax).
func NewCandleStore(max int) *CandleStore {
	if max <= 0 {
		max = DefaultCandleMax
	}
	return &CandleStore{
		max:     max,
		candles: make(map[string][]market.Candle),
	}
}

// Add inserts or replaces one candle, keeping the sequence ordered and
// bounded.
func (s *CandleStore) Add(c market.Candle) {
	key := c.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.candles[key]
	if n := len(seq); n > 0 {
		last := seq[n-1]
		switch {
		case last.OpenTime.Equal(c.OpenTime):
			seq[n-1] = c
			return
		case c.OpenTime.After(last.OpenTime):
			s.candles[key] = trimFront(append(seq, c), s.max)
			return
		}
	} else {
		s.candles[key] = append(seq, c)
		return
	}

	idx := sort.Search(len(seq), func(i int) bool {
		return !seq[i].OpenTime.Before(c.OpenTime)
	})
	if idx < len(seq) && seq[idx].OpenTime.Equal(c.OpenTime) {
		seq[idx] = c
		return
	}
	seq = append(seq, market.Candle{})
	copy(seq[idx+1:], seq[idx:])
	seq[idx] = c
	s.candles[key] = trimFront(seq, s.max)
}

// AddBulk inserts a batch (typically a historical fetch), skipping
// open times already present, then restores order and the bound.
// Returns the number of candles inserted.
func (s *CandleStore) AddBulk(provider, symbol string, interval market.Interval, batch []market.Candle) int {
	if len(batch) == 0 {
		return 0
	}
	key := market.KlineKey(provider, symbol, interval)

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.candles[key]
	existing := make(map[int64]bool, len(seq))
	for _, c := range seq {
		existing[c.OpenTime.Unix()] = true
	}

	inserted := 0
	for _, c := range batch {
		ts := c.OpenTime.Unix()
		if existing[ts] {
			continue
		}
		existing[ts] = true
		seq = append(seq, c)
		inserted++
	}
	if inserted == 0 {
		return 0
	}

	sort.Slice(seq, func(i, j int) bool {
		return seq[i].OpenTime.Before(seq[j].OpenTime)
	})
	s.candles[key] = trimFront(seq, s.max)
	return inserted
}

// Get returns a copy of the full sequence for the key.
func (s *CandleStore) Get(provider, symbol string, interval market.Interval) []market.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyCandles(s.candles[market.KlineKey(provider, symbol, interval)])
}

// LastN returns a copy of the most recent n candles (all when n <= 0).
func (s *CandleStore) LastN(provider, symbol string, interval market.Interval, n int) []market.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.candles[market.KlineKey(provider, symbol, interval)]
	if n <= 0 || n >= len(seq) {
		return copyCandles(seq)
	}
	return copyCandles(seq[len(seq)-n:])
}

// Range returns candles with from <= openTime <= to.
func (s *CandleStore) Range(provider, symbol string, interval market.Interval, from, to time.Time) []market.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.candles[market.KlineKey(provider, symbol, interval)]
	out := make([]market.Candle, 0)
	for _, c := range seq {
		if c.OpenTime.Before(from) || c.OpenTime.After(to) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Latest returns the most recent candle for the key.
func (s *CandleStore) Latest(provider, symbol string, interval market.Interval) (market.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.candles[market.KlineKey(provider, symbol, interval)]
	if len(seq) == 0 {
		return market.Candle{}, false
	}
	return seq[len(seq)-1], true
}

// Count returns the number of stored candles for the key.
func (s *CandleStore) Count(provider, symbol string, interval market.Interval) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles[market.KlineKey(provider, symbol, interval)])
}

// Clear drops every interval sequence stored for (provider, symbol).
func (s *CandleStore) Clear(provider, symbol string) {
	prefix := market.Key(provider, symbol) + "_"

	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.candles {
		if strings.HasPrefix(key, prefix) {
			delete(s.candles, key)
		}
	}
}

// Stats returns per-key entry counts.
func (s *CandleStore) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.candles))
	for key, seq := range s.candles {
		out[key] = len(seq)
	}
	return out
}

// Max returns the per-key bound.
func (s *CandleStore) Max() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.max
}

func copyCandles(seq []market.Candle) []market.Candle {
	out := make([]market.Candle, len(seq))
	copy(out, seq)
	return out
}

func trimFront(seq []market.Candle, max int) []market.Candle {
	if len(seq) <= max {
		return seq
	}
	trimmed := make([]market.Candle, max)
	copy(trimmed, seq[len(seq)-max:])
	return trimmed
}
